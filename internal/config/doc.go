// Package config holds the data model of galaxyctl: services, the
// declaration files (ConfigFile) that group them, and the instances that
// declarations resolve to. It also carries the service type table and the
// loader that turns a declaration file on disk into a ConfigFile.
//
// Settings are resolved in three layers, later layers win:
//
//  1. the service type defaults (DefaultSettings of the ServiceType)
//  2. the declaration's section for that service type
//  3. per-service or per-replica overrides
//
// Umask and memory limits follow the same pattern: a value on the service
// overrides the declaration attribute, which overrides the built-in default.
package config
