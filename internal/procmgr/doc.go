// Package procmgr turns declarations into process manager artifacts and
// drives lifecycle commands through them.
//
// Every process manager integration implements Backend. The supervisor
// backend owns a directory of program stanzas served by one supervisord
// daemon, the systemd backend owns unit files plus one target per
// declaration, and the in-process backend runs services as child processes
// of the controller without writing anything to disk.
//
// Artifact bookkeeping is shared: each backend reports the artifacts it
// intends for a declaration and the artifacts it finds on disk, and
// ReconcileOwnership removes the difference. Files are only ever attributed
// to a declaration through the marker comment the backend renders into
// them, so files placed in a managed directory by hand are never touched.
//
// Graceful reloads are handled by the Coordinator, which implements the
// per-service reload policy including the health-checked rolling restart.
// The Executor resolves a single service replica into a command line and
// replaces the current process with it.
package procmgr
