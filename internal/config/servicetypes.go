package config

import (
	"fmt"
	"sort"
	"strings"
)

// ServiceType describes how services of one kind are configured, rendered
// and reloaded.
type ServiceType struct {
	Name string
	// SettingsFrom is the key of the declaration section holding the
	// settings, when it differs from Name.
	SettingsFrom string
	// EnableAttribute is the setting that switches the service on.
	EnableAttribute string
	// ListAllowed permits declaring the section as a list of replicas.
	ListAllowed bool

	DefaultSettings    Settings
	DefaultEnvironment map[string]string
	// CommandTemplate is a text/template rendered with the sprig function map.
	CommandTemplate string
	// ReadinessPath is the HTTP path polled on the service's bind during a
	// rolling restart. Empty means the type has no readiness check.
	ReadinessPath       string
	AddVirtualenvToPath bool

	graceful GracefulMethod
	// gracefulFor overrides graceful when the method depends on settings.
	gracefulFor func(Settings) GracefulMethod
}

// Section returns the declaration section the type reads its settings from.
func (t *ServiceType) Section() string {
	if t.SettingsFrom != "" {
		return t.SettingsFrom
	}
	return strings.ReplaceAll(t.Name, "-", "_")
}

// GracefulMethod resolves the reload policy for settings and a replica
// count. An explicit graceful_method setting always wins; a list of
// replicas with a readiness check is restarted rolling.
func (t *ServiceType) GracefulMethod(settings Settings, count int) GracefulMethod {
	if m := settings.String("graceful_method", ""); m != "" {
		return GracefulMethod(m)
	}
	if count > 1 && t.ReadinessPath != "" {
		return GracefulRolling
	}
	if t.gracefulFor != nil {
		return t.gracefulFor(settings)
	}
	if t.graceful == "" {
		return GracefulDefault
	}
	return t.graceful
}

var galaxyEnvironment = map[string]string{
	"PYTHONPATH":         "lib",
	"GALAXY_CONFIG_FILE": "{{ .GalaxyConf }}",
}

const gunicornArgs = " --timeout {{ .Settings.timeout }}" +
	" --pythonpath lib" +
	" -k galaxy.webapps.galaxy.workers.Worker" +
	" -b {{ .Settings.bind }}" +
	" --workers={{ .Settings.workers }}" +
	" --config python:galaxy.web_stack.gunicorn_config" +
	"{{ if .Settings.preload }} --preload{{ end }}" +
	" {{ .Settings.extra_args }}"

var serviceTypes = map[string]*ServiceType{
	"gunicorn": {
		Name:            "gunicorn",
		EnableAttribute: "enable",
		ListAllowed:     true,
		DefaultSettings: Settings{
			"enable":          true,
			"bind":            "localhost:8080",
			"workers":         1,
			"timeout":         300,
			"extra_args":      "",
			"preload":         true,
			"restart_timeout": DefaultRestartTimeout,
		},
		DefaultEnvironment:  galaxyEnvironment,
		CommandTemplate:     "{{ .VirtualenvBin }}gunicorn 'galaxy.webapps.galaxy.fast_factory:factory()'" + gunicornArgs,
		ReadinessPath:       "/api/version",
		AddVirtualenvToPath: true,
		gracefulFor: func(s Settings) GracefulMethod {
			if s.Bool("preload", true) {
				return GracefulDefault
			}
			return GracefulSIGHUP
		},
	},
	"unicornherder": {
		Name:            "unicornherder",
		SettingsFrom:    "gunicorn",
		EnableAttribute: "enable",
		DefaultSettings: Settings{
			"enable":     true,
			"bind":       "localhost:8080",
			"workers":    1,
			"timeout":    300,
			"extra_args": "",
			"preload":    false,
		},
		DefaultEnvironment:  galaxyEnvironment,
		CommandTemplate:     "{{ .VirtualenvBin }}unicornherder -- 'galaxy.webapps.galaxy.fast_factory:factory()'" + gunicornArgs,
		AddVirtualenvToPath: true,
		graceful:            GracefulSIGHUP,
	},
	"celery": {
		Name:            "celery",
		EnableAttribute: "enable",
		DefaultSettings: Settings{
			"enable":      true,
			"enable_beat": true,
			"concurrency": 2,
			"loglevel":    "DEBUG",
			"queues":      "celery,galaxy.internal,galaxy.external",
			"pool":        "threads",
			"extra_args":  "",
		},
		DefaultEnvironment: galaxyEnvironment,
		CommandTemplate: "{{ .VirtualenvBin }}celery --app galaxy.celery worker" +
			" --concurrency {{ .Settings.concurrency }}" +
			" --loglevel {{ .Settings.loglevel }}" +
			" --pool {{ .Settings.pool }}" +
			" --queues {{ .Settings.queues }}" +
			" {{ .Settings.extra_args }}",
		AddVirtualenvToPath: true,
	},
	"celery-beat": {
		Name:            "celery-beat",
		SettingsFrom:    "celery",
		EnableAttribute: "enable_beat",
		DefaultSettings: Settings{
			"enable":      true,
			"enable_beat": true,
			"loglevel":    "DEBUG",
		},
		DefaultEnvironment: galaxyEnvironment,
		CommandTemplate: "{{ .VirtualenvBin }}celery --app galaxy.celery beat" +
			" --loglevel {{ .Settings.loglevel }}" +
			" --schedule {{ .DataDir }}/celery-beat-schedule",
		AddVirtualenvToPath: true,
	},
	"gx-it-proxy": {
		Name:            "gx-it-proxy",
		SettingsFrom:    "gx_it_proxy",
		EnableAttribute: "enable",
		DefaultSettings: Settings{
			"enable":        false,
			"version":       ">=0.0.6",
			"ip":            "localhost",
			"port":          4002,
			"sessions":      "database/interactivetools_map.sqlite",
			"verbose":       true,
			"forward_ip":    nil,
			"forward_port":  nil,
			"reverse_proxy": false,
		},
		DefaultEnvironment: map[string]string{
			"npm_config_yes": "true",
		},
		CommandTemplate: "{{ .VirtualenvBin }}npx gx-it-proxy@{{ .Settings.version }}" +
			" --ip {{ .Settings.ip }} --port {{ .Settings.port }}" +
			" --sessions {{ .Settings.sessions }}" +
			"{{ if .Settings.verbose }} --verbose{{ end }}" +
			"{{ with .Settings.forward_ip }} --forwardIP {{ . }}{{ end }}" +
			"{{ with .Settings.forward_port }} --forwardPort {{ . }}{{ end }}" +
			"{{ if .Settings.reverse_proxy }} --reverseProxy{{ end }}" +
			" --proxyPathPrefix {{ .Settings.proxy_path_prefix }}",
		AddVirtualenvToPath: true,
	},
	"tusd": {
		Name:            "tusd",
		EnableAttribute: "enable",
		DefaultSettings: Settings{
			"enable":               false,
			"tusd_path":            "tusd",
			"host":                 "localhost",
			"port":                 1080,
			"upload_dir":           "",
			"hooks_enabled_events": "pre-create",
			"extra_args":           "",
		},
		CommandTemplate: "{{ .Settings.tusd_path }} -host={{ .Settings.host }} -port={{ .Settings.port }}" +
			" -upload-dir={{ .Settings.upload_dir }}" +
			" -hooks-http={{ .App.galaxy_infrastructure_url | toString | trimSuffix \"/\" }}/api/upload/hooks" +
			" -hooks-http-forward-headers=X-Api-Key,Cookie {{ .Settings.extra_args }}" +
			" -hooks-enabled-events {{ .Settings.hooks_enabled_events }}",
		graceful: GracefulNone,
	},
	"reports": {
		Name:            "reports",
		EnableAttribute: "enable",
		DefaultSettings: Settings{
			"enable":      false,
			"config_file": "reports.yml",
			"bind":        "localhost:9001",
			"workers":     1,
			"timeout":     300,
			"url_prefix":  "",
			"extra_args":  "",
		},
		DefaultEnvironment: map[string]string{
			"PYTHONPATH":            "lib",
			"GALAXY_REPORTS_CONFIG": "{{ .Settings.config_file }}",
		},
		CommandTemplate: "{{ .VirtualenvBin }}gunicorn 'galaxy.webapps.reports.fast_factory:factory()'" +
			" --timeout {{ .Settings.timeout }}" +
			" --pythonpath lib" +
			" -k uvicorn.workers.UvicornWorker" +
			" -b {{ .Settings.bind }}" +
			" --workers={{ .Settings.workers }}" +
			" --config python:galaxy.web_stack.gunicorn_config" +
			"{{ with .Settings.url_prefix }} --env SCRIPT_NAME={{ . }}{{ end }}" +
			" {{ .Settings.extra_args }}",
		AddVirtualenvToPath: true,
		graceful:            GracefulSIGHUP,
	},
	"standalone": {
		Name:            "standalone",
		SettingsFrom:    "handlers",
		EnableAttribute: "enable",
		ListAllowed:     true,
		DefaultSettings: Settings{
			"enable":        true,
			"start_timeout": 20,
			"stop_timeout":  65,
		},
		DefaultEnvironment: galaxyEnvironment,
		CommandTemplate: "{{ .VirtualenvBin }}python ./lib/galaxy/main.py -c {{ .GalaxyConf }}" +
			" --server-name={{ .Settings.server_name }}" +
			"{{ range .ServerPools }} --attach-to-pool={{ . }}{{ end }}",
		AddVirtualenvToPath: true,
	},
}

// LookupServiceType returns the definition of a service type.
func LookupServiceType(name string) (*ServiceType, bool) {
	t, ok := serviceTypes[name]
	return t, ok
}

// ServiceTypeNames returns the known service types, sorted. They are also
// valid lifecycle targets.
func ServiceTypeNames() []string {
	names := make([]string, 0, len(serviceTypes))
	for name := range serviceTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var processManagers = []ProcessManager{
	ProcessManagerSupervisor,
	ProcessManagerSystemd,
	ProcessManagerMultiprocessing,
}

// LookupProcessManager validates a process manager name.
func LookupProcessManager(pm ProcessManager) (ProcessManager, bool) {
	for _, known := range processManagers {
		if known == pm {
			return known, true
		}
	}
	return "", false
}

// ProcessManagers returns every supported process manager.
func ProcessManagers() []ProcessManager {
	return append([]ProcessManager(nil), processManagers...)
}

func mustServiceType(name string) *ServiceType {
	t, ok := serviceTypes[name]
	if !ok {
		panic(fmt.Sprintf("unknown service type %q", name))
	}
	return t
}
