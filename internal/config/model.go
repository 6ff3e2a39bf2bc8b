package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"time"
)

// ProcessManager selects the backend that manages a declaration's services.
type ProcessManager string

const (
	ProcessManagerSupervisor      ProcessManager = "supervisor"
	ProcessManagerSystemd         ProcessManager = "systemd"
	ProcessManagerMultiprocessing ProcessManager = "multiprocessing"
)

// GracefulMethod is the reload policy of a service.
type GracefulMethod string

const (
	// GracefulNone makes graceful a no-op.
	GracefulNone GracefulMethod = "none"
	// GracefulSIGHUP signals the running process without replacing it.
	GracefulSIGHUP GracefulMethod = "sighup"
	// GracefulDefault restarts every replica.
	GracefulDefault GracefulMethod = "default"
	// GracefulRolling restarts replicas one at a time, waiting for each to
	// become ready before moving on.
	GracefulRolling GracefulMethod = "rolling"
)

// ServiceCommandStyle selects what backend artifacts invoke.
type ServiceCommandStyle string

const (
	// CommandStyleExec makes artifacts run "galaxyctl exec <instance> <service>",
	// so the command line is resolved at process start.
	CommandStyleExec ServiceCommandStyle = "exec"
	// CommandStyleDirect renders the service command line into the artifact.
	CommandStyleDirect ServiceCommandStyle = "direct"
)

const (
	DefaultUmask          = "022"
	DefaultRestartTimeout = 300
)

// ServiceKey identifies a service for diffing. Two services are the same
// service iff their keys are equal, whatever their settings.
type ServiceKey struct {
	ConfigType  string
	ServiceType string
	ServiceName string
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ConfigType, k.ServiceType, k.ServiceName)
}

// Service is one declared process (or set of identical replicas).
type Service struct {
	ConfigType     string            `yaml:"config_type" json:"config_type"`
	ServiceType    string            `yaml:"service_type" json:"service_type"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	Count          int               `yaml:"count" json:"count"`
	Enable         bool              `yaml:"enable" json:"enable"`
	GracefulMethod GracefulMethod    `yaml:"graceful_method" json:"graceful_method"`
	Umask          string            `yaml:"umask,omitempty" json:"umask,omitempty"`
	MemoryLimit    *float64          `yaml:"memory_limit,omitempty" json:"memory_limit,omitempty"`
	MemoryHigh     *float64          `yaml:"memory_high,omitempty" json:"memory_high,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Settings       Settings          `yaml:"settings,omitempty" json:"settings,omitempty"`
	// ReplicaSettings holds per-replica overrides when a service is declared
	// as a list, e.g. several gunicorn binds.
	ReplicaSettings []Settings `yaml:"replica_settings,omitempty" json:"replica_settings,omitempty"`
	ServerPools     []string   `yaml:"server_pools,omitempty" json:"server_pools,omitempty"`
}

// Key returns the identity of the service.
func (s *Service) Key() ServiceKey {
	return ServiceKey{ConfigType: s.ConfigType, ServiceType: s.ServiceType, ServiceName: s.ServiceName}
}

// MapKey is the synthetic key used to address the service within its
// declaration.
func (s *Service) MapKey() string {
	return s.ServiceType + "_" + s.ServiceName
}

// Replicas returns the number of processes the service runs, never less
// than one.
func (s *Service) Replicas() int {
	if s.Count < 1 {
		return 1
	}
	return s.Count
}

// SettingsFor returns the resolved settings of replica i.
func (s *Service) SettingsFor(i int) Settings {
	if i >= 0 && i < len(s.ReplicaSettings) {
		return Merge(s.Settings, s.ReplicaSettings[i])
	}
	return s.Settings
}

// Type returns the service type definition.
func (s *Service) Type() (*ServiceType, bool) {
	return LookupServiceType(s.ServiceType)
}

// EffectiveUmask resolves the umask: service, then declaration, then
// DefaultUmask.
func (s *Service) EffectiveUmask(cfg *ConfigFile) string {
	if s.Umask != "" {
		return s.Umask
	}
	if cfg != nil && cfg.Attribs.Umask != "" {
		return cfg.Attribs.Umask
	}
	return DefaultUmask
}

// EffectiveMemoryLimit resolves memory_limit in GB, nil when unlimited.
func (s *Service) EffectiveMemoryLimit(cfg *ConfigFile) *float64 {
	if s.MemoryLimit != nil {
		return s.MemoryLimit
	}
	if cfg != nil {
		return cfg.Attribs.MemoryLimit
	}
	return nil
}

// EffectiveMemoryHigh resolves memory_high in GB, nil when unset.
func (s *Service) EffectiveMemoryHigh(cfg *ConfigFile) *float64 {
	if s.MemoryHigh != nil {
		return s.MemoryHigh
	}
	if cfg != nil {
		return cfg.Attribs.MemoryHigh
	}
	return nil
}

// RestartTimeout is the bound on readiness polling during rolling restarts.
func (s *Service) RestartTimeout() time.Duration {
	return time.Duration(s.Settings.Int("restart_timeout", DefaultRestartTimeout)) * time.Second
}

// Clone returns a deep copy of the service.
func (s *Service) Clone() *Service {
	c := *s
	c.MemoryLimit = cloneFloat(s.MemoryLimit)
	c.MemoryHigh = cloneFloat(s.MemoryHigh)
	c.Environment = maps.Clone(s.Environment)
	c.Settings = s.Settings.Clone()
	c.ServerPools = slices.Clone(s.ServerPools)
	if s.ReplicaSettings != nil {
		c.ReplicaSettings = make([]Settings, len(s.ReplicaSettings))
		for i, r := range s.ReplicaSettings {
			c.ReplicaSettings[i] = r.Clone()
		}
	}
	return &c
}

// Attribs are the declaration-wide attributes that are compared on every
// update.
type Attribs struct {
	GalaxyRoot          string              `yaml:"galaxy_root" json:"galaxy_root"`
	LogDir              string              `yaml:"log_dir" json:"log_dir"`
	Virtualenv          string              `yaml:"virtualenv,omitempty" json:"virtualenv,omitempty"`
	AppServer           string              `yaml:"app_server,omitempty" json:"app_server,omitempty"`
	Umask               string              `yaml:"umask,omitempty" json:"umask,omitempty"`
	MemoryLimit         *float64            `yaml:"memory_limit,omitempty" json:"memory_limit,omitempty"`
	MemoryHigh          *float64            `yaml:"memory_high,omitempty" json:"memory_high,omitempty"`
	User                string              `yaml:"user,omitempty" json:"user,omitempty"`
	Group               string              `yaml:"group,omitempty" json:"group,omitempty"`
	ServiceCommandStyle ServiceCommandStyle `yaml:"service_command_style,omitempty" json:"service_command_style,omitempty"`
}

// Equal reports whether two attribute sets are identical.
func (a Attribs) Equal(b Attribs) bool {
	return reflect.DeepEqual(a, b)
}

// ConfigFile is one declaration file: the source of truth for the services
// of one instance.
type ConfigFile struct {
	SourcePath     string         `yaml:"source_path" json:"source_path"`
	ConfigType     string         `yaml:"config_type" json:"config_type"`
	InstanceName   string         `yaml:"instance_name" json:"instance_name"`
	ProcessManager ProcessManager `yaml:"process_manager" json:"process_manager"`
	Attribs        Attribs        `yaml:"attribs" json:"attribs"`
	AppConfig      map[string]any `yaml:"app_config,omitempty" json:"app_config,omitempty"`
	Services       []*Service     `yaml:"services" json:"services"`

	// LastLoadError is set while the declaration cannot be reloaded.
	LastLoadError string     `yaml:"last_load_error,omitempty" json:"last_load_error,omitempty"`
	FailedSince   *time.Time `yaml:"failed_since,omitempty" json:"failed_since,omitempty"`
}

// PathHash is the hex sha1 of the source path. Artifacts carry it to tell
// apart declarations whose native names would collide.
func (c *ConfigFile) PathHash() string {
	return PathHash(c.SourcePath)
}

// PathHash returns the hex sha1 of a declaration path.
func PathHash(path string) string {
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Degraded reports whether the last reload of the declaration failed.
func (c *ConfigFile) Degraded() bool {
	return c.LastLoadError != ""
}

// Service returns the service with the given name.
func (c *ConfigFile) Service(name string) (*Service, bool) {
	for _, svc := range c.Services {
		if svc.ServiceName == name {
			return svc, true
		}
	}
	return nil, false
}

// ServiceByKey returns the service with the given identity.
func (c *ConfigFile) ServiceByKey(key ServiceKey) (*Service, bool) {
	for _, svc := range c.Services {
		if svc.Key() == key {
			return svc, true
		}
	}
	return nil, false
}

// EnabledServices returns the services that should have artifacts.
func (c *ConfigFile) EnabledServices() []*Service {
	var out []*Service
	for _, svc := range c.Services {
		if svc.Enable {
			out = append(out, svc)
		}
	}
	return out
}

// ServiceNames returns the service names in declaration order.
func (c *ConfigFile) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.ServiceName)
	}
	return names
}

// Validate checks the invariants of a loaded declaration.
func (c *ConfigFile) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("%s: instance name is empty", c.SourcePath)
	}
	if _, ok := LookupProcessManager(c.ProcessManager); !ok {
		return fmt.Errorf("%s: unknown process manager %q", c.SourcePath, c.ProcessManager)
	}
	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		key := svc.MapKey()
		if seen[key] {
			return fmt.Errorf("%s: duplicate service %s", c.SourcePath, key)
		}
		seen[key] = true
		if svc.Count < 1 {
			return fmt.Errorf("%s: service %s has count %d", c.SourcePath, svc.ServiceName, svc.Count)
		}
	}
	return nil
}

// Clone returns a deep copy of the declaration.
func (c *ConfigFile) Clone() *ConfigFile {
	if c == nil {
		return nil
	}
	out := *c
	out.Attribs.MemoryLimit = cloneFloat(c.Attribs.MemoryLimit)
	out.Attribs.MemoryHigh = cloneFloat(c.Attribs.MemoryHigh)
	out.AppConfig = Settings(c.AppConfig).Clone()
	if c.FailedSince != nil {
		t := *c.FailedSince
		out.FailedSince = &t
	}
	out.Services = make([]*Service, len(c.Services))
	for i, svc := range c.Services {
		out.Services[i] = svc.Clone()
	}
	return &out
}

// Instance is a named deployment and the declarations that resolve to it.
type Instance struct {
	Name        string                 `yaml:"-" json:"name"`
	ConfigFiles map[string]*ConfigFile `yaml:"config_files" json:"config_files"`
}

// Paths returns the declaration paths of the instance, sorted.
func (i *Instance) Paths() []string {
	paths := make([]string, 0, len(i.ConfigFiles))
	for p := range i.ConfigFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}
