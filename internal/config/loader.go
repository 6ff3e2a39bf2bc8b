package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

const (
	gravitySectionName   = "gravity"
	defaultJobConfigFile = "config/job_conf.xml"
	defaultHandlerName   = "{name}_{process}"
)

// appSections are the application sections a declaration may carry. The
// first one found determines the config type.
var appSections = []string{"galaxy", "reports", "tool_shed"}

// Loader reads declaration files. It is the only place where the
// declaration format is known; everything downstream works on ConfigFile.
type Loader struct {
	// StateDir is used for the default log directory and as the data
	// directory of stateful services.
	StateDir string
	// Getenv resolves GRAVITY_* overrides. Defaults to os.Getenv.
	Getenv func(string) string
	// NewInstanceName generates a name for declarations that set none.
	NewInstanceName func(configType string) string
}

// NewLoader returns a Loader reading the process environment.
func NewLoader(stateDir string) *Loader {
	return &Loader{
		StateDir:        stateDir,
		Getenv:          os.Getenv,
		NewInstanceName: GenerateInstanceName,
	}
}

// GenerateInstanceName returns "<config_type>-<12 hex chars>".
func GenerateInstanceName(configType string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return configType + "-" + id[:12]
}

type gravitySection struct {
	ProcessManager      string              `yaml:"process_manager"`
	ServiceCommandStyle string              `yaml:"service_command_style"`
	InstanceName        string              `yaml:"instance_name"`
	GalaxyRoot          string              `yaml:"galaxy_root"`
	GalaxyUser          string              `yaml:"galaxy_user"`
	GalaxyGroup         string              `yaml:"galaxy_group"`
	LogDir              string              `yaml:"log_dir"`
	Virtualenv          string              `yaml:"virtualenv"`
	AppServer           string              `yaml:"app_server"`
	Umask               string              `yaml:"umask"`
	MemoryLimit         *float64            `yaml:"memory_limit"`
	MemoryHigh          *float64            `yaml:"memory_high"`
	Handlers            map[string]Settings `yaml:"handlers"`
	// Sections holds the per service type sections (gunicorn, celery, ...).
	Sections map[string]any `yaml:",inline"`
}

// Load reads the declaration at path. stored is the previously applied
// version of the same declaration, or a registration default; it supplies
// the instance name and galaxy root when the declaration sets neither.
// Every failure is returned as an errdefs.DeclarationError.
func (l *Loader) Load(path string, stored *ConfigFile) (*ConfigFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errdefs.NewDeclarationError(path, err)
	}
	cfg, err := l.load(abs, stored)
	if err != nil {
		return nil, errdefs.NewDeclarationError(abs, err)
	}
	logging.Debug("Config", "Loaded %s: instance %s, %d services", abs, cfg.InstanceName, len(cfg.Services))
	return cfg, nil
}

func (l *Loader) load(path string, stored *ConfigFile) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	cfg := &ConfigFile{SourcePath: path}
	for _, section := range appSections {
		node, ok := doc[section]
		if !ok {
			continue
		}
		cfg.ConfigType = section
		if err := node.Decode(&cfg.AppConfig); err != nil {
			return nil, fmt.Errorf("parsing %s section: %w", section, err)
		}
		break
	}

	var g gravitySection
	gravityNode, hasGravity := doc[gravitySectionName]
	if cfg.ConfigType == "" && !hasGravity {
		return nil, errors.New("does not look like a valid galaxy, reports or tool_shed declaration")
	}
	if cfg.ConfigType == "" {
		cfg.ConfigType = appSections[0]
	}
	if hasGravity {
		if err := gravityNode.Decode(&g); err != nil {
			return nil, fmt.Errorf("parsing %s section: %w", gravitySectionName, err)
		}
	}
	if err := l.applyEnv(&g); err != nil {
		return nil, err
	}

	if err := l.resolveAttribs(cfg, &g, stored); err != nil {
		return nil, err
	}
	if err := l.buildServices(cfg, &g); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) getenv(key string) string {
	if l.Getenv == nil {
		return os.Getenv(key)
	}
	return l.Getenv(key)
}

// applyEnv applies GRAVITY_<KEY> overrides to the top level scalar settings.
func (l *Loader) applyEnv(g *gravitySection) error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"PROCESS_MANAGER", &g.ProcessManager},
		{"SERVICE_COMMAND_STYLE", &g.ServiceCommandStyle},
		{"INSTANCE_NAME", &g.InstanceName},
		{"GALAXY_ROOT", &g.GalaxyRoot},
		{"LOG_DIR", &g.LogDir},
		{"VIRTUALENV", &g.Virtualenv},
		{"APP_SERVER", &g.AppServer},
		{"UMASK", &g.Umask},
	}
	for _, o := range overrides {
		if v := l.getenv("GRAVITY_" + o.key); v != "" {
			*o.dst = v
		}
	}
	for key, dst := range map[string]**float64{"MEMORY_LIMIT": &g.MemoryLimit, "MEMORY_HIGH": &g.MemoryHigh} {
		v := l.getenv("GRAVITY_" + key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GRAVITY_%s: %w", key, err)
		}
		*dst = &f
	}
	return nil
}

func (l *Loader) resolveAttribs(cfg *ConfigFile, g *gravitySection, stored *ConfigFile) error {
	cfg.InstanceName = g.InstanceName
	if cfg.InstanceName == "" && stored != nil {
		cfg.InstanceName = stored.InstanceName
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = l.NewInstanceName(cfg.ConfigType)
	}

	cfg.ProcessManager = ProcessManagerSupervisor
	if g.ProcessManager != "" {
		cfg.ProcessManager = ProcessManager(g.ProcessManager)
	}

	root, err := l.galaxyRoot(cfg, g, stored)
	if err != nil {
		return err
	}

	style := CommandStyleExec
	if g.ServiceCommandStyle != "" {
		style = ServiceCommandStyle(g.ServiceCommandStyle)
	}
	if style != CommandStyleExec && style != CommandStyleDirect {
		return fmt.Errorf("unknown service_command_style %q", style)
	}

	appServer := g.AppServer
	if appServer == "" {
		appServer = "gunicorn"
	}
	if appServer != "gunicorn" && appServer != "unicornherder" {
		return fmt.Errorf("unknown app_server %q", appServer)
	}

	logDir := g.LogDir
	if logDir == "" {
		logDir = filepath.Join(l.StateDir, "log")
	}

	cfg.Attribs = Attribs{
		GalaxyRoot:          root,
		LogDir:              relativeTo(root, logDir),
		AppServer:           appServer,
		Umask:               g.Umask,
		MemoryLimit:         g.MemoryLimit,
		MemoryHigh:          g.MemoryHigh,
		User:                g.GalaxyUser,
		Group:               g.GalaxyGroup,
		ServiceCommandStyle: style,
	}
	if g.Virtualenv != "" {
		cfg.Attribs.Virtualenv = relativeTo(root, g.Virtualenv)
	}
	return nil
}

func (l *Loader) galaxyRoot(cfg *ConfigFile, g *gravitySection, stored *ConfigFile) (string, error) {
	if root, ok := cfg.AppConfig["root"].(string); ok && root != "" {
		return filepath.Abs(root)
	}
	if g.GalaxyRoot != "" {
		return filepath.Abs(g.GalaxyRoot)
	}
	if stored != nil && stored.Attribs.GalaxyRoot != "" {
		return stored.Attribs.GalaxyRoot, nil
	}
	if env := l.getenv("GALAXY_ROOT_DIR"); env != "" {
		return filepath.Abs(env)
	}
	parent := filepath.Dir(filepath.Dir(cfg.SourcePath))
	if info, err := os.Stat(filepath.Join(parent, "lib", "galaxy")); err == nil && info.IsDir() {
		return parent, nil
	}
	return "", errors.New("cannot locate galaxy root directory: set $GALAXY_ROOT_DIR, gravity.galaxy_root, or root in the application section")
}

func (l *Loader) buildServices(cfg *ConfigFile, g *gravitySection) error {
	for _, name := range []string{cfg.Attribs.AppServer, "celery", "celery-beat", "gx-it-proxy", "tusd", "reports"} {
		svc, err := l.serviceFromSection(cfg, mustServiceType(name), g.Sections)
		if err != nil {
			return err
		}
		if svc != nil {
			cfg.Services = append(cfg.Services, svc)
		}
	}

	for _, h := range expandHandlers(g.Handlers, cfg.InstanceName) {
		cfg.Services = append(cfg.Services, newStandalone(cfg, h.name, h.settings))
	}

	if cfg.ConfigType == "galaxy" {
		names, err := l.jobConfigHandlers(cfg)
		if err != nil {
			return err
		}
		for _, h := range names {
			if _, exists := cfg.Service(h.name); exists {
				continue
			}
			cfg.Services = append(cfg.Services, newStandalone(cfg, h.name, h.settings))
		}
	}
	return nil
}

// serviceFromSection builds the service of type t. A type whose section is
// absent is only added when it is enabled by default; an explicitly
// disabled one is kept with Enable false so its artifacts get removed.
func (l *Loader) serviceFromSection(cfg *ConfigFile, t *ServiceType, sections map[string]any) (*Service, error) {
	raw, present := sections[t.Section()]

	svc := &Service{
		ConfigType:  cfg.ConfigType,
		ServiceType: t.Name,
		ServiceName: t.Name,
		Count:       1,
	}

	switch v := raw.(type) {
	case nil:
		svc.Settings = t.DefaultSettings.Clone()
	case map[string]any:
		svc.Settings = Merge(t.DefaultSettings, Settings(v))
	case []any:
		if !t.ListAllowed {
			return nil, fmt.Errorf("settings for %s is a list, but lists are not allowed for this service type", t.Name)
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("settings for %s is an empty list", t.Name)
		}
		svc.Settings = t.DefaultSettings.Clone()
		svc.Count = len(v)
		for i, item := range v {
			replica, ok := asSettings(item)
			if !ok {
				return nil, fmt.Errorf("%s replica %d is not a mapping", t.Name, i)
			}
			svc.ReplicaSettings = append(svc.ReplicaSettings, replica.Clone())
		}
	default:
		return nil, fmt.Errorf("settings for %s must be a mapping", t.Name)
	}

	svc.Enable = svc.SettingsFor(0).Bool(t.EnableAttribute, false)
	if !svc.Enable && !present {
		return nil, nil
	}
	extractCommon(svc)

	if svc.Enable {
		if err := prepareService(cfg, svc, l.declarationDir(cfg)); err != nil {
			return nil, err
		}
	}
	svc.GracefulMethod = t.GracefulMethod(svc.Settings, svc.Count)
	return svc, nil
}

func (l *Loader) declarationDir(cfg *ConfigFile) string {
	return filepath.Dir(cfg.SourcePath)
}

// extractCommon moves the settings shared by every service type into the
// typed fields of the service.
func extractCommon(svc *Service) {
	s := svc.Settings
	svc.Environment = s.StringMap("environment")
	delete(s, "environment")
	if s.Has("umask") {
		svc.Umask = s.String("umask", "")
	}
	delete(s, "umask")
	if f, ok := s.Float("memory_limit"); ok {
		svc.MemoryLimit = &f
	}
	delete(s, "memory_limit")
	if f, ok := s.Float("memory_high"); ok {
		svc.MemoryHigh = &f
	}
	delete(s, "memory_high")
}

func prepareService(cfg *ConfigFile, svc *Service, dir string) error {
	app := Settings(cfg.AppConfig)
	switch svc.ServiceType {
	case "gx-it-proxy":
		if !app.Bool("interactivetools_enable", false) {
			return errors.New("to run gx-it-proxy you need to set interactivetools_enable in the galaxy section")
		}
		svc.Settings["sessions"] = app.String("interactivetools_map", svc.Settings.String("sessions", ""))
		base := strings.Trim(app.String("interactivetools_base_path", "/"), "/")
		if base != "" {
			base = "/" + base
		}
		svc.Settings["proxy_path_prefix"] = base + "/" + app.String("interactivetools_prefix", "interactivetool") + "/ep"
	case "tusd":
		if app.String("galaxy_infrastructure_url", "") == "" {
			return errors.New("to run tusd you need to set galaxy_infrastructure_url in the galaxy section")
		}
		if svc.Settings.String("upload_dir", "") == "" {
			return errors.New("tusd is enabled but tusd.upload_dir is not set")
		}
	case "reports":
		file := relativeTo(dir, svc.Settings.String("config_file", "reports.yml"))
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("reports enabled but reports config file does not exist: %s", file)
		}
		svc.Settings["config_file"] = file
	}
	return nil
}

type handlerSpec struct {
	name     string
	settings Settings
}

// expandHandlers turns the handlers section into one spec per process. A
// single-process handler whose name already ends in a digit keeps its name;
// everything else is named by name_template ("{name}_{process}" by default).
func expandHandlers(handlers map[string]Settings, instanceName string) []handlerSpec {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []handlerSpec
	seen := make(map[string]bool)
	for _, name := range names {
		h := handlers[name]
		count := h.Int("processes", 1)
		template := h.String("name_template", "")
		if template == "" && count == 1 && endsInDigit(name) {
			out = append(out, handlerSpec{name: name, settings: h})
			seen[name] = true
			continue
		}
		if template == "" {
			template = defaultHandlerName
		}
		for i := 0; i < count; i++ {
			expanded := strings.NewReplacer(
				"{name}", name,
				"{process}", strconv.Itoa(i),
				"{instance_name}", instanceName,
			).Replace(strings.TrimSpace(template))
			if seen[expanded] {
				continue
			}
			seen[expanded] = true
			out = append(out, handlerSpec{name: expanded, settings: h})
		}
	}
	return out
}

func endsInDigit(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsDigit(rune(s[len(s)-1]))
}

func newStandalone(cfg *ConfigFile, name string, h Settings) *Service {
	t := mustServiceType("standalone")
	settings := Merge(t.DefaultSettings, h)
	pools := settings.StringSlice("pools")
	for _, k := range []string{"processes", "name_template", "pools"} {
		delete(settings, k)
	}
	if !settings.Has("server_name") {
		settings["server_name"] = name
	}
	svc := &Service{
		ConfigType:  cfg.ConfigType,
		ServiceType: t.Name,
		ServiceName: name,
		Count:       1,
		Enable:      settings.Bool("enable", true),
		Settings:    settings,
		ServerPools: pools,
	}
	extractCommon(svc)
	svc.GracefulMethod = t.GracefulMethod(svc.Settings, svc.Count)
	return svc
}

type jobConfXML struct {
	Handlers struct {
		Handler []struct {
			ID string `xml:"id,attr"`
		} `xml:"handler"`
	} `xml:"handlers"`
}

type jobConfYAML struct {
	Handling struct {
		Processes map[string]Settings `yaml:"processes"`
	} `yaml:"handling"`
}

// jobConfigHandlers returns the statically configured handlers of the job
// configuration, embedded or referenced by job_config_file.
func (l *Loader) jobConfigHandlers(cfg *ConfigFile) ([]handlerSpec, error) {
	app := Settings(cfg.AppConfig)

	if embedded, ok := app.Section("job_config"); ok && !app.Has("job_config_file") {
		data, err := yaml.Marshal(map[string]any(embedded))
		if err != nil {
			return nil, err
		}
		return parseJobConfYAML(data)
	}

	file := relativeTo(cfg.Attribs.GalaxyRoot, app.String("job_config_file", defaultJobConfigFile))
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		logging.Debug("Config", "No job config at %s", file)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".xml":
		var conf jobConfXML
		if err := xml.Unmarshal(data, &conf); err != nil {
			return nil, fmt.Errorf("parsing job config %s: %w", file, err)
		}
		var out []handlerSpec
		for _, h := range conf.Handlers.Handler {
			if h.ID != "" {
				out = append(out, handlerSpec{name: h.ID})
			}
		}
		return out, nil
	case ".yml", ".yaml":
		return parseJobConfYAML(data)
	default:
		return nil, fmt.Errorf("unknown job config file type: %s", file)
	}
}

func parseJobConfYAML(data []byte) ([]handlerSpec, error) {
	var conf jobConfYAML
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parsing job config: %w", err)
	}
	names := make([]string, 0, len(conf.Handling.Processes))
	for name := range conf.Handling.Processes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]handlerSpec, 0, len(names))
	for _, name := range names {
		var settings Settings
		if env, ok := conf.Handling.Processes[name].Section("environment"); ok {
			settings = Settings{"environment": map[string]any(env)}
		}
		out = append(out, handlerSpec{name: name, settings: settings})
	}
	return out, nil
}

func relativeTo(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}
