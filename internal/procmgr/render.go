package procmgr

import (
	"bytes"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"al.essio.dev/pkg/shellescape"
	"github.com/Masterminds/sprig/v3"

	"galaxyctl/internal/config"
)

// defaultSystemPath is the PATH systemd gives services.
const defaultSystemPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// templateData is what command and environment templates are executed
// with.
type templateData struct {
	VirtualenvBin string
	GalaxyRoot    string
	GalaxyConf    string
	DataDir       string
	StateDir      string
	LogDir        string
	InstanceName  string
	Replica       int
	Settings      config.Settings
	App           config.Settings
	ServerPools   []string
}

func newTemplateData(cfg *config.ConfigFile, svc *config.Service, replica int, stateDir string) templateData {
	app := config.Settings(cfg.AppConfig)
	dataDir := app.String("data_dir", "database")
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(cfg.Attribs.GalaxyRoot, dataDir)
	}
	return templateData{
		VirtualenvBin: virtualenvBin(cfg),
		GalaxyRoot:    cfg.Attribs.GalaxyRoot,
		GalaxyConf:    cfg.SourcePath,
		DataDir:       dataDir,
		StateDir:      stateDir,
		LogDir:        cfg.Attribs.LogDir,
		InstanceName:  cfg.InstanceName,
		Replica:       replica,
		Settings:      svc.SettingsFor(replica),
		App:           app,
		ServerPools:   svc.ServerPools,
	}
}

func virtualenvBin(cfg *config.ConfigFile) string {
	if cfg.Attribs.Virtualenv == "" {
		return ""
	}
	return filepath.Join(cfg.Attribs.Virtualenv, "bin") + string(filepath.Separator)
}

func renderTemplate(name, text string, data templateData) (string, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Resolved is one service replica resolved into what gets executed.
type Resolved struct {
	Instance    string
	Service     string
	Replica     int
	Command     string
	Environment map[string]string
	Dir         string
	Umask       string
}

// EnvironmentList returns the environment as sorted KEY=value pairs.
func (r *Resolved) EnvironmentList() []string {
	keys := slices.Sorted(maps.Keys(r.Environment))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+r.Environment[k])
	}
	return out
}

// Resolve renders the command line and environment of one replica of svc.
// basePath is the PATH the virtualenv's bin directory is prepended to.
func Resolve(cfg *config.ConfigFile, svc *config.Service, replica int, stateDir, basePath string) (*Resolved, error) {
	t, ok := svc.Type()
	if !ok {
		return nil, fmt.Errorf("unknown service type %q for service %s", svc.ServiceType, svc.ServiceName)
	}
	data := newTemplateData(cfg, svc, replica, stateDir)

	command, err := renderTemplate(svc.ServiceType, t.CommandTemplate, data)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(t.DefaultEnvironment)+len(svc.Environment)+2)
	for _, layer := range []map[string]string{t.DefaultEnvironment, svc.Environment} {
		for k, v := range layer {
			rendered, err := renderTemplate(svc.ServiceName+" "+k, v, data)
			if err != nil {
				return nil, err
			}
			env[k] = rendered
		}
	}
	if venv := cfg.Attribs.Virtualenv; venv != "" {
		env["VIRTUAL_ENV"] = venv
		if t.AddVirtualenvToPath {
			path := basePath
			if p, ok := svc.Environment["PATH"]; ok {
				path = p
			}
			env["PATH"] = strings.TrimSuffix(data.VirtualenvBin, string(filepath.Separator)) + ":" + path
		}
	}

	return &Resolved{
		Instance:    cfg.InstanceName,
		Service:     svc.ServiceName,
		Replica:     replica,
		Command:     strings.Join(strings.Fields(command), " "),
		Environment: env,
		Dir:         cfg.Attribs.GalaxyRoot,
		Umask:       svc.EffectiveUmask(cfg),
	}, nil
}

// execStyleCommand is the command artifacts run in the exec command style:
// the controller itself, resolving the service when the process starts.
// replica is omitted when empty.
func execStyleCommand(prefix []string, cfg *config.ConfigFile, svc *config.Service, replica string) string {
	args := append(slices.Clone(prefix), "exec", cfg.InstanceName, svc.ServiceName)
	cmd := shellescape.QuoteCommand(args)
	if replica != "" {
		cmd += " --replica " + replica
	}
	return cmd
}

// usesExecStyle reports whether the artifacts of svc run the exec command.
// A replicated service with per-replica settings has no single command
// line, so it always goes through exec.
func usesExecStyle(cfg *config.ConfigFile, svc *config.Service) bool {
	if cfg.Attribs.ServiceCommandStyle != config.CommandStyleDirect {
		return true
	}
	return len(svc.ReplicaSettings) > 0
}
