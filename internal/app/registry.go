package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/internal/state"
	"galaxyctl/pkg/logging"
)

// Register adds declaration files to the state store. galaxyRoot, when
// set, is used for declarations that do not name their root directory.
// Already registered paths are skipped with a warning. Nothing is stored
// unless every declaration loads.
func (a *Application) Register(paths []string, galaxyRoot string) (int, error) {
	var defaults *config.ConfigFile
	if galaxyRoot != "" {
		root, err := filepath.Abs(expandHome(galaxyRoot))
		if err != nil {
			return 0, err
		}
		defaults = &config.ConfigFile{Attribs: config.Attribs{GalaxyRoot: root}}
	}

	registered := 0
	err := a.services.Store.Update(func(doc *state.Document) error {
		for _, p := range paths {
			path, err := filepath.Abs(expandHome(p))
			if err != nil {
				return err
			}
			if existing, ok := doc.ConfigFile(path); ok {
				logging.UserWarn("%s is already registered to instance %s", path, existing.InstanceName)
				continue
			}
			cfg, err := a.services.Loader.Load(path, defaults)
			if err != nil {
				return err
			}
			if err := doc.AddConfigFile(cfg); err != nil {
				return err
			}
			registered++
			logging.Info("Registry", "Registered %s config %s as instance %s", cfg.ConfigType, path, cfg.InstanceName)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return registered, nil
}

// Deregister removes declarations from the state store. A target is either
// an instance name, which deregisters all of its declarations, or a
// declaration path. Artifacts are removed by the next update.
func (a *Application) Deregister(targets []string) (int, error) {
	removed := 0
	err := a.services.Store.Update(func(doc *state.Document) error {
		for _, t := range targets {
			var paths []string
			if inst, ok := doc.Instance(t); ok {
				paths = inst.Paths()
			} else {
				path, err := filepath.Abs(expandHome(t))
				if err != nil {
					return err
				}
				if _, ok := doc.ConfigFile(path); !ok {
					logging.UserWarn("%s is not registered", t)
					continue
				}
				paths = []string{path}
			}
			for _, path := range paths {
				if _, ok := doc.RemoveConfigFile(path); ok {
					removed++
					logging.Info("Registry", "Deregistered config %s", path)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Rename moves a registration to a new declaration path, for when the
// file itself was moved. The new path must load. Artifacts named after
// the old path are removed by the next update.
func (a *Application) Rename(oldPath, newPath string) error {
	from, err := filepath.Abs(expandHome(oldPath))
	if err != nil {
		return err
	}
	to, err := filepath.Abs(expandHome(newPath))
	if err != nil {
		return err
	}
	return a.services.Store.Update(func(doc *state.Document) error {
		stored, ok := doc.ConfigFile(from)
		if !ok {
			return &errdefs.UnknownTargetError{Targets: []string{oldPath}}
		}
		if _, err := a.services.Loader.Load(to, stored); err != nil {
			return err
		}
		if _, err := doc.Rename(from, to); err != nil {
			return err
		}
		logging.Info("Registry", "Reregistered config %s as %s", from, to)
		return nil
	})
}

// Listing is the registered state for `list`.
type Listing struct {
	Configs []*config.ConfigFile `yaml:"configs" json:"configs"`
	// Pending are deregistered declarations whose artifacts still exist.
	Pending []*config.ConfigFile `yaml:"pending_removal,omitempty" json:"pending_removal,omitempty"`
}

// List returns every registered declaration.
func (a *Application) List() (*Listing, error) {
	doc, err := a.services.Store.Load()
	if err != nil {
		return nil, err
	}
	return &Listing{Configs: doc.ConfigFiles(), Pending: doc.Pending()}, nil
}

// Instances returns the registered instances, sorted by name.
func (a *Application) Instances() ([]*config.Instance, error) {
	doc, err := a.services.Store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*config.Instance, 0, len(doc.Instances))
	for _, name := range doc.InstanceNames() {
		inst, _ := doc.Instance(name)
		out = append(out, inst)
	}
	return out, nil
}

// Show returns the stored declarations matching targets, which are
// instance names or declaration paths. No targets means all.
func (a *Application) Show(targets []string) ([]*config.ConfigFile, error) {
	doc, err := a.services.Store.Load()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return doc.ConfigFiles(), nil
	}

	var out []*config.ConfigFile
	var unknown []string
	for _, t := range targets {
		if inst, ok := doc.Instance(t); ok {
			for _, path := range inst.Paths() {
				out = append(out, inst.ConfigFiles[path])
			}
			continue
		}
		path, err := filepath.Abs(expandHome(t))
		if err != nil {
			return nil, err
		}
		if cfg, ok := doc.ConfigFile(path); ok {
			out = append(out, cfg)
			continue
		}
		unknown = append(unknown, t)
	}
	if len(unknown) > 0 {
		return nil, &errdefs.UnknownTargetError{Targets: unknown}
	}
	return out, nil
}

// autoRegister registers $GALAXY_CONFIG_FILE, or config/galaxy.yml under
// the working directory, when nothing is registered yet.
func (a *Application) autoRegister() error {
	doc, err := a.services.Store.Load()
	if err != nil {
		return err
	}
	if len(doc.ConfigFiles()) > 0 {
		return nil
	}

	candidates := []string{
		filepath.Join("config", "galaxy.yml"),
		filepath.Join("config", "galaxy.yml.sample"),
	}
	if env := os.Getenv("GALAXY_CONFIG_FILE"); env != "" {
		candidates = []string{env}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		logging.Info("Registry", "No configs registered, registering %s", path)
		_, err := a.Register([]string{path}, "")
		return err
	}
	return fmt.Errorf("nothing to start: no instances registered and no configuration files found (hint: `galaxyctl register /path/to/galaxy.yml`)")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
