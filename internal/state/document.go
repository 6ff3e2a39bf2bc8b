package state

import (
	"fmt"
	"sort"

	"galaxyctl/internal/config"
)

// CurrentVersion is the document format version written by this controller.
const CurrentVersion = 1

// Document is the persisted state.
type Document struct {
	Version        int                           `yaml:"version"`
	Instances      map[string]*config.Instance   `yaml:"instances"`
	PendingRemoval map[string]*config.ConfigFile `yaml:"pending_removal,omitempty"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		Version:        CurrentVersion,
		Instances:      map[string]*config.Instance{},
		PendingRemoval: map[string]*config.ConfigFile{},
	}
}

func (d *Document) normalize() {
	if d.Version == 0 {
		d.Version = CurrentVersion
	}
	if d.Instances == nil {
		d.Instances = map[string]*config.Instance{}
	}
	if d.PendingRemoval == nil {
		d.PendingRemoval = map[string]*config.ConfigFile{}
	}
	for name, inst := range d.Instances {
		if inst == nil {
			delete(d.Instances, name)
			continue
		}
		inst.Name = name
		if inst.ConfigFiles == nil {
			inst.ConfigFiles = map[string]*config.ConfigFile{}
		}
	}
}

// ConfigFiles returns every registered declaration, sorted by path.
func (d *Document) ConfigFiles() []*config.ConfigFile {
	var out []*config.ConfigFile
	for _, inst := range d.Instances {
		for _, cfg := range inst.ConfigFiles {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourcePath < out[j].SourcePath })
	return out
}

// Pending returns the declarations awaiting artifact removal, sorted by path.
func (d *Document) Pending() []*config.ConfigFile {
	out := make([]*config.ConfigFile, 0, len(d.PendingRemoval))
	for _, cfg := range d.PendingRemoval {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourcePath < out[j].SourcePath })
	return out
}

// ConfigFile returns the registered declaration at path.
func (d *Document) ConfigFile(path string) (*config.ConfigFile, bool) {
	for _, inst := range d.Instances {
		if cfg, ok := inst.ConfigFiles[path]; ok {
			return cfg, true
		}
	}
	return nil, false
}

// Registered reports whether path is registered or pending removal.
func (d *Document) Registered(path string) bool {
	if _, ok := d.ConfigFile(path); ok {
		return true
	}
	_, ok := d.PendingRemoval[path]
	return ok
}

// InstanceNames returns the registered instance names, sorted.
func (d *Document) InstanceNames() []string {
	names := make([]string, 0, len(d.Instances))
	for name := range d.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance returns the named instance.
func (d *Document) Instance(name string) (*config.Instance, bool) {
	inst, ok := d.Instances[name]
	return inst, ok
}

// AddConfigFile registers cfg under its instance. A path may be registered
// only once; re-registering a path pending removal revives it.
func (d *Document) AddConfigFile(cfg *config.ConfigFile) error {
	if existing, ok := d.ConfigFile(cfg.SourcePath); ok {
		return fmt.Errorf("%s is already registered to instance %s", cfg.SourcePath, existing.InstanceName)
	}
	delete(d.PendingRemoval, cfg.SourcePath)
	d.put(cfg)
	return nil
}

// ReplaceConfigFile stores cfg, moving it between instances when its
// instance name changed. Instances left without declarations are dropped.
func (d *Document) ReplaceConfigFile(cfg *config.ConfigFile) {
	d.detach(cfg.SourcePath)
	d.put(cfg)
}

// RemoveConfigFile moves the declaration at path to pending removal.
func (d *Document) RemoveConfigFile(path string) (*config.ConfigFile, bool) {
	cfg := d.detach(path)
	if cfg == nil {
		return nil, false
	}
	d.PendingRemoval[path] = cfg
	return cfg, true
}

// Rename re-keys the declaration registered at oldPath to newPath. The old
// copy is staged for removal so the next update deletes the artifacts
// named after the old path.
func (d *Document) Rename(oldPath, newPath string) (*config.ConfigFile, error) {
	if oldPath == newPath {
		return nil, fmt.Errorf("%s is already registered under that path", oldPath)
	}
	cfg, ok := d.ConfigFile(oldPath)
	if !ok {
		return nil, fmt.Errorf("%s is not registered", oldPath)
	}
	if existing, ok := d.ConfigFile(newPath); ok {
		return nil, fmt.Errorf("%s is already registered to instance %s", newPath, existing.InstanceName)
	}
	d.detach(oldPath)
	d.PendingRemoval[oldPath] = cfg

	renamed := cfg.Clone()
	renamed.SourcePath = newPath
	delete(d.PendingRemoval, newPath)
	d.put(renamed)
	return renamed, nil
}

// Purge forgets a pending removal.
func (d *Document) Purge(path string) {
	delete(d.PendingRemoval, path)
}

func (d *Document) put(cfg *config.ConfigFile) {
	inst, ok := d.Instances[cfg.InstanceName]
	if !ok {
		inst = &config.Instance{Name: cfg.InstanceName, ConfigFiles: map[string]*config.ConfigFile{}}
		d.Instances[cfg.InstanceName] = inst
	}
	inst.ConfigFiles[cfg.SourcePath] = cfg
}

func (d *Document) detach(path string) *config.ConfigFile {
	for name, inst := range d.Instances {
		cfg, ok := inst.ConfigFiles[path]
		if !ok {
			continue
		}
		delete(inst.ConfigFiles, path)
		if len(inst.ConfigFiles) == 0 {
			delete(d.Instances, name)
		}
		return cfg
	}
	return nil
}

// Validate checks the document invariants: unique paths across instances
// and pending removal, and instance keys matching their declarations.
func (d *Document) Validate() error {
	seen := map[string]string{}
	for name, inst := range d.Instances {
		for path, cfg := range inst.ConfigFiles {
			if cfg.InstanceName != name {
				return fmt.Errorf("%s is stored under instance %s but declares %s", path, name, cfg.InstanceName)
			}
			if other, dup := seen[path]; dup {
				return fmt.Errorf("%s is registered to both %s and %s", path, other, name)
			}
			seen[path] = name
		}
	}
	for path := range d.PendingRemoval {
		if name, dup := seen[path]; dup {
			return fmt.Errorf("%s is both registered to %s and pending removal", path, name)
		}
	}
	return nil
}
