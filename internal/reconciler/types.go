package reconciler

import (
	"fmt"
	"sort"

	"galaxyctl/internal/config"
)

// Loader reloads a declaration. stored is the previously applied copy.
type Loader interface {
	Load(path string, stored *config.ConfigFile) (*config.ConfigFile, error)
}

// ConfigChange is the diff of one registered declaration.
type ConfigChange struct {
	Stored *config.ConfigFile
	// Fresh is nil when the reload failed.
	Fresh *config.ConfigFile

	// UpdatedAttribs is set when the declaration-wide attributes changed.
	UpdatedAttribs *config.Attribs
	// UpdatedInstanceName is the new instance name after a rename.
	UpdatedInstanceName string
	// UpdatedProcessManager is set when the declaration moved backends.
	UpdatedProcessManager config.ProcessManager

	NewServices     []*config.Service
	RemovedServices []*config.Service
	// UpdatedServices have the same identity but different settings.
	UpdatedServices []*config.Service

	// LoadError is the reason the declaration could not be reloaded.
	LoadError error
}

// Changed reports whether anything about the declaration changed.
func (c *ConfigChange) Changed() bool {
	return c.UpdatedAttribs != nil ||
		c.UpdatedInstanceName != "" ||
		c.UpdatedProcessManager != "" ||
		len(c.NewServices) > 0 ||
		len(c.RemovedServices) > 0 ||
		len(c.UpdatedServices) > 0
}

// Current returns the declaration to act on: the fresh copy when it loaded,
// the stored one otherwise.
func (c *ConfigChange) Current() *config.ConfigFile {
	if c.Fresh != nil {
		return c.Fresh
	}
	return c.Stored
}

// ChangeSet is the result of a reconciliation pass.
type ChangeSet struct {
	// Configs is keyed by declaration path.
	Configs map[string]*ConfigChange

	ChangedInstances map[string]bool
	RemovedInstances map[string]bool

	// PendingRemoval are deregistered declarations whose artifacts must be
	// removed before they are purged from the store.
	PendingRemoval []*config.ConfigFile

	// EnsureEnvironments are virtualenv paths that must exist before
	// artifacts referencing them are rendered.
	EnsureEnvironments []string
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Configs:          map[string]*ConfigChange{},
		ChangedInstances: map[string]bool{},
		RemovedInstances: map[string]bool{},
	}
}

// Paths returns the declaration paths of the change-set, sorted.
func (cs *ChangeSet) Paths() []string {
	paths := make([]string, 0, len(cs.Configs))
	for p := range cs.Configs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Current returns the declarations to render, sorted by path.
func (cs *ChangeSet) Current() []*config.ConfigFile {
	out := make([]*config.ConfigFile, 0, len(cs.Configs))
	for _, p := range cs.Paths() {
		out = append(out, cs.Configs[p].Current())
	}
	return out
}

// Degraded returns the changes whose reload failed, sorted by path.
func (cs *ChangeSet) Degraded() []*ConfigChange {
	var out []*ConfigChange
	for _, p := range cs.Paths() {
		if cs.Configs[p].LoadError != nil {
			out = append(out, cs.Configs[p])
		}
	}
	return out
}

// Renamed returns the stored copies of declarations whose instance name
// changed. Backends clean up the artifacts of the old name through them.
func (cs *ChangeSet) Renamed() []*config.ConfigFile {
	var out []*config.ConfigFile
	for _, p := range cs.Paths() {
		if ch := cs.Configs[p]; ch.UpdatedInstanceName != "" {
			out = append(out, ch.Stored)
		}
	}
	return out
}

// HasChanges reports whether the pass changes the stored state.
func (cs *ChangeSet) HasChanges() bool {
	if len(cs.ChangedInstances) > 0 || len(cs.RemovedInstances) > 0 || len(cs.PendingRemoval) > 0 {
		return true
	}
	for _, ch := range cs.Configs {
		if ch.Changed() {
			return true
		}
	}
	return false
}

// Summary renders one human readable line per change.
func (cs *ChangeSet) Summary() []string {
	var lines []string
	for _, p := range cs.Paths() {
		ch := cs.Configs[p]
		if ch.LoadError != nil {
			lines = append(lines, fmt.Sprintf("%s: reload failed, keeping previous state", p))
			continue
		}
		if ch.UpdatedInstanceName != "" {
			lines = append(lines, fmt.Sprintf("%s: instance renamed %s -> %s", p, ch.Stored.InstanceName, ch.UpdatedInstanceName))
		}
		if ch.UpdatedProcessManager != "" {
			lines = append(lines, fmt.Sprintf("%s: process manager changed to %s", p, ch.UpdatedProcessManager))
		}
		if ch.UpdatedAttribs != nil {
			lines = append(lines, fmt.Sprintf("%s: attributes changed", p))
		}
		for _, svc := range ch.NewServices {
			lines = append(lines, fmt.Sprintf("%s: service added: %s", p, svc.ServiceName))
		}
		for _, svc := range ch.RemovedServices {
			lines = append(lines, fmt.Sprintf("%s: service removed: %s", p, svc.ServiceName))
		}
		for _, svc := range ch.UpdatedServices {
			lines = append(lines, fmt.Sprintf("%s: service updated: %s", p, svc.ServiceName))
		}
	}
	for _, cfg := range cs.PendingRemoval {
		lines = append(lines, fmt.Sprintf("%s: deregistered, removing artifacts", cfg.SourcePath))
	}
	names := make([]string, 0, len(cs.RemovedInstances))
	for name := range cs.RemovedInstances {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("instance removed: %s", name))
	}
	return lines
}
