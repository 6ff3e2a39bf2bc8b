package reconciler

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"galaxyctl/internal/config"
	"galaxyctl/internal/state"
	"galaxyctl/pkg/logging"
)

// Compute reloads every declaration registered in doc and diffs it against
// the stored copy. doc is not modified.
func Compute(doc *state.Document, loader Loader) *ChangeSet {
	cs := newChangeSet()
	referenced := map[string]bool{}
	storedInstances := map[string]bool{}

	for _, stored := range doc.ConfigFiles() {
		storedInstances[stored.InstanceName] = true

		fresh, err := loader.Load(stored.SourcePath, stored)
		if err != nil {
			logging.Warn("Reconciler", "Unable to reload %s, keeping previous state: %v", stored.SourcePath, err)
			cs.Configs[stored.SourcePath] = &ConfigChange{Stored: stored, LoadError: err}
			referenced[stored.InstanceName] = true
			continue
		}

		change := diffConfig(stored, fresh)
		cs.Configs[stored.SourcePath] = change
		referenced[fresh.InstanceName] = true

		if change.Changed() {
			cs.ChangedInstances[fresh.InstanceName] = true
		}
		if change.UpdatedAttribs != nil && fresh.Attribs.Virtualenv != "" &&
			fresh.Attribs.Virtualenv != stored.Attribs.Virtualenv {
			cs.EnsureEnvironments = append(cs.EnsureEnvironments, fresh.Attribs.Virtualenv)
		}
	}

	for _, pending := range doc.Pending() {
		cs.PendingRemoval = append(cs.PendingRemoval, pending)
		storedInstances[pending.InstanceName] = true
	}

	for name := range storedInstances {
		if !referenced[name] {
			cs.RemovedInstances[name] = true
		}
	}
	return cs
}

// diffConfig compares the stored and fresh copy of one declaration.
func diffConfig(stored, fresh *config.ConfigFile) *ConfigChange {
	change := &ConfigChange{Stored: stored, Fresh: fresh}

	// virtualenv is optional in the declaration; once known it is kept.
	if fresh.Attribs.Virtualenv == "" && stored.Attribs.Virtualenv != "" {
		fresh.Attribs.Virtualenv = stored.Attribs.Virtualenv
	}

	if !fresh.Attribs.Equal(stored.Attribs) {
		attribs := fresh.Attribs
		change.UpdatedAttribs = &attribs
	}
	if fresh.InstanceName != stored.InstanceName {
		change.UpdatedInstanceName = fresh.InstanceName
	}
	if fresh.ProcessManager != stored.ProcessManager {
		change.UpdatedProcessManager = fresh.ProcessManager
	}

	for _, svc := range fresh.Services {
		old, ok := stored.ServiceByKey(svc.Key())
		switch {
		case !ok:
			change.NewServices = append(change.NewServices, svc)
		case !sameService(old, svc):
			change.UpdatedServices = append(change.UpdatedServices, svc)
		}
	}
	for _, svc := range stored.Services {
		if _, ok := fresh.ServiceByKey(svc.Key()); !ok {
			change.RemovedServices = append(change.RemovedServices, svc)
		}
	}
	return change
}

// sameService compares the serialized form of two services, which is
// insensitive to how nested settings were typed by the decoder.
func sameService(a, b *config.Service) bool {
	ay, errA := yaml.Marshal(a)
	by, errB := yaml.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ay, by)
}
