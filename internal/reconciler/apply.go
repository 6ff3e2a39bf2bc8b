package reconciler

import (
	"time"

	"galaxyctl/internal/state"
	"galaxyctl/pkg/logging"
)

// Apply merges cs into doc. Reloaded declarations replace their stored copy
// (moving between instances on rename), declarations that failed to reload
// are marked degraded, and pending removals are purged.
func Apply(doc *state.Document, cs *ChangeSet, now time.Time) {
	for _, path := range cs.Paths() {
		change := cs.Configs[path]

		if change.LoadError != nil {
			stored, ok := doc.ConfigFile(path)
			if !ok {
				continue
			}
			stored.LastLoadError = change.LoadError.Error()
			if stored.FailedSince == nil {
				failed := now
				stored.FailedSince = &failed
			}
			continue
		}

		if _, ok := doc.ConfigFile(path); !ok {
			// deregistered while the pass was running
			continue
		}
		doc.ReplaceConfigFile(change.Fresh)
		if change.UpdatedInstanceName != "" {
			logging.Info("Reconciler", "Moved %s from instance %s to %s", path, change.Stored.InstanceName, change.UpdatedInstanceName)
		}
	}

	for _, cfg := range cs.PendingRemoval {
		doc.Purge(cfg.SourcePath)
		logging.Debug("Reconciler", "Purged %s from pending removal", cfg.SourcePath)
	}
}
