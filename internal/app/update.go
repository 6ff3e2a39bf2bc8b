package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
	"galaxyctl/internal/reconciler"
	"galaxyctl/internal/state"
	"galaxyctl/pkg/logging"
)

// UpdateOptions control an update pass.
type UpdateOptions struct {
	// Force rewrites every artifact even when its content is unchanged.
	// With Clean it removes every artifact the backends own anywhere.
	Force bool
	// Clean removes artifacts instead of rendering them.
	Clean bool
	// AllowDegraded makes declarations that fail to reload a warning
	// instead of an error.
	AllowDegraded bool
	// MetricsTextfile, when set, receives the reconciliation metrics in
	// the Prometheus text format after the pass.
	MetricsTextfile string
}

// UpdateReport describes what an update pass did.
type UpdateReport struct {
	Changes  []string
	Degraded []string
	Backends map[config.ProcessManager]procmgr.UpdateResult

	loadErrors []error
}

// Changed reports whether any backend wrote or removed an artifact.
func (r *UpdateReport) Changed() bool {
	for _, res := range r.Backends {
		if res.Changed() {
			return true
		}
	}
	return false
}

// Update reconciles the registered declarations with the backends: it
// reloads every declaration, renders and removes artifacts through every
// backend and commits the new state only when all backends succeeded.
func (a *Application) Update(ctx context.Context, opts UpdateOptions) (*UpdateReport, error) {
	start := time.Now()
	report, err := a.update(ctx, opts)

	m := a.services.Metrics
	m.RecordPass(err, time.Since(start))
	if opts.MetricsTextfile != "" {
		if werr := m.WriteTextfile(opts.MetricsTextfile); werr != nil {
			logging.Warn("Update", "Unable to write metrics to %s: %v", opts.MetricsTextfile, werr)
		}
	}
	if err != nil {
		logging.Error("Update", err, "Update failed after %s", logging.Since(start))
		return report, err
	}
	logging.Debug("Update", "Update finished in %s", logging.Since(start))

	if len(report.Degraded) > 0 && !opts.AllowDegraded {
		return report, errors.Join(report.loadErrors...)
	}
	return report, nil
}

func (a *Application) update(ctx context.Context, opts UpdateOptions) (*UpdateReport, error) {
	doc, err := a.services.Store.Load()
	if err != nil {
		return nil, err
	}

	cs := reconciler.Compute(doc, a.services.Loader)
	report := &UpdateReport{
		Changes:  cs.Summary(),
		Backends: make(map[config.ProcessManager]procmgr.UpdateResult),
	}
	for _, line := range report.Changes {
		logging.Info("Update", "%s", line)
	}
	for _, ch := range cs.Degraded() {
		report.Degraded = append(report.Degraded, ch.Stored.SourcePath)
		report.loadErrors = append(report.loadErrors, ch.LoadError)
		logging.UserWarn("%s could not be reloaded, keeping previous state: %v", ch.Stored.SourcePath, ch.LoadError)
	}
	a.services.Metrics.SetDegraded(len(report.Degraded))

	if !opts.Clean {
		for _, path := range cs.EnsureEnvironments {
			if err := a.services.CreateEnvironment(ctx, path); err != nil {
				return report, err
			}
		}
	}

	current := cs.Current()
	removed := removedConfigs(cs)
	for _, pm := range config.ProcessManagers() {
		b, err := a.services.Backend(pm)
		if err != nil {
			return report, err
		}
		req := procmgr.Request{
			Configs:        forBackend(pm, current),
			RemovedConfigs: forBackend(pm, removed),
			AllConfigs:     current,
			Force:          opts.Force,
			Clean:          opts.Clean,
			Output:         a.output(),
		}
		res, err := b.Update(ctx, req)
		report.Backends[pm] = res
		a.services.Metrics.RecordBackend(string(pm), res.Written, res.Removed, res.Refreshed)
		if err != nil {
			return report, fmt.Errorf("%s update failed: %w", pm, err)
		}
		if res.Changed() {
			logging.Info("Update", "%s: %d artifacts written, %d removed", pm, res.Written, res.Removed)
		}
	}

	if !cs.HasChanges() && len(report.Degraded) == 0 {
		return report, nil
	}
	err = a.services.Store.Update(func(doc *state.Document) error {
		reconciler.Apply(doc, cs, time.Now())
		return nil
	})
	return report, err
}

// removedConfigs returns the stored copies whose artifacts must go:
// deregistered declarations, the old instance of renamed ones and the old
// backend of moved ones.
func removedConfigs(cs *reconciler.ChangeSet) []*config.ConfigFile {
	removed := append([]*config.ConfigFile(nil), cs.PendingRemoval...)
	removed = append(removed, cs.Renamed()...)
	for _, path := range cs.Paths() {
		ch := cs.Configs[path]
		if ch.UpdatedProcessManager != "" && ch.UpdatedInstanceName == "" {
			removed = append(removed, ch.Stored)
		}
	}
	return removed
}

func forBackend(pm config.ProcessManager, configs []*config.ConfigFile) []*config.ConfigFile {
	var out []*config.ConfigFile
	for _, cfg := range configs {
		if cfg.ProcessManager == pm {
			out = append(out, cfg)
		}
	}
	return out
}

// Watch runs an update pass and then another one whenever a registered
// declaration changes, until ctx is cancelled. Failed passes are logged and
// do not end the watch.
func (a *Application) Watch(ctx context.Context, opts UpdateOptions, debounce time.Duration) error {
	if _, err := a.Update(ctx, opts); err != nil {
		logging.Error("Watcher", err, "Initial update failed")
	}

	w := reconciler.NewWatcher(debounce)
	if err := a.watchRegistered(w); err != nil {
		return err
	}
	return w.Run(ctx, func(ctx context.Context, _ []string) {
		if _, err := a.Update(ctx, opts); err != nil {
			logging.Error("Watcher", err, "Update failed")
		}
		// registrations may have changed since the last pass
		if err := a.watchRegistered(w); err != nil {
			logging.Error("Watcher", err, "Unable to refresh watched paths")
		}
	})
}

func (a *Application) watchRegistered(w *reconciler.Watcher) error {
	doc, err := a.services.Store.Load()
	if err != nil {
		return err
	}
	var paths []string
	for _, cfg := range doc.ConfigFiles() {
		paths = append(paths, cfg.SourcePath)
	}
	return w.SetPaths(paths)
}
