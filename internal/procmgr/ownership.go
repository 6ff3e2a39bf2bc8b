package procmgr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"galaxyctl/internal/config"
	"galaxyctl/pkg/logging"
)

// artifactBackend is the part of a backend the ownership reconciler
// drives.
type artifactBackend interface {
	Name() config.ProcessManager
	IntendedArtifacts(cfg *config.ConfigFile) (ArtifactSet, error)
	PresentArtifacts(cfg *config.ConfigFile) (ArtifactSet, error)
	AllPresentArtifacts() ([]OwnedArtifacts, error)
	// deactivate stops artifacts before they are unlinked. It receives
	// them in removal order.
	deactivate(ctx context.Context, artifacts []Artifact) error
	// artifactRoots are directories that are never removed, even empty.
	artifactRoots() []string
}

// ReconcileOwnership removes the artifacts that no registered declaration
// wants any more: present minus intended for every declaration in
// req.Configs, and everything attributable to req.RemovedConfigs. Artifacts
// intended by any registered declaration of the backend are never removed.
// It returns the number of artifacts removed.
func ReconcileOwnership(ctx context.Context, b artifactBackend, req Request) (int, error) {
	protected := make(ArtifactSet)
	for _, cfg := range managedConfigs(b.Name(), req) {
		intended, err := b.IntendedArtifacts(cfg)
		if err != nil {
			return 0, err
		}
		protected.Union(intended)
	}

	stale := make(ArtifactSet)
	for _, cfg := range req.Configs {
		present, err := b.PresentArtifacts(cfg)
		if err != nil {
			return 0, err
		}
		intended, err := b.IntendedArtifacts(cfg)
		if err != nil {
			return 0, err
		}
		stale.Union(present.Minus(intended))
	}

	if len(req.RemovedConfigs) > 0 {
		all, err := b.AllPresentArtifacts()
		if err != nil {
			return 0, err
		}
		for _, cfg := range req.RemovedConfigs {
			stale.Union(attributed(all, cfg))
		}
	}

	return removeArtifacts(ctx, b, stale.Minus(protected))
}

// cleanArtifacts removes every artifact of the declarations in the
// request, or with req.Force every artifact the backend owns at all.
func cleanArtifacts(ctx context.Context, b artifactBackend, req Request) (int, error) {
	all, err := b.AllPresentArtifacts()
	if err != nil {
		return 0, err
	}
	targets := make(ArtifactSet)
	if req.Force {
		for _, owned := range all {
			targets.Union(owned.Artifacts)
		}
	} else {
		for _, cfg := range slices.Concat(req.Configs, req.RemovedConfigs) {
			present, err := b.PresentArtifacts(cfg)
			if err != nil {
				return 0, err
			}
			targets.Union(present).Union(attributed(all, cfg))
		}
	}
	return removeArtifacts(ctx, b, targets)
}

// managedConfigs returns the registered declarations of backend pm.
func managedConfigs(pm config.ProcessManager, req Request) []*config.ConfigFile {
	seen := make(map[string]bool)
	var out []*config.ConfigFile
	for _, cfg := range slices.Concat(req.Configs, req.AllConfigs) {
		if cfg.ProcessManager != pm || seen[cfg.SourcePath] {
			continue
		}
		seen[cfg.SourcePath] = true
		out = append(out, cfg)
	}
	return out
}

// removeArtifacts deactivates and unlinks artifacts, groups first, then
// removes directories that became empty.
func removeArtifacts(ctx context.Context, b artifactBackend, set ArtifactSet) (int, error) {
	if len(set) == 0 {
		return 0, nil
	}
	ordered := set.Sorted()
	if err := b.deactivate(ctx, ordered); err != nil {
		return 0, fmt.Errorf("deactivating artifacts: %w", err)
	}

	removed := 0
	dirs := make(map[string]bool)
	for _, a := range ordered {
		logging.Info("Ownership", "Removing %s", a.Path)
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
		dirs[filepath.Dir(a.Path)] = true
	}
	removeEmptyDirs(dirs, b.artifactRoots())
	return removed, nil
}

func removeEmptyDirs(dirs map[string]bool, roots []string) {
	paths := make([]string, 0, len(dirs))
	for d := range dirs {
		paths = append(paths, d)
	}
	// deepest first
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	for _, dir := range paths {
		if slices.Contains(roots, dir) {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		logging.Debug("Ownership", "Removing empty directory %s", dir)
		if err := os.Remove(dir); err != nil {
			logging.Warn("Ownership", "Failed to remove directory %s: %v", dir, err)
		}
	}
}
