package reconciler

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"galaxyctl/pkg/logging"
)

// Watcher triggers reconciliation when a registered declaration changes.
//
// It watches the directories containing the declarations rather than the
// files themselves, since editors commonly replace a file on save.
type Watcher struct {
	mu sync.Mutex

	// paths is the set of declaration files of interest.
	paths map[string]bool

	// debounceInterval is how long to wait for additional changes
	debounceInterval time.Duration

	watcher *fsnotify.Watcher
}

// NewWatcher creates a Watcher. A zero interval defaults to 500ms.
func NewWatcher(debounceInterval time.Duration) *Watcher {
	if debounceInterval == 0 {
		debounceInterval = 500 * time.Millisecond
	}
	return &Watcher{
		paths:            map[string]bool{},
		debounceInterval: debounceInterval,
	}
}

// SetPaths replaces the set of watched declarations.
func (w *Watcher) SetPaths(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paths = make(map[string]bool, len(paths))
	for _, p := range paths {
		w.paths[filepath.Clean(p)] = true
	}
	if w.watcher == nil {
		return nil
	}
	return w.addWatchesLocked()
}

func (w *Watcher) addWatchesLocked() error {
	dirs := map[string]bool{}
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			logging.Warn("Watcher", "Failed to watch %s: %v", dir, err)
			continue
		}
		logging.Debug("Watcher", "Watching directory: %s", dir)
	}
	return nil
}

// Run watches until ctx is cancelled. onChange is called from the Run
// goroutine with the declarations that changed, one batch per debounce
// interval, so passes never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, changed []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	w.mu.Lock()
	w.watcher = watcher
	err = w.addWatchesLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
	}()

	pending := map[string]bool{}
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			pending[filepath.Clean(event.Name)] = true
			if timer == nil {
				timer = time.NewTimer(w.debounceInterval)
			} else {
				timer.Reset(w.debounceInterval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = map[string]bool{}
			logging.Info("Watcher", "Declarations changed: %v", changed)
			onChange(ctx, changed)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("Watcher", err, "Filesystem watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[filepath.Clean(event.Name)]
}
