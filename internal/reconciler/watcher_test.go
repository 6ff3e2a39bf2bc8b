package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "galaxy.yml")
	ignored := filepath.Join(dir, "other.yml")
	require.NoError(t, os.WriteFile(watched, []byte("galaxy: {}\n"), 0o644))

	w := NewWatcher(50 * time.Millisecond)
	require.NoError(t, w.SetPaths([]string{watched}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan []string, 10)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, changed []string) {
			batches <- changed
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(watched, []byte("galaxy: {}\n# edit\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(ignored, []byte("x: 1\n"), 0o644))

	select {
	case changed := <-batches:
		assert.Equal(t, []string{watched}, changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch received")
	}

	select {
	case extra := <-batches:
		t.Fatalf("unexpected second batch: %v", extra)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
