package procmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galaxyctl/internal/config"
)

// shellService is a tusd service whose binary is replaced by a shell
// snippet; the rest of the templated command line is commented out.
func shellService(script string, count int) *config.Service {
	svc := newService("tusd", "tusd", count)
	svc.Settings["tusd_path"] = script + " #"
	return svc
}

func TestInProcessBackend_StartAndStop(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := newConfig(t, root, "galaxy.yml", "main", config.ProcessManagerMultiprocessing, shellService("sleep 30", 2))
	b := NewInProcessBackend(Options{StateDir: filepath.Join(root, "state")})
	req := Request{Configs: []*config.ConfigFile{cfg}}

	done := make(chan error, 1)
	go func() { done <- b.Start(ctx, req) }()

	assert.Eventually(t, func() bool {
		statuses, err := b.Status(ctx, req)
		if err != nil || len(statuses) != 2 {
			return false
		}
		return statuses[0].State == StateRunning && statuses[1].State == StateRunning
	}, 5*time.Second, 20*time.Millisecond)

	statuses, err := b.Status(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "main_tusd_0", statuses[0].Program)
	assert.Equal(t, "main_tusd_1", statuses[1].Program)

	require.NoError(t, b.Stop(ctx, req))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	statuses, err = b.Status(ctx, req)
	require.NoError(t, err)
	for _, st := range statuses {
		assert.Equal(t, StateStopped, st.State)
	}
	assert.FileExists(t, filepath.Join(cfg.Attribs.LogDir, "main_tusd_0.log"))
	assert.FileExists(t, filepath.Join(cfg.Attribs.LogDir, "main_tusd_1.log"))
}

func TestInProcessBackend_FailingChild(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := newConfig(t, root, "galaxy.yml", "main", config.ProcessManagerMultiprocessing, shellService("false", 1))
	b := NewInProcessBackend(Options{StateDir: filepath.Join(root, "state")})
	req := Request{Configs: []*config.ConfigFile{cfg}}

	err := b.Start(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main_tusd exited")

	statuses, err := b.Status(ctx, req)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StateFailed, statuses[0].State)
}

func TestInProcessBackend_WritesNoArtifacts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := newConfig(t, root, "galaxy.yml", "main", config.ProcessManagerMultiprocessing, shellService("true", 1))
	b := NewInProcessBackend(Options{StateDir: root})

	res, err := b.Update(ctx, Request{Configs: []*config.ConfigFile{cfg}, Force: true})
	require.NoError(t, err)
	assert.False(t, res.Changed())

	intended, err := b.IntendedArtifacts(cfg)
	require.NoError(t, err)
	assert.Empty(t, intended)

	require.NoError(t, b.Stop(ctx, Request{}), "stopping without children is a no-op")
	require.NoError(t, b.Restart(ctx, Request{Configs: []*config.ConfigFile{cfg}}))
}
