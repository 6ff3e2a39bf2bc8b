package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
	"galaxyctl/internal/reconciler"
	"galaxyctl/internal/state"
)

// call is one recorded backend operation.
type call struct {
	op  string
	req procmgr.Request
}

// fakeBackend records the requests it receives.
type fakeBackend struct {
	pm         config.ProcessManager
	calls      []call
	updateErr  error
	statuses   []procmgr.ServiceStatus
	terminated bool
	pmArgs     [][]string
}

func (b *fakeBackend) record(op string, req procmgr.Request) {
	b.calls = append(b.calls, call{op, req})
}

func (b *fakeBackend) ops() []string {
	var out []string
	for _, c := range b.calls {
		out = append(out, c.op)
	}
	return out
}

func (b *fakeBackend) last(op string) (procmgr.Request, bool) {
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].op == op {
			return b.calls[i].req, true
		}
	}
	return procmgr.Request{}, false
}

func (b *fakeBackend) Name() config.ProcessManager { return b.pm }

func (b *fakeBackend) Start(_ context.Context, req procmgr.Request) error {
	b.record("start", req)
	return nil
}

func (b *fakeBackend) Stop(_ context.Context, req procmgr.Request) error {
	b.record("stop", req)
	return nil
}

func (b *fakeBackend) Restart(_ context.Context, req procmgr.Request) error {
	b.record("restart", req)
	return nil
}

func (b *fakeBackend) Graceful(_ context.Context, req procmgr.Request) error {
	b.record("graceful", req)
	return nil
}

func (b *fakeBackend) Status(_ context.Context, req procmgr.Request) ([]procmgr.ServiceStatus, error) {
	b.record("status", req)
	return b.statuses, nil
}

func (b *fakeBackend) Update(_ context.Context, req procmgr.Request) (procmgr.UpdateResult, error) {
	b.record("update", req)
	if b.updateErr != nil {
		return procmgr.UpdateResult{}, b.updateErr
	}
	return procmgr.UpdateResult{Written: len(req.Configs), Removed: len(req.RemovedConfigs)}, nil
}

func (b *fakeBackend) Shutdown(_ context.Context, req procmgr.Request) error {
	b.record("shutdown", req)
	return nil
}

func (b *fakeBackend) Follow(ctx context.Context, req procmgr.Request) error {
	b.record("follow", req)
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBackend) Terminate() error {
	b.terminated = true
	return nil
}

func (b *fakeBackend) IntendedArtifacts(*config.ConfigFile) (procmgr.ArtifactSet, error) {
	return procmgr.ArtifactSet{}, nil
}

func (b *fakeBackend) PresentArtifacts(*config.ConfigFile) (procmgr.ArtifactSet, error) {
	return procmgr.ArtifactSet{}, nil
}

func (b *fakeBackend) AllPresentArtifacts() ([]procmgr.OwnedArtifacts, error) {
	return nil, nil
}

// passthroughBackend is a fakeBackend with a native command line, as the
// supervisor and systemd backends have.
type passthroughBackend struct {
	*fakeBackend
}

func (b passthroughBackend) PM(_ context.Context, req procmgr.Request, args []string) error {
	b.record("pm", req)
	b.pmArgs = append(b.pmArgs, args)
	return nil
}

type testApp struct {
	*Application
	root     string
	backends map[config.ProcessManager]*fakeBackend
	envs     []string
	out      *bytes.Buffer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	root := t.TempDir()
	stateDir := filepath.Join(root, "state")

	ta := &testApp{
		root:     root,
		backends: map[config.ProcessManager]*fakeBackend{},
		out:      &bytes.Buffer{},
	}
	for _, pm := range config.ProcessManagers() {
		ta.backends[pm] = &fakeBackend{pm: pm}
	}

	loader := config.NewLoader(stateDir)
	loader.Getenv = func(string) string { return "" }
	loader.NewInstanceName = func(configType string) string { return configType + "-generated" }

	executor := procmgr.NewExecutor(stateDir)
	executor.Stdout = ta.out

	services := &Services{
		Store:    state.NewStore(stateDir),
		Loader:   loader,
		Executor: executor,
		Metrics:  reconciler.NewMetrics(),
		NewBackend: func(pm config.ProcessManager, _ procmgr.Options) (procmgr.Backend, error) {
			b, ok := ta.backends[pm]
			if !ok {
				return nil, fmt.Errorf("no fake for %s", pm)
			}
			if pm != config.ProcessManagerMultiprocessing {
				return passthroughBackend{b}, nil
			}
			return b, nil
		},
		CreateEnvironment: func(_ context.Context, path string) error {
			ta.envs = append(ta.envs, path)
			return nil
		},
	}
	ta.Application = NewApplicationWithServices(&Config{StateDir: stateDir, Output: ta.out}, services)
	return ta
}

// declare writes a declaration for instance under root and returns its
// path. extra is appended to the gravity section.
func (ta *testApp) declare(t *testing.T, name, instance string, pm config.ProcessManager, extra string) string {
	t.Helper()
	path := filepath.Join(ta.root, name)
	content := fmt.Sprintf(`gravity:
  instance_name: %s
  process_manager: %s
  galaxy_root: %s
%sgalaxy: {}
`, instance, pm, filepath.Join(ta.root, "galaxy"), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (ta *testApp) mustRegister(t *testing.T, paths ...string) {
	t.Helper()
	n, err := ta.Register(paths, "")
	require.NoError(t, err)
	require.Equal(t, len(paths), n)
}

func (ta *testApp) load(t *testing.T) *state.Document {
	t.Helper()
	doc, err := ta.services.Store.Load()
	require.NoError(t, err)
	return doc
}

func sourcePaths(configs []*config.ConfigFile) []string {
	var out []string
	for _, cfg := range configs {
		out = append(out, cfg.SourcePath)
	}
	return out
}
