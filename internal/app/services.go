package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"galaxyctl/internal/config"
	"galaxyctl/internal/procmgr"
	"galaxyctl/internal/reconciler"
	"galaxyctl/internal/state"
	"galaxyctl/pkg/logging"
)

// BackendFactory builds the backend of a process manager.
type BackendFactory func(pm config.ProcessManager, opts procmgr.Options) (procmgr.Backend, error)

// Services holds the components an Application drives. Everything is
// exported so tests can swap a component before the first operation.
type Services struct {
	// Store persists what was last applied.
	Store *state.Store

	// Loader reads declaration files.
	Loader reconciler.Loader

	// Executor resolves and execs single services for `exec`.
	Executor *procmgr.Executor

	// Metrics records reconciliation passes.
	Metrics *reconciler.Metrics

	// NewBackend builds backends on first use.
	NewBackend BackendFactory

	// BackendOptions are passed to NewBackend.
	BackendOptions procmgr.Options

	// CreateEnvironment creates the virtualenv at path when it does not
	// exist yet.
	CreateEnvironment func(ctx context.Context, path string) error

	backends map[config.ProcessManager]procmgr.Backend
}

// InitializeServices creates the components for cfg. Backends are not
// built here; a host without systemd must still be able to run supervisor
// instances.
func InitializeServices(cfg *Config) (*Services, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		dir, err := state.DefaultStateDir()
		if err != nil {
			return nil, err
		}
		stateDir = dir
	}
	stateDir, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state directory: %w", err)
	}
	logging.Debug("Bootstrap", "Using state directory %s", stateDir)

	executor := procmgr.NewExecutor(stateDir)
	if cfg.Output != nil {
		executor.Stdout = cfg.Output
	}

	return &Services{
		Store:             state.NewStore(stateDir),
		Loader:            config.NewLoader(stateDir),
		Executor:          executor,
		Metrics:           reconciler.NewMetrics(),
		NewBackend:        procmgr.New,
		BackendOptions:    procmgr.Options{StateDir: stateDir},
		CreateEnvironment: createVirtualenv,
	}, nil
}

// Backend returns the backend of pm, building it on first use.
func (s *Services) Backend(pm config.ProcessManager) (procmgr.Backend, error) {
	if b, ok := s.backends[pm]; ok {
		return b, nil
	}
	b, err := s.NewBackend(pm, s.BackendOptions)
	if err != nil {
		return nil, fmt.Errorf("initializing %s backend: %w", pm, err)
	}
	if s.backends == nil {
		s.backends = make(map[config.ProcessManager]procmgr.Backend)
	}
	s.backends[pm] = b
	return b, nil
}

// Terminate releases every backend built so far.
func (s *Services) Terminate() error {
	var errs []error
	for _, pm := range config.ProcessManagers() {
		b, ok := s.backends[pm]
		if !ok {
			continue
		}
		if err := b.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminating %s backend: %w", pm, err))
		}
	}
	return errors.Join(errs...)
}

func createVirtualenv(ctx context.Context, path string) error {
	if _, err := os.Stat(filepath.Join(path, "bin", "python")); err == nil {
		return nil
	}
	logging.Info("Bootstrap", "Creating virtualenv %s", path)
	out, err := exec.CommandContext(ctx, "python3", "-m", "venv", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("creating virtualenv %s: %w: %s", path, err, out)
	}
	return nil
}
