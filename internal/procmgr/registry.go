package procmgr

import (
	"fmt"
	"os"
	"time"

	"galaxyctl/internal/config"
)

// Options configure backend construction.
type Options struct {
	// StateDir is the controller's state directory.
	StateDir string
	// ExecCommand is the argv prefix artifacts use to call back into the
	// controller in the exec command style.
	ExecCommand []string
	// Privileged selects system-wide systemd units with User=/Group=.
	// Defaults to running as root.
	Privileged *bool
	// UnitDir overrides the systemd unit directory.
	UnitDir string
	// StartTimeout bounds waiting for supervisord to come up or go away.
	StartTimeout time.Duration

	// Supervisor, Systemctl and Coordinator replace the native
	// integrations, mostly in tests.
	Supervisor  SupervisorControl
	Systemctl   Systemctl
	Coordinator *Coordinator
}

func (o Options) privileged() bool {
	if o.Privileged != nil {
		return *o.Privileged
	}
	return os.Geteuid() == 0
}

func (o Options) startTimeout() time.Duration {
	if o.StartTimeout <= 0 {
		return 30 * time.Second
	}
	return o.StartTimeout
}

func (o Options) execCommand() []string {
	if len(o.ExecCommand) > 0 {
		return o.ExecCommand
	}
	self, err := os.Executable()
	if err != nil {
		self = "galaxyctl"
	}
	return []string{self, "--state-dir", o.StateDir}
}

// Constructor builds a backend.
type Constructor func(opts Options) (Backend, error)

var registry = map[config.ProcessManager]Constructor{
	config.ProcessManagerSupervisor: func(opts Options) (Backend, error) {
		return NewSupervisorBackend(opts), nil
	},
	config.ProcessManagerSystemd: func(opts Options) (Backend, error) {
		return NewSystemdBackend(opts)
	},
	config.ProcessManagerMultiprocessing: func(opts Options) (Backend, error) {
		return NewInProcessBackend(opts), nil
	},
}

// New builds the backend for pm.
func New(pm config.ProcessManager, opts Options) (Backend, error) {
	ctor, ok := registry[pm]
	if !ok {
		return nil, fmt.Errorf("unknown process manager %q", pm)
	}
	return ctor(opts)
}
