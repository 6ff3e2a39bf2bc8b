package procmgr

import "strings"

// State is the lifecycle state of one replica as reported by a backend.
type State string

const (
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateFailed   State = "Failed"
	StateUnknown  State = "Unknown"
)

// ServiceStatus is the status of one replica.
type ServiceStatus struct {
	Instance string `yaml:"instance" json:"instance"`
	Service  string `yaml:"service" json:"service"`
	Replica  int    `yaml:"replica" json:"replica"`
	// Program is the native name: a supervisor process or a systemd unit.
	Program string `yaml:"program" json:"program"`
	State   State  `yaml:"state" json:"state"`
	Detail  string `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// mapSupervisorState maps a supervisorctl process state.
func mapSupervisorState(s string) State {
	switch strings.ToUpper(s) {
	case "STARTING", "BACKOFF":
		return StateStarting
	case "RUNNING":
		return StateRunning
	case "STOPPING":
		return StateStopping
	case "STOPPED", "EXITED":
		return StateStopped
	case "FATAL":
		return StateFailed
	default:
		return StateUnknown
	}
}

// mapSystemdState maps a unit's ActiveState.
func mapSystemdState(active string) State {
	switch active {
	case "activating", "reloading":
		return StateStarting
	case "active":
		return StateRunning
	case "deactivating":
		return StateStopping
	case "inactive":
		return StateStopped
	case "failed":
		return StateFailed
	default:
		return StateUnknown
	}
}
