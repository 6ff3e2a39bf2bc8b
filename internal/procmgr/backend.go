package procmgr

import (
	"context"
	"io"
	"slices"

	"galaxyctl/internal/config"
)

// Request is the argument of every Backend operation. Backends ignore the
// fields they have no use for.
type Request struct {
	// Configs are the registered declarations the operation applies to.
	Configs []*config.ConfigFile
	// RemovedConfigs are declarations whose artifacts must be removed from
	// this backend: deregistered ones, the pre-rename copies of renamed
	// ones, and ones that moved to another process manager.
	RemovedConfigs []*config.ConfigFile
	// AllConfigs are all registered declarations of every backend. They
	// decide grouping and are never cleaned up by an ordinary update.
	AllConfigs []*config.ConfigFile
	// ServiceNames filters the services of Configs. Empty means all.
	ServiceNames []string

	Force      bool
	Clean      bool
	Foreground bool

	// Output receives the output of native commands shown to the user.
	Output io.Writer
}

func (r Request) out() io.Writer {
	if r.Output == nil {
		return io.Discard
	}
	return r.Output
}

// services returns the enabled services of cfg selected by the service
// filter. A filter entry matches a service name or a service type.
func (r Request) services(cfg *config.ConfigFile) []*config.Service {
	var out []*config.Service
	for _, svc := range cfg.EnabledServices() {
		if r.selects(svc) {
			out = append(out, svc)
		}
	}
	return out
}

func (r Request) selects(svc *config.Service) bool {
	if len(r.ServiceNames) == 0 {
		return true
	}
	return slices.Contains(r.ServiceNames, svc.ServiceName) || slices.Contains(r.ServiceNames, svc.ServiceType)
}

// filtered reports whether the request targets a subset of services.
func (r Request) filtered() bool {
	return len(r.ServiceNames) > 0
}

// UpdateResult reports what an Update changed.
type UpdateResult struct {
	Written   int
	Removed   int
	Refreshed bool
}

// Changed reports whether any artifact was written or removed.
func (r UpdateResult) Changed() bool {
	return r.Written > 0 || r.Removed > 0
}

// Add accumulates o into r.
func (r *UpdateResult) Add(o UpdateResult) {
	r.Written += o.Written
	r.Removed += o.Removed
	r.Refreshed = r.Refreshed || o.Refreshed
}

// Backend is a process manager integration.
type Backend interface {
	Name() config.ProcessManager

	Start(ctx context.Context, req Request) error
	Stop(ctx context.Context, req Request) error
	Restart(ctx context.Context, req Request) error
	Graceful(ctx context.Context, req Request) error
	Status(ctx context.Context, req Request) ([]ServiceStatus, error)
	// Update renders the artifacts of req.Configs and removes the ones that
	// are no longer wanted. With req.Clean it only removes.
	Update(ctx context.Context, req Request) (UpdateResult, error)
	Shutdown(ctx context.Context, req Request) error
	Follow(ctx context.Context, req Request) error
	// Terminate releases long-lived handles such as a foreground daemon.
	Terminate() error

	IntendedArtifacts(cfg *config.ConfigFile) (ArtifactSet, error)
	PresentArtifacts(cfg *config.ConfigFile) (ArtifactSet, error)
	AllPresentArtifacts() ([]OwnedArtifacts, error)
}

// Passthrough is implemented by backends whose process manager has its own
// command line. PM runs it with args and copies its output to req.Output.
type Passthrough interface {
	PM(ctx context.Context, req Request, args []string) error
}
