package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/internal/procmgr"
	"galaxyctl/pkg/logging"
)

var errNoInstances = errors.New("no instances registered (hint: `galaxyctl register /path/to/galaxy.yml`)")

// routed is an operation resolved to backends.
type routed struct {
	sel    *Selection
	routes []Route
	all    []Route
}

func (a *Application) resolve(targets []string) (*routed, error) {
	doc, err := a.services.Store.Load()
	if err != nil {
		return nil, err
	}
	if len(doc.ConfigFiles()) == 0 {
		return nil, errNoInstances
	}
	router := NewRouter(doc)
	sel, err := router.Resolve(targets)
	if err != nil {
		return nil, err
	}
	return &routed{
		sel:    sel,
		routes: router.Routes(sel),
		all:    router.Routes(&Selection{}),
	}, nil
}

func (r *routed) request(a *Application, route Route) procmgr.Request {
	req := procmgr.Request{
		Configs:      route.Configs,
		ServiceNames: r.sel.Services,
		Output:       a.output(),
	}
	for _, all := range r.all {
		req.AllConfigs = append(req.AllConfigs, all.Configs...)
	}
	return req
}

// each runs op on every backend with selected declarations, in backend
// order. The first failure ends the operation.
func (a *Application) each(targets []string, op string, fn func(b procmgr.Backend, req procmgr.Request) error) error {
	r, err := a.resolve(targets)
	if err != nil {
		return err
	}
	for _, route := range r.routes {
		b, err := a.services.Backend(route.ProcessManager)
		if err != nil {
			return err
		}
		logging.Debug("Router", "%s on %s for %d configs", op, route.ProcessManager, len(route.Configs))
		if err := fn(b, r.request(a, route)); err != nil {
			return fmt.Errorf("%s via %s: %w", op, route.ProcessManager, err)
		}
	}
	return nil
}

// Start brings the artifacts up to date and starts the selected services.
// With no targets and nothing registered, config/galaxy.yml in the working
// directory is registered first. In the foreground the call follows the
// service logs until ctx is cancelled.
func (a *Application) Start(ctx context.Context, targets []string, foreground bool) error {
	if len(targets) == 0 {
		if err := a.autoRegister(); err != nil {
			return err
		}
	}
	if _, err := a.Update(ctx, UpdateOptions{AllowDegraded: true}); err != nil {
		return err
	}
	err := a.each(targets, "start", func(b procmgr.Backend, req procmgr.Request) error {
		req.Foreground = foreground
		if err := b.Start(ctx, req); err != nil {
			return err
		}
		if !foreground {
			for _, cfg := range req.Configs {
				logging.Info("Lifecycle", "Log files for %s are in %s", cfg.InstanceName, cfg.Attribs.LogDir)
			}
		}
		return nil
	})
	if foreground && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop stops the selected services.
func (a *Application) Stop(ctx context.Context, targets []string) error {
	return a.each(targets, "stop", func(b procmgr.Backend, req procmgr.Request) error {
		return b.Stop(ctx, req)
	})
}

// Restart restarts the selected services.
func (a *Application) Restart(ctx context.Context, targets []string) error {
	return a.each(targets, "restart", func(b procmgr.Backend, req procmgr.Request) error {
		return b.Restart(ctx, req)
	})
}

// Graceful reloads the selected services according to their graceful
// method.
func (a *Application) Graceful(ctx context.Context, targets []string) error {
	return a.each(targets, "graceful", func(b procmgr.Backend, req procmgr.Request) error {
		return b.Graceful(ctx, req)
	})
}

// Status reports the state of every replica of the selected services.
func (a *Application) Status(ctx context.Context, targets []string) ([]procmgr.ServiceStatus, error) {
	var out []procmgr.ServiceStatus
	err := a.each(targets, "status", func(b procmgr.Backend, req procmgr.Request) error {
		statuses, err := b.Status(ctx, req)
		out = append(out, statuses...)
		return err
	})
	return out, err
}

// Follow tails the logs of the selected services until ctx is cancelled.
// Backends are followed concurrently.
func (a *Application) Follow(ctx context.Context, targets []string) error {
	r, err := a.resolve(targets)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, route := range r.routes {
		b, err := a.services.Backend(route.ProcessManager)
		if err != nil {
			return err
		}
		req := r.request(a, route)
		g.Go(func() error {
			return b.Follow(gctx, req)
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		// interrupted by the operator
		return nil
	}
	return err
}

// Shutdown stops every service and the process manager daemons that run
// them.
func (a *Application) Shutdown(ctx context.Context) error {
	return a.each(nil, "shutdown", func(b procmgr.Backend, req procmgr.Request) error {
		return b.Shutdown(ctx, req)
	})
}

// Exec replaces the current process with one service replica. targets
// must resolve to exactly one service; replica is mandatory when it has
// more than one. With noExec the command is printed instead.
func (a *Application) Exec(targets []string, replica int, noExec bool) error {
	doc, err := a.services.Store.Load()
	if err != nil {
		return err
	}
	router := NewRouter(doc)
	sel, err := router.Resolve(targets)
	if err != nil {
		return err
	}
	cfg, svc, err := router.Single(sel)
	if err != nil {
		return err
	}
	logging.Debug("Executor", "Executing %s of instance %s", svc.ServiceName, cfg.InstanceName)
	return a.services.Executor.Exec(cfg, svc, replica, noExec)
}

// PM passes args to the native command line of a process manager. pm may
// be empty when every registered declaration uses the same one.
func (a *Application) PM(ctx context.Context, pm config.ProcessManager, args []string) error {
	doc, err := a.services.Store.Load()
	if err != nil {
		return err
	}
	all := doc.ConfigFiles()
	route, err := pmRoute(groupByBackend(all), pm)
	if err != nil {
		return err
	}

	b, err := a.services.Backend(route.ProcessManager)
	if err != nil {
		return err
	}
	native, ok := b.(procmgr.Passthrough)
	if !ok {
		return fmt.Errorf("process manager %s has no command line of its own", route.ProcessManager)
	}
	logging.Debug("Router", "Passing %v to %s", args, route.ProcessManager)
	return native.PM(ctx, procmgr.Request{Configs: route.Configs, AllConfigs: all, Output: a.output()}, args)
}

// pmRoute picks the route of pm, or the only route in use when pm is
// empty.
func pmRoute(routes []Route, pm config.ProcessManager) (Route, error) {
	if pm != "" {
		if _, ok := config.LookupProcessManager(pm); !ok {
			return Route{}, fmt.Errorf("unknown process manager %q", pm)
		}
		for _, r := range routes {
			if r.ProcessManager == pm {
				return r, nil
			}
		}
		return Route{ProcessManager: pm}, nil
	}
	switch len(routes) {
	case 0:
		return Route{}, errNoInstances
	case 1:
		return routes[0], nil
	}
	var candidates []string
	for _, r := range routes {
		candidates = append(candidates, string(r.ProcessManager))
	}
	return Route{}, &errdefs.AmbiguousTargetError{What: "process manager", Candidates: candidates}
}
