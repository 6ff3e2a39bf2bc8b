package app

import (
	"fmt"
	"slices"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/internal/state"
	"galaxyctl/pkg/logging"
)

// Selection is the result of resolving lifecycle targets.
type Selection struct {
	// Instances filters declarations by instance name. Empty means all.
	Instances []string
	// Services filters services by name or type. Empty means all.
	Services []string
	// Unknown are targets that matched nothing.
	Unknown []string
}

// Route is the part of an operation one backend executes.
type Route struct {
	ProcessManager config.ProcessManager
	Configs        []*config.ConfigFile
}

// Router resolves instance and service names against the registered
// declarations and splits operations by backend.
type Router struct {
	doc *state.Document
}

// NewRouter creates a router over doc.
func NewRouter(doc *state.Document) *Router {
	return &Router{doc: doc}
}

// Resolve sorts targets into instance and service filters. A target that
// matches nothing is warned about; the call only fails when no target
// matches anything.
func (r *Router) Resolve(targets []string) (*Selection, error) {
	sel := &Selection{}
	if len(targets) == 0 {
		return sel, nil
	}

	instances := r.doc.InstanceNames()
	services := r.serviceNames()
	for _, t := range targets {
		switch {
		case slices.Contains(instances, t):
			sel.Instances = appendUnique(sel.Instances, t)
		case slices.Contains(services, t):
			sel.Services = appendUnique(sel.Services, t)
		default:
			sel.Unknown = append(sel.Unknown, t)
		}
	}

	if len(sel.Instances) == 0 && len(sel.Services) == 0 {
		return nil, &errdefs.UnknownTargetError{Targets: sel.Unknown}
	}
	for _, t := range sel.Unknown {
		logging.UserWarn("%s is not a known instance or service name", t)
	}
	logging.Debug("Router", "Resolved targets: instances=%v services=%v", sel.Instances, sel.Services)
	return sel, nil
}

// serviceNames returns every registered service name plus the service
// types, which are recognized even when nothing registered uses them.
func (r *Router) serviceNames() []string {
	names := config.ServiceTypeNames()
	for _, cfg := range r.doc.ConfigFiles() {
		for _, svc := range cfg.Services {
			names = appendUnique(names, svc.ServiceName)
		}
	}
	return names
}

// Configs returns the registered declarations selected by sel.
func (r *Router) Configs(sel *Selection) []*config.ConfigFile {
	var out []*config.ConfigFile
	for _, cfg := range r.doc.ConfigFiles() {
		if len(sel.Instances) == 0 || slices.Contains(sel.Instances, cfg.InstanceName) {
			out = append(out, cfg)
		}
	}
	return out
}

// Routes groups the selected declarations by backend, in backend order.
// Backends without selected declarations are left out.
func (r *Router) Routes(sel *Selection) []Route {
	return groupByBackend(r.Configs(sel))
}

func groupByBackend(configs []*config.ConfigFile) []Route {
	var routes []Route
	for _, pm := range config.ProcessManagers() {
		var matched []*config.ConfigFile
		for _, cfg := range configs {
			if cfg.ProcessManager == pm {
				matched = append(matched, cfg)
			}
		}
		if len(matched) > 0 {
			routes = append(routes, Route{ProcessManager: pm, Configs: matched})
		}
	}
	return routes
}

// Single resolves sel to exactly one service of exactly one declaration.
// Unlike the lifecycle operations, any target that matched nothing fails
// the call.
func (r *Router) Single(sel *Selection) (*config.ConfigFile, *config.Service, error) {
	if len(sel.Unknown) > 0 {
		return nil, nil, &errdefs.UnknownTargetError{Targets: sel.Unknown}
	}
	configs := r.Configs(sel)
	if len(configs) == 0 {
		return nil, nil, fmt.Errorf("no instances registered (hint: `galaxyctl register /path/to/galaxy.yml`)")
	}
	if len(sel.Services) == 0 {
		var candidates []string
		for _, cfg := range configs {
			for _, svc := range cfg.Services {
				candidates = append(candidates, cfg.InstanceName+"/"+svc.ServiceName)
			}
		}
		return nil, nil, &errdefs.AmbiguousTargetError{What: "service", Candidates: candidates}
	}
	if len(sel.Services) > 1 {
		return nil, nil, &errdefs.AmbiguousTargetError{What: "service", Candidates: sel.Services}
	}

	type match struct {
		cfg *config.ConfigFile
		svc *config.Service
	}
	var matches []match
	instances := map[string]bool{}
	for _, cfg := range configs {
		for _, svc := range cfg.Services {
			if svc.ServiceName == sel.Services[0] || svc.ServiceType == sel.Services[0] {
				matches = append(matches, match{cfg, svc})
				instances[cfg.InstanceName] = true
			}
		}
	}

	switch {
	case len(matches) == 0:
		return nil, nil, &errdefs.UnknownTargetError{Targets: sel.Services}
	case len(instances) > 1:
		var candidates []string
		for name := range instances {
			candidates = append(candidates, name)
		}
		slices.Sort(candidates)
		return nil, nil, &errdefs.AmbiguousTargetError{What: "instance", Candidates: candidates}
	case len(matches) > 1:
		var candidates []string
		for _, m := range matches {
			candidates = append(candidates, m.cfg.InstanceName+"/"+m.svc.ServiceName)
		}
		return nil, nil, &errdefs.AmbiguousTargetError{What: "service", Candidates: candidates}
	}
	return matches[0].cfg, matches[0].svc, nil
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}
