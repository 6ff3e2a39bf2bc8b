package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/internal/state"
)

func routerDoc(t *testing.T) *state.Document {
	t.Helper()
	doc := state.NewDocument()
	for _, cfg := range []*config.ConfigFile{
		{
			SourcePath:     "/srv/main/galaxy.yml",
			InstanceName:   "main",
			ProcessManager: config.ProcessManagerSystemd,
			Services: []*config.Service{
				{ServiceType: "gunicorn", ServiceName: "gunicorn", Count: 1},
				{ServiceType: "celery", ServiceName: "celery", Count: 3},
			},
		},
		{
			SourcePath:     "/srv/main/handlers.yml",
			InstanceName:   "main",
			ProcessManager: config.ProcessManagerSystemd,
			Services: []*config.Service{
				{ServiceType: "standalone", ServiceName: "handler", Count: 2},
			},
		},
		{
			SourcePath:     "/srv/test/galaxy.yml",
			InstanceName:   "test",
			ProcessManager: config.ProcessManagerSupervisor,
			Services: []*config.Service{
				{ServiceType: "gunicorn", ServiceName: "gunicorn", Count: 1},
			},
		},
	} {
		require.NoError(t, doc.AddConfigFile(cfg))
	}
	return doc
}

func TestRouter_Resolve(t *testing.T) {
	r := NewRouter(routerDoc(t))

	tests := []struct {
		name      string
		targets   []string
		instances []string
		services  []string
		unknown   []string
	}{
		{name: "empty selects everything"},
		{name: "instance", targets: []string{"main"}, instances: []string{"main"}},
		{name: "registered service", targets: []string{"handler"}, services: []string{"handler"}},
		{name: "service type nobody uses", targets: []string{"tusd"}, services: []string{"tusd"}},
		{
			name:      "mixed with unknown",
			targets:   []string{"test", "celery", "nope", "celery"},
			instances: []string{"test"},
			services:  []string{"celery"},
			unknown:   []string{"nope"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := r.Resolve(tt.targets)
			require.NoError(t, err)
			assert.Equal(t, tt.instances, sel.Instances)
			assert.Equal(t, tt.services, sel.Services)
			assert.Equal(t, tt.unknown, sel.Unknown)
		})
	}
}

func TestRouter_ResolveNothingKnown(t *testing.T) {
	_, err := NewRouter(routerDoc(t)).Resolve([]string{"nope", "neither"})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnknownTarget(err))
	assert.Contains(t, err.Error(), "nope, neither")
}

func TestRouter_Routes(t *testing.T) {
	r := NewRouter(routerDoc(t))

	routes := r.Routes(&Selection{})
	require.Len(t, routes, 2)
	assert.Equal(t, config.ProcessManagerSupervisor, routes[0].ProcessManager)
	assert.Equal(t, []string{"/srv/test/galaxy.yml"}, sourcePaths(routes[0].Configs))
	assert.Equal(t, config.ProcessManagerSystemd, routes[1].ProcessManager)
	assert.Equal(t, []string{"/srv/main/galaxy.yml", "/srv/main/handlers.yml"}, sourcePaths(routes[1].Configs))

	routes = r.Routes(&Selection{Instances: []string{"main"}, Services: []string{"celery"}})
	require.Len(t, routes, 1)
	assert.Equal(t, config.ProcessManagerSystemd, routes[0].ProcessManager)
}

func TestRouter_Single(t *testing.T) {
	r := NewRouter(routerDoc(t))

	cfg, svc, err := r.Single(&Selection{Instances: []string{"main"}, Services: []string{"handler"}})
	require.NoError(t, err)
	assert.Equal(t, "/srv/main/handlers.yml", cfg.SourcePath)
	assert.Equal(t, "handler", svc.ServiceName)

	// a service type selects the service of that type
	_, svc, err = r.Single(&Selection{Instances: []string{"main"}, Services: []string{"standalone"}})
	require.NoError(t, err)
	assert.Equal(t, "handler", svc.ServiceName)

	_, _, err = r.Single(&Selection{Services: []string{"gunicorn"}})
	var ambiguous *errdefs.AmbiguousTargetError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, "instance", ambiguous.What)
	assert.Equal(t, []string{"main", "test"}, ambiguous.Candidates)

	_, _, err = r.Single(&Selection{Instances: []string{"test"}})
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, "service", ambiguous.What)

	_, _, err = r.Single(&Selection{Instances: []string{"main"}, Services: []string{"gunicorn", "celery"}})
	assert.True(t, errdefs.IsAmbiguousTarget(err))

	_, _, err = r.Single(&Selection{Instances: []string{"test"}, Services: []string{"tusd"}})
	assert.True(t, errdefs.IsUnknownTarget(err))

	// an unmatched target is not silently dropped
	sel, err := r.Resolve([]string{"typo", "handler"})
	require.NoError(t, err)
	_, _, err = r.Single(sel)
	var unknown *errdefs.UnknownTargetError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"typo"}, unknown.Targets)
}
