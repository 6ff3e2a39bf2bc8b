package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/internal/state"
)

// mockLoader returns canned declarations and records the stored copies it
// was given.
type mockLoader struct {
	configs map[string]*config.ConfigFile
	errs    map[string]error
	calls   []string
}

func (m *mockLoader) Load(path string, stored *config.ConfigFile) (*config.ConfigFile, error) {
	m.calls = append(m.calls, path)
	if err, ok := m.errs[path]; ok {
		return nil, errdefs.NewDeclarationError(path, err)
	}
	cfg, ok := m.configs[path]
	if !ok {
		return nil, errdefs.NewDeclarationError(path, errors.New("no such file"))
	}
	return cfg.Clone(), nil
}

func svc(name string, count int) *config.Service {
	return &config.Service{
		ConfigType:  "galaxy",
		ServiceType: "standalone",
		ServiceName: name,
		Count:       count,
		Enable:      true,
		Settings:    config.Settings{"server_name": name},
	}
}

func cfg(path, instance string, services ...*config.Service) *config.ConfigFile {
	return &config.ConfigFile{
		SourcePath:     path,
		ConfigType:     "galaxy",
		InstanceName:   instance,
		ProcessManager: config.ProcessManagerSupervisor,
		Attribs:        config.Attribs{GalaxyRoot: "/srv/galaxy", LogDir: "/var/log/galaxy"},
		Services:       services,
	}
}

func docWith(t *testing.T, configs ...*config.ConfigFile) *state.Document {
	t.Helper()
	doc := state.NewDocument()
	for _, c := range configs {
		require.NoError(t, doc.AddConfigFile(c.Clone()))
	}
	return doc
}

func names(services []*config.Service) []string {
	var out []string
	for _, s := range services {
		out = append(out, s.ServiceName)
	}
	return out
}

func TestCompute_NoChanges(t *testing.T) {
	stored := cfg("/a.yml", "main", svc("web", 1), svc("worker", 3))
	loader := &mockLoader{configs: map[string]*config.ConfigFile{"/a.yml": stored}}

	cs := Compute(docWith(t, stored), loader)

	assert.False(t, cs.HasChanges())
	assert.Empty(t, cs.Summary())
	assert.Equal(t, []string{"/a.yml"}, loader.calls)
	require.Len(t, cs.Current(), 1)
}

func TestCompute_ServiceAddedRemovedUpdated(t *testing.T) {
	stored := cfg("/a.yml", "main", svc("web", 1), svc("worker", 3), svc("old", 1))
	updatedWorker := svc("worker", 3)
	updatedWorker.Settings["server_name"] = "renamed"
	fresh := cfg("/a.yml", "main", svc("web", 1), updatedWorker, svc("new", 1))

	cs := Compute(docWith(t, stored), &mockLoader{configs: map[string]*config.ConfigFile{"/a.yml": fresh}})

	change := cs.Configs["/a.yml"]
	assert.Equal(t, []string{"new"}, names(change.NewServices))
	assert.Equal(t, []string{"old"}, names(change.RemovedServices))
	assert.Equal(t, []string{"worker"}, names(change.UpdatedServices))
	assert.Equal(t, map[string]bool{"main": true}, cs.ChangedInstances)
	assert.Empty(t, cs.RemovedInstances)
}

func TestCompute_AttribChangeEnsuresEnvironment(t *testing.T) {
	stored := cfg("/a.yml", "main", svc("web", 1))
	fresh := cfg("/a.yml", "main", svc("web", 1))
	fresh.Attribs.Virtualenv = "/srv/galaxy/.venv"

	cs := Compute(docWith(t, stored), &mockLoader{configs: map[string]*config.ConfigFile{"/a.yml": fresh}})

	change := cs.Configs["/a.yml"]
	require.NotNil(t, change.UpdatedAttribs)
	assert.Equal(t, "/srv/galaxy/.venv", change.UpdatedAttribs.Virtualenv)
	assert.Equal(t, []string{"/srv/galaxy/.venv"}, cs.EnsureEnvironments)
}

func TestCompute_VirtualenvFallsBackToStored(t *testing.T) {
	stored := cfg("/a.yml", "main", svc("web", 1))
	stored.Attribs.Virtualenv = "/srv/galaxy/.venv"
	fresh := cfg("/a.yml", "main", svc("web", 1))

	cs := Compute(docWith(t, stored), &mockLoader{configs: map[string]*config.ConfigFile{"/a.yml": fresh}})

	change := cs.Configs["/a.yml"]
	assert.Nil(t, change.UpdatedAttribs)
	assert.Equal(t, "/srv/galaxy/.venv", change.Fresh.Attribs.Virtualenv)
	assert.Empty(t, cs.EnsureEnvironments)
}

func TestCompute_RenameIsolation(t *testing.T) {
	a := cfg("/a.yml", "alpha", svc("web", 1))
	b := cfg("/b.yml", "beta", svc("web", 1))
	renamed := cfg("/a.yml", "gamma", svc("web", 1))

	cs := Compute(docWith(t, a, b), &mockLoader{configs: map[string]*config.ConfigFile{
		"/a.yml": renamed,
		"/b.yml": b,
	}})

	assert.Equal(t, "gamma", cs.Configs["/a.yml"].UpdatedInstanceName)
	assert.Equal(t, map[string]bool{"gamma": true}, cs.ChangedInstances)
	assert.Equal(t, map[string]bool{"alpha": true}, cs.RemovedInstances)
	assert.False(t, cs.Configs["/b.yml"].Changed())
	require.Len(t, cs.Renamed(), 1)
	assert.Equal(t, "alpha", cs.Renamed()[0].InstanceName)
}

func TestCompute_RenameKeepsSharedInstance(t *testing.T) {
	a := cfg("/a.yml", "shared", svc("web", 1))
	b := cfg("/b.yml", "shared", svc("handler", 1))
	renamed := cfg("/a.yml", "solo", svc("web", 1))

	cs := Compute(docWith(t, a, b), &mockLoader{configs: map[string]*config.ConfigFile{
		"/a.yml": renamed,
		"/b.yml": b,
	}})

	assert.Empty(t, cs.RemovedInstances, "shared is still referenced by /b.yml")
	assert.Equal(t, map[string]bool{"solo": true}, cs.ChangedInstances)
}

func TestCompute_FailedReloadKeepsStored(t *testing.T) {
	stored := cfg("/a.yml", "main", svc("web", 1))
	loader := &mockLoader{errs: map[string]error{"/a.yml": errors.New("yaml: line 3: mapping values are not allowed")}}

	cs := Compute(docWith(t, stored), loader)

	change := cs.Configs["/a.yml"]
	require.Error(t, change.LoadError)
	assert.True(t, errdefs.IsDeclarationError(change.LoadError))
	assert.Equal(t, "main", change.Current().InstanceName)
	assert.Empty(t, cs.RemovedInstances)
	assert.Len(t, cs.Degraded(), 1)
	assert.Len(t, cs.Current(), 1)
}

func TestCompute_PendingRemoval(t *testing.T) {
	doc := docWith(t, cfg("/a.yml", "main", svc("web", 1)))
	_, ok := doc.RemoveConfigFile("/a.yml")
	require.True(t, ok)

	cs := Compute(doc, &mockLoader{})

	require.Len(t, cs.PendingRemoval, 1)
	assert.Equal(t, "/a.yml", cs.PendingRemoval[0].SourcePath)
	assert.Equal(t, map[string]bool{"main": true}, cs.RemovedInstances)
	assert.Empty(t, cs.Configs)
	assert.True(t, cs.HasChanges())
}

func TestApply(t *testing.T) {
	a := cfg("/a.yml", "alpha", svc("web", 1))
	b := cfg("/b.yml", "beta", svc("web", 1))
	c := cfg("/c.yml", "gone", svc("web", 1))
	doc := docWith(t, a, b, c)
	_, _ = doc.RemoveConfigFile("/c.yml")

	renamed := cfg("/a.yml", "gamma", svc("web", 1), svc("worker", 2))
	cs := Compute(doc, &mockLoader{
		configs: map[string]*config.ConfigFile{"/a.yml": renamed},
		errs:    map[string]error{"/b.yml": errors.New("broken")},
	})

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	Apply(doc, cs, now)
	require.NoError(t, doc.Validate())

	assert.Equal(t, []string{"beta", "gamma"}, doc.InstanceNames())
	applied, ok := doc.ConfigFile("/a.yml")
	require.True(t, ok)
	assert.Equal(t, []string{"web", "worker"}, applied.ServiceNames())

	degraded, _ := doc.ConfigFile("/b.yml")
	assert.True(t, degraded.Degraded())
	assert.Contains(t, degraded.LastLoadError, "broken")
	require.NotNil(t, degraded.FailedSince)
	assert.Equal(t, now, *degraded.FailedSince)
	assert.Empty(t, doc.PendingRemoval)

	// a second failure keeps the original timestamp, a success clears it
	cs = Compute(doc, &mockLoader{
		configs: map[string]*config.ConfigFile{"/a.yml": renamed},
		errs:    map[string]error{"/b.yml": errors.New("still broken")},
	})
	Apply(doc, cs, now.Add(time.Hour))
	degraded, _ = doc.ConfigFile("/b.yml")
	assert.Equal(t, now, *degraded.FailedSince)

	cs = Compute(doc, &mockLoader{configs: map[string]*config.ConfigFile{"/a.yml": renamed, "/b.yml": b}})
	Apply(doc, cs, now.Add(2*time.Hour))
	healed, _ := doc.ConfigFile("/b.yml")
	assert.False(t, healed.Degraded())
	assert.Nil(t, healed.FailedSince)
}

func TestChangeSet_Summary(t *testing.T) {
	stored := cfg("/a.yml", "alpha", svc("web", 1))
	fresh := cfg("/a.yml", "beta", svc("worker", 1))
	fresh.ProcessManager = config.ProcessManagerSystemd

	cs := Compute(docWith(t, stored), &mockLoader{configs: map[string]*config.ConfigFile{"/a.yml": fresh}})

	assert.Equal(t, []string{
		"/a.yml: instance renamed alpha -> beta",
		"/a.yml: process manager changed to systemd",
		"/a.yml: service added: worker",
		"/a.yml: service removed: web",
		"instance removed: alpha",
	}, cs.Summary())
}
