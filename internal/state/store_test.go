package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
)

func testConfig(path, instance string) *config.ConfigFile {
	return &config.ConfigFile{
		SourcePath:     path,
		ConfigType:     "galaxy",
		InstanceName:   instance,
		ProcessManager: config.ProcessManagerSupervisor,
		Attribs:        config.Attribs{GalaxyRoot: "/srv/galaxy", LogDir: "/var/log/galaxy"},
		Services: []*config.Service{
			{ConfigType: "galaxy", ServiceType: "gunicorn", ServiceName: "gunicorn", Count: 1, Enable: true,
				Settings: config.Settings{"bind": "localhost:8080"}},
		},
	}
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	store := NewStore(t.TempDir())

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, doc.Version)
	assert.Empty(t, doc.Instances)
	assert.Empty(t, doc.PendingRemoval)
}

func TestStore_UpdateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	err := store.Update(func(doc *Document) error {
		return doc.AddConfigFile(testConfig("/srv/galaxy/config/galaxy.yml", "main"))
	})
	require.NoError(t, err)

	doc, err := NewStore(dir).Load()
	require.NoError(t, err)
	require.Equal(t, []string{"main"}, doc.InstanceNames())

	inst, ok := doc.Instance("main")
	require.True(t, ok)
	assert.Equal(t, "main", inst.Name)

	cfg, ok := doc.ConfigFile("/srv/galaxy/config/galaxy.yml")
	require.True(t, ok)
	assert.Equal(t, "/srv/galaxy", cfg.Attribs.GalaxyRoot)
	require.Len(t, cfg.Services, 1)
	assert.Equal(t, "localhost:8080", cfg.Services[0].Settings.String("bind", ""))
}

func TestStore_FailedUpdateWritesNothing(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Update(func(doc *Document) error {
		return doc.AddConfigFile(testConfig("/a.yml", "a"))
	}))
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Update(func(doc *Document) error {
		_ = doc.AddConfigFile(testConfig("/b.yml", "b"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestStore_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("instances: [\n"), 0o644))

	_, err := NewStore(dir).Load()
	require.Error(t, err)
	assert.True(t, errdefs.IsStoreCorrupt(err))
}

func TestStore_RejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("version: 99\n"), 0o644))

	_, err := NewStore(dir).Load()
	assert.True(t, errdefs.IsStoreCorrupt(err))
}

func TestDocument_RegisterDeregister(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.AddConfigFile(testConfig("/a.yml", "main")))
	require.NoError(t, doc.AddConfigFile(testConfig("/b.yml", "main")))

	err := doc.AddConfigFile(testConfig("/a.yml", "other"))
	assert.ErrorContains(t, err, "already registered to instance main")

	removed, ok := doc.RemoveConfigFile("/a.yml")
	require.True(t, ok)
	assert.Equal(t, "main", removed.InstanceName)
	assert.True(t, doc.Registered("/a.yml"))
	assert.Len(t, doc.Pending(), 1)
	require.NoError(t, doc.Validate())

	// re-registering a pending path revives it
	require.NoError(t, doc.AddConfigFile(testConfig("/a.yml", "main")))
	assert.Empty(t, doc.PendingRemoval)

	_, ok = doc.RemoveConfigFile("/missing.yml")
	assert.False(t, ok)
}

func TestDocument_ReplaceMovesInstance(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.AddConfigFile(testConfig("/a.yml", "old")))

	renamed := testConfig("/a.yml", "new")
	doc.ReplaceConfigFile(renamed)

	assert.Equal(t, []string{"new"}, doc.InstanceNames())
	require.NoError(t, doc.Validate())
}

func TestDocument_Rename(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.AddConfigFile(testConfig("/a.yml", "main")))
	require.NoError(t, doc.AddConfigFile(testConfig("/b.yml", "main")))

	renamed, err := doc.Rename("/a.yml", "/c.yml")
	require.NoError(t, err)
	assert.Equal(t, "/c.yml", renamed.SourcePath)
	assert.Equal(t, "main", renamed.InstanceName)

	_, ok := doc.ConfigFile("/a.yml")
	assert.False(t, ok)
	cfg, ok := doc.ConfigFile("/c.yml")
	require.True(t, ok)
	assert.Equal(t, "gunicorn", cfg.Services[0].ServiceName)

	require.Len(t, doc.Pending(), 1)
	old := doc.Pending()[0]
	assert.Equal(t, "/a.yml", old.SourcePath)
	assert.NotEqual(t, old.PathHash(), cfg.PathHash())
	require.NoError(t, doc.Validate())

	t.Run("errors", func(t *testing.T) {
		_, err := doc.Rename("/missing.yml", "/d.yml")
		assert.ErrorContains(t, err, "not registered")
		_, err = doc.Rename("/c.yml", "/b.yml")
		assert.ErrorContains(t, err, "already registered to instance main")
		_, err = doc.Rename("/c.yml", "/c.yml")
		assert.Error(t, err)
	})
}

func TestDocument_ValidateDetectsDuplicates(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.AddConfigFile(testConfig("/a.yml", "main")))
	doc.PendingRemoval["/a.yml"] = testConfig("/a.yml", "main")

	assert.ErrorContains(t, doc.Validate(), "pending removal")
}

func TestDefaultStateDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := DefaultStateDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg/galaxy-gravity", dir)
}
