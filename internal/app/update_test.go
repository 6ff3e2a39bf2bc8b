package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
)

func TestUpdate_RunsEveryBackend(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	web := ta.declare(t, "web.yml", "main", config.ProcessManagerSupervisor, "")
	units := ta.declare(t, "units.yml", "units", config.ProcessManagerSystemd, "")
	ta.mustRegister(t, web, units)

	report, err := ta.Update(ctx, UpdateOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, report.Changed())

	for _, pm := range config.ProcessManagers() {
		b := ta.backends[pm]
		req, ok := b.last("update")
		require.True(t, ok, "%s backend was not updated", pm)
		assert.True(t, req.Force)
		assert.Equal(t, []string{units, web}, sourcePaths(req.AllConfigs))
	}

	req, _ := ta.backends[config.ProcessManagerSupervisor].last("update")
	assert.Equal(t, []string{web}, sourcePaths(req.Configs))
	req, _ = ta.backends[config.ProcessManagerSystemd].last("update")
	assert.Equal(t, []string{units}, sourcePaths(req.Configs))
	req, _ = ta.backends[config.ProcessManagerMultiprocessing].last("update")
	assert.Empty(t, req.Configs)
}

func TestUpdate_DeregisteredDeclarationIsRemovedThenPurged(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	web := ta.declare(t, "web.yml", "main", config.ProcessManagerSystemd, "")
	ta.mustRegister(t, web)
	_, err := ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)

	_, err = ta.Deregister([]string{web})
	require.NoError(t, err)
	report, err := ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)
	assert.Contains(t, report.Changes, web+": deregistered, removing artifacts")

	req, _ := ta.backends[config.ProcessManagerSystemd].last("update")
	assert.Empty(t, req.Configs)
	assert.Equal(t, []string{web}, sourcePaths(req.RemovedConfigs))
	req, _ = ta.backends[config.ProcessManagerSupervisor].last("update")
	assert.Empty(t, req.RemovedConfigs)

	doc := ta.load(t)
	assert.Empty(t, doc.ConfigFiles())
	assert.Empty(t, doc.Pending())
}

func TestUpdate_RenameAndMove(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	path := ta.declare(t, "galaxy.yml", "main", config.ProcessManagerSupervisor, "")
	ta.mustRegister(t, path)

	// rename the instance and move it to systemd in one edit
	ta.declare(t, "galaxy.yml", "renamed", config.ProcessManagerSystemd, "")
	_, err := ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)

	req, _ := ta.backends[config.ProcessManagerSupervisor].last("update")
	require.Len(t, req.RemovedConfigs, 1)
	assert.Equal(t, "main", req.RemovedConfigs[0].InstanceName)
	assert.Empty(t, req.Configs)

	req, _ = ta.backends[config.ProcessManagerSystemd].last("update")
	require.Len(t, req.Configs, 1)
	assert.Equal(t, "renamed", req.Configs[0].InstanceName)
	assert.Empty(t, req.RemovedConfigs)

	doc := ta.load(t)
	assert.Equal(t, []string{"renamed"}, doc.InstanceNames())
}

func TestUpdate_BackendFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	path := ta.declare(t, "galaxy.yml", "main", config.ProcessManagerSystemd, "")
	ta.mustRegister(t, path)

	ta.declare(t, "galaxy.yml", "renamed", config.ProcessManagerSystemd, "")
	ta.backends[config.ProcessManagerSystemd].updateErr = errors.New("daemon-reload failed")

	_, err := ta.Update(ctx, UpdateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "systemd update failed")
	assert.Equal(t, []string{"main"}, ta.load(t).InstanceNames())
	assert.Empty(t, ta.backends[config.ProcessManagerMultiprocessing].calls, "later backends are not run")

	ta.backends[config.ProcessManagerSystemd].updateErr = nil
	_, err = ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"renamed"}, ta.load(t).InstanceNames())
}

func TestUpdate_DegradedDeclaration(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	good := ta.declare(t, "good.yml", "good", config.ProcessManagerSupervisor, "")
	broken := ta.declare(t, "broken.yml", "broken", config.ProcessManagerSupervisor, "")
	ta.mustRegister(t, good, broken)
	require.NoError(t, os.WriteFile(broken, []byte("gravity: [unclosed\n"), 0o644))

	report, err := ta.Update(ctx, UpdateOptions{})
	require.Error(t, err)
	assert.True(t, errdefs.IsDeclarationError(err))
	assert.Equal(t, []string{broken}, report.Degraded)

	// the broken declaration keeps its stored services and is still rendered
	req, _ := ta.backends[config.ProcessManagerSupervisor].last("update")
	assert.Equal(t, []string{broken, good}, sourcePaths(req.Configs))
	assert.Empty(t, req.RemovedConfigs)

	cfg, ok := ta.load(t).ConfigFile(broken)
	require.True(t, ok)
	assert.True(t, cfg.Degraded())
	require.NotNil(t, cfg.FailedSince)
	since := *cfg.FailedSince

	_, err = ta.Update(ctx, UpdateOptions{AllowDegraded: true})
	require.NoError(t, err)
	cfg, _ = ta.load(t).ConfigFile(broken)
	assert.True(t, since.Equal(*cfg.FailedSince), "failure time is kept across passes")
}

func TestUpdate_CreatesChangedVirtualenv(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	path := ta.declare(t, "galaxy.yml", "main", config.ProcessManagerSupervisor, "")
	ta.mustRegister(t, path)

	venv := filepath.Join(ta.root, "venv")
	ta.declare(t, "galaxy.yml", "main", config.ProcessManagerSupervisor, "  virtualenv: "+venv+"\n")
	_, err := ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{venv}, ta.envs)

	_, err = ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)
	assert.Len(t, ta.envs, 1, "an unchanged virtualenv is not created again")
}

func TestUpdate_Clean(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	path := ta.declare(t, "galaxy.yml", "main", config.ProcessManagerSupervisor, "")
	ta.mustRegister(t, path)

	_, err := ta.Update(ctx, UpdateOptions{Clean: true, Force: true})
	require.NoError(t, err)
	req, _ := ta.backends[config.ProcessManagerSupervisor].last("update")
	assert.True(t, req.Clean)
	assert.True(t, req.Force)
	_, ok := ta.load(t).ConfigFile(path)
	assert.True(t, ok, "clean does not deregister")
}

func TestUpdate_WritesMetricsTextfile(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	ta.mustRegister(t, ta.declare(t, "galaxy.yml", "main", config.ProcessManagerSupervisor, ""))

	textfile := filepath.Join(ta.root, "galaxyctl.prom")
	_, err := ta.Update(ctx, UpdateOptions{MetricsTextfile: textfile})
	require.NoError(t, err)

	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `galaxyctl_reconcile_passes_total{result="success"} 1`)
	assert.Contains(t, string(data), `galaxyctl_artifacts_written_total{backend="supervisor"} 1`)
}

func TestUpdate_RenameRemovesOldArtifacts(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)
	web := ta.declare(t, "web.yml", "main", config.ProcessManagerSupervisor, "")
	ta.mustRegister(t, web)
	_, err := ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)

	moved := ta.declare(t, "moved.yml", "main", config.ProcessManagerSupervisor, "")
	require.NoError(t, ta.Rename(web, moved))
	_, err = ta.Update(ctx, UpdateOptions{})
	require.NoError(t, err)

	req, _ := ta.backends[config.ProcessManagerSupervisor].last("update")
	assert.Equal(t, []string{moved}, sourcePaths(req.Configs))
	assert.Equal(t, []string{web}, sourcePaths(req.RemovedConfigs))
	assert.Equal(t, []string{moved}, sourcePaths(req.AllConfigs))

	doc := ta.load(t)
	assert.Equal(t, []string{moved}, sourcePaths(doc.ConfigFiles()))
	assert.Empty(t, doc.Pending())
}
