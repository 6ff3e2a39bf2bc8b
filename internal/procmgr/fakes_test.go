package procmgr

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"galaxyctl/internal/config"
)

func newService(serviceType, name string, count int) *config.Service {
	t, ok := config.LookupServiceType(serviceType)
	if !ok {
		panic("unknown service type " + serviceType)
	}
	return &config.Service{
		ConfigType:     "galaxy",
		ServiceType:    serviceType,
		ServiceName:    name,
		Count:          count,
		Enable:         true,
		GracefulMethod: t.GracefulMethod(t.DefaultSettings, count),
		Settings:       t.DefaultSettings.Clone(),
	}
}

func newConfig(t *testing.T, root, path, instance string, pm config.ProcessManager, services ...*config.Service) *config.ConfigFile {
	t.Helper()
	galaxyRoot := filepath.Join(root, "galaxy")
	require.NoError(t, os.MkdirAll(galaxyRoot, 0o755))
	return &config.ConfigFile{
		SourcePath:     filepath.Join(root, path),
		ConfigType:     "galaxy",
		InstanceName:   instance,
		ProcessManager: pm,
		Attribs: config.Attribs{
			GalaxyRoot: galaxyRoot,
			LogDir:     filepath.Join(root, "log"),
		},
		AppConfig: map[string]any{"galaxy_infrastructure_url": "http://localhost:8080/"},
		Services:  services,
	}
}

// webAndWorkers is one web server and three task queue workers.
func webAndWorkers(t *testing.T, root, path, instance string, pm config.ProcessManager) *config.ConfigFile {
	return newConfig(t, root, path, instance, pm,
		newService("gunicorn", "gunicorn", 1),
		newService("celery", "celery", 3),
	)
}

// fakeSupervisor records supervisorctl invocations.
type fakeSupervisor struct {
	running   bool
	started   int
	shutdowns int
	calls     [][]string
	status    string
	statusErr error
}

func (f *fakeSupervisor) Running() bool { return f.running }

func (f *fakeSupervisor) StartDaemon(ctx context.Context, foreground bool) error {
	f.started++
	f.running = true
	return nil
}

func (f *fakeSupervisor) Ctl(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if len(args) > 0 && args[0] == "status" {
		return f.status, f.statusErr
	}
	return "", nil
}

func (f *fakeSupervisor) Shutdown(ctx context.Context) error {
	f.shutdowns++
	f.running = false
	return nil
}

func (f *fakeSupervisor) Wait() error { return nil }

func (f *fakeSupervisor) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if len(c) > 0 && c[0] == op {
			n++
		}
	}
	return n
}

func (f *fakeSupervisor) commands() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

// fakeSystemctl records systemctl operations as "op unit..." strings.
type fakeSystemctl struct {
	mu     sync.Mutex
	calls  []string
	states []UnitState
	closed bool
}

func (f *fakeSystemctl) record(op string, units ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.TrimSpace(op+" "+strings.Join(units, " ")))
}

func (f *fakeSystemctl) Start(ctx context.Context, units ...string) error {
	f.record("start", units...)
	return nil
}

func (f *fakeSystemctl) Stop(ctx context.Context, units ...string) error {
	f.record("stop", units...)
	return nil
}

func (f *fakeSystemctl) Restart(ctx context.Context, units ...string) error {
	f.record("restart", units...)
	return nil
}

func (f *fakeSystemctl) Kill(ctx context.Context, unit string, signal syscall.Signal) error {
	f.record("kill "+unix.SignalName(signal), unit)
	return nil
}

func (f *fakeSystemctl) Enable(ctx context.Context, units ...string) error {
	f.record("enable", units...)
	return nil
}

func (f *fakeSystemctl) Disable(ctx context.Context, units ...string) error {
	f.record("disable", units...)
	return nil
}

func (f *fakeSystemctl) DaemonReload(ctx context.Context) error {
	f.record("daemon-reload")
	return nil
}

func (f *fakeSystemctl) Status(ctx context.Context, units ...string) ([]UnitState, error) {
	f.record("status", units...)
	return f.states, nil
}

func (f *fakeSystemctl) Run(ctx context.Context, args ...string) (string, error) {
	f.record("run", args...)
	return "ran " + strings.Join(args, " ") + "\n", nil
}

func (f *fakeSystemctl) Close() { f.closed = true }

func (f *fakeSystemctl) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// fakeReplicas records graceful operations as "op replica" strings.
type fakeReplicas struct {
	events []string
}

func (f *fakeReplicas) RestartService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service) error {
	f.events = append(f.events, "restart "+svc.ServiceName)
	return nil
}

func (f *fakeReplicas) RestartReplica(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error {
	f.events = append(f.events, "restart "+strconv.Itoa(replica))
	return nil
}

func (f *fakeReplicas) SignalService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, signal string) error {
	f.events = append(f.events, "signal "+signal)
	return nil
}

func boolPtr(b bool) *bool { return &b }

func fileNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
