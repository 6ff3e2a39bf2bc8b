package procmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"galaxyctl/internal/config"
	"galaxyctl/pkg/logging"
)

// InProcessBackend runs every replica as a child process of the
// controller. It writes no artifacts; Start blocks until all children
// have exited, and stopping kills and joins them all.
type InProcessBackend struct {
	opts Options

	mu       sync.Mutex
	children map[string]*child
	cancel   context.CancelFunc
	done     chan struct{}
}

type child struct {
	instance string
	service  string
	replica  int
	graceful config.GracefulMethod
	cmd      *exec.Cmd
	log      *os.File
	state    State
	err      error
}

// NewInProcessBackend returns the in-process backend.
func NewInProcessBackend(opts Options) *InProcessBackend {
	return &InProcessBackend{opts: opts, children: make(map[string]*child)}
}

func (b *InProcessBackend) Name() config.ProcessManager {
	return config.ProcessManagerMultiprocessing
}

func childName(cfg *config.ConfigFile, svc *config.Service, replica int) string {
	name := cfg.InstanceName + "_" + svc.ServiceName
	if svc.Replicas() > 1 {
		name += fmt.Sprintf("_%d", replica)
	}
	return name
}

func (b *InProcessBackend) command(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) (*exec.Cmd, *os.File, error) {
	r, err := Resolve(cfg, svc, replica, b.opts.StateDir, os.Getenv("PATH"))
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Attribs.LogDir, 0o755); err != nil {
		return nil, nil, err
	}
	log, err := os.OpenFile(logFile(cfg, childName(cfg, svc, replica)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", fmt.Sprintf("umask %s; exec %s", r.Umask, r.Command))
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.EnvironmentList()...)
	cmd.Stdout = log
	cmd.Stderr = log
	// own process group so the whole tree can be signalled
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = time.Duration(svc.Settings.Int("stop_timeout", 65)) * time.Second
	return cmd, log, nil
}

// killProcessGroup signals a process group, falling back to the leader.
func killProcessGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if err2 := unix.Kill(pid, sig); err2 != nil {
			return fmt.Errorf("failed to signal process group -%d: %v, also failed to signal process %d: %v", pid, err, pid, err2)
		}
	}
	return nil
}

// Start launches the requested services and joins them. It returns when
// every child has exited, or after ctx is cancelled and every child has
// been stopped.
func (b *InProcessBackend) Start(ctx context.Context, req Request) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return errors.New("services are already running in this process")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done

	var startErr error
launch:
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for i := range svc.Replicas() {
				name := childName(cfg, svc, i)
				cmd, log, err := b.command(gctx, cfg, svc, i)
				if err == nil {
					if err = cmd.Start(); err != nil {
						log.Close()
					}
				}
				if err != nil {
					startErr = fmt.Errorf("starting %s: %w", name, err)
					break launch
				}
				logging.Info("InProcess", "Started %s (pid %d)", name, cmd.Process.Pid)
				c := &child{instance: cfg.InstanceName, service: svc.ServiceName, replica: i, graceful: svc.GracefulMethod, cmd: cmd, log: log, state: StateRunning}
				b.children[name] = c
				g.Go(func() error { return b.wait(gctx, name, c) })
			}
		}
	}
	b.mu.Unlock()

	if startErr != nil {
		cancel()
	}
	err := g.Wait()
	cancel()

	b.mu.Lock()
	b.cancel = nil
	close(done)
	b.mu.Unlock()
	return errors.Join(startErr, err)
}

func (b *InProcessBackend) wait(ctx context.Context, name string, c *child) error {
	err := c.cmd.Wait()
	c.log.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	c.err = err
	if ctx.Err() != nil {
		c.state = StateStopped
		logging.Info("InProcess", "Stopped %s", name)
		return nil
	}
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("%s exited: %w", name, err)
	}
	c.state = StateStopped
	logging.Info("InProcess", "%s exited", name)
	return nil
}

// Stop kills every child of this process and waits for them.
func (b *InProcessBackend) Stop(ctx context.Context, req Request) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		logging.Info("InProcess", "No services are running in this process")
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InProcessBackend) Restart(ctx context.Context, req Request) error {
	logging.UserWarn("the %s process manager cannot restart services; stop and start them instead", b.Name())
	return nil
}

// Graceful signals the children whose graceful method is SIGHUP.
func (b *InProcessBackend) Graceful(ctx context.Context, req Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for i := range svc.Replicas() {
				c, ok := b.children[childName(cfg, svc, i)]
				if !ok || c.state != StateRunning {
					continue
				}
				if c.graceful != config.GracefulSIGHUP {
					logging.UserWarn("the %s process manager can only reload services by SIGHUP, skipping %s", b.Name(), svc.ServiceName)
					continue
				}
				if err := killProcessGroup(c.cmd.Process.Pid, unix.SIGHUP); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (b *InProcessBackend) Status(ctx context.Context, req Request) ([]ServiceStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ServiceStatus
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for i := range svc.Replicas() {
				name := childName(cfg, svc, i)
				st := ServiceStatus{Instance: cfg.InstanceName, Service: svc.ServiceName, Replica: i, Program: name, State: StateStopped}
				if c, ok := b.children[name]; ok {
					st.State = c.state
					if c.cmd.Process != nil {
						st.Detail = fmt.Sprintf("pid %d", c.cmd.Process.Pid)
					}
					if c.err != nil {
						st.Detail = c.err.Error()
					}
				}
				out = append(out, st)
			}
		}
	}
	return out, nil
}

// Update has nothing to render.
func (b *InProcessBackend) Update(ctx context.Context, req Request) (UpdateResult, error) {
	return UpdateResult{}, nil
}

func (b *InProcessBackend) Shutdown(ctx context.Context, req Request) error {
	return b.Stop(ctx, req)
}

func (b *InProcessBackend) Follow(ctx context.Context, req Request) error {
	var files []string
	for _, cfg := range req.Configs {
		for _, svc := range req.services(cfg) {
			for i := range svc.Replicas() {
				files = append(files, filepath.Join(cfg.Attribs.LogDir, childName(cfg, svc, i)+".log"))
			}
		}
	}
	if len(files) == 0 {
		return nil
	}
	return tail(ctx, files, req.out())
}

// Terminate stops any children still running.
func (b *InProcessBackend) Terminate() error {
	return b.Stop(context.Background(), Request{})
}

func (b *InProcessBackend) IntendedArtifacts(*config.ConfigFile) (ArtifactSet, error) {
	return ArtifactSet{}, nil
}

func (b *InProcessBackend) PresentArtifacts(*config.ConfigFile) (ArtifactSet, error) {
	return ArtifactSet{}, nil
}

func (b *InProcessBackend) AllPresentArtifacts() ([]OwnedArtifacts, error) {
	return nil, nil
}
