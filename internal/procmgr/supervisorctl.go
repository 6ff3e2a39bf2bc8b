package procmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

// SupervisorControl talks to the supervisord daemon.
type SupervisorControl interface {
	// Running reports whether the daemon is up.
	Running() bool
	// StartDaemon launches supervisord and waits until it accepts
	// commands. With foreground the daemon stays attached to the
	// controller until Wait.
	StartDaemon(ctx context.Context, foreground bool) error
	// Ctl runs supervisorctl with args and returns its combined output.
	Ctl(ctx context.Context, args ...string) (string, error)
	// Shutdown stops the daemon and waits for it to exit.
	Shutdown(ctx context.Context) error
	// Wait blocks until a foreground daemon exits.
	Wait() error
}

// supervisorSocket is the control socket of the daemon, overridable with
// $SUPERVISORD_SOCKET.
func supervisorSocket(stateDir string) string {
	if sock := os.Getenv("SUPERVISORD_SOCKET"); sock != "" {
		return sock
	}
	return filepath.Join(stateDir, "supervisor.sock")
}

// supervisord drives the real daemon through its command line tools.
type supervisord struct {
	confPath string
	pidPath  string
	sockPath string
	timeout  time.Duration
	poll     time.Duration

	foreground *exec.Cmd
}

func newSupervisord(stateDir string, timeout time.Duration) *supervisord {
	return &supervisord{
		confPath: filepath.Join(stateDir, "supervisord.conf"),
		pidPath:  filepath.Join(stateDir, "supervisord.pid"),
		sockPath: supervisorSocket(stateDir),
		timeout:  timeout,
		poll:     500 * time.Millisecond,
	}
}

func (s *supervisord) Running() bool {
	data, err := os.ReadFile(s.pidPath)
	if err != nil {
		return false
	}
	if _, err := os.Stat(s.sockPath); err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func (s *supervisord) StartDaemon(ctx context.Context, foreground bool) error {
	args := []string{"-c", s.confPath}
	if foreground {
		args = append(args, "--nodaemon")
	}
	logging.Info("Supervisor", "Starting supervisord")
	cmd := exec.Command("supervisord", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if foreground {
		if err := cmd.Start(); err != nil {
			return commandError("supervisord", args, "", err)
		}
		s.foreground = cmd
	} else if out, err := cmd.CombinedOutput(); err != nil {
		// supervisord forks and the parent exits once the daemon is set up
		return commandError("supervisord", args, string(out), err)
	}
	return s.waitFor(ctx, "waiting for supervisord to start", s.Running)
}

func (s *supervisord) waitFor(ctx context.Context, op string, done func() bool) error {
	deadline := time.Now().Add(s.timeout)
	for !done() {
		if time.Now().After(deadline) {
			return &errdefs.TimeoutError{Operation: op, Seconds: s.timeout.Seconds()}
		}
		logging.Debug("Supervisor", "%s", op)
		if err := sleepContext(ctx, s.poll); err != nil {
			return err
		}
	}
	return nil
}

func (s *supervisord) Ctl(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-c", s.confPath}, args...)
	logging.Debug("Supervisor", "Calling supervisorctl with args: %v", args)
	out, err := exec.CommandContext(ctx, "supervisorctl", full...).CombinedOutput()
	if err != nil {
		return string(out), commandError("supervisorctl", args, string(out), err)
	}
	return string(out), nil
}

func (s *supervisord) Shutdown(ctx context.Context) error {
	if _, err := s.Ctl(ctx, "shutdown"); err != nil {
		return err
	}
	if err := s.waitFor(ctx, "waiting for supervisord to terminate", func() bool { return !s.Running() }); err != nil {
		return err
	}
	logging.Info("Supervisor", "supervisord has terminated")
	return nil
}

func (s *supervisord) Wait() error {
	if s.foreground == nil {
		return nil
	}
	err := s.foreground.Wait()
	s.foreground = nil
	return err
}

// commandError wraps the failure of a native command.
func commandError(command string, args []string, output string, err error) error {
	e := &errdefs.BackendCommandError{
		Backend:  backendFor(command),
		Command:  command,
		Args:     args,
		ExitCode: -1,
		Output:   output,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitCode()
		e.Err = nil
	}
	return e
}

func backendFor(command string) string {
	switch {
	case strings.HasPrefix(command, "supervisor"):
		return "supervisor"
	case strings.HasPrefix(command, "systemctl"):
		return "systemd"
	default:
		return fmt.Sprintf("exec %s", command)
	}
}

// exitCode returns the exit code carried by a command error, or -1.
func exitCode(err error) int {
	var cmdErr *errdefs.BackendCommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}
