package procmgr

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/dbus"
	"golang.org/x/sys/unix"

	"galaxyctl/pkg/logging"
)

// UnitState is the runtime state of one unit.
type UnitState struct {
	Name        string
	LoadState   string
	ActiveState string
	SubState    string
}

// Systemctl issues commands to systemd. Units are addressed by name.
type Systemctl interface {
	Start(ctx context.Context, units ...string) error
	Stop(ctx context.Context, units ...string) error
	Restart(ctx context.Context, units ...string) error
	Kill(ctx context.Context, unit string, signal syscall.Signal) error
	Enable(ctx context.Context, units ...string) error
	Disable(ctx context.Context, units ...string) error
	DaemonReload(ctx context.Context) error
	Status(ctx context.Context, units ...string) ([]UnitState, error)
	// Run passes args to the systemctl command line and returns its
	// combined output.
	Run(ctx context.Context, args ...string) (string, error)
	Close()
}

// dbusSystemctl talks to systemd over D-Bus. The connection is opened on
// first use; when the bus is unreachable it falls back to running
// systemctl.
type dbusSystemctl struct {
	user     bool
	conn     *dbus.Conn
	fallback Systemctl
}

func newDBusSystemctl(user bool) *dbusSystemctl {
	return &dbusSystemctl{user: user}
}

func (s *dbusSystemctl) connect(ctx context.Context) (*dbus.Conn, Systemctl) {
	if s.conn != nil {
		return s.conn, nil
	}
	if s.fallback != nil {
		return nil, s.fallback
	}
	var conn *dbus.Conn
	var err error
	if s.user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		logging.Debug("Systemd", "D-Bus connection failed, falling back to systemctl: %v", err)
		s.fallback = &execSystemctl{user: s.user}
		return nil, s.fallback
	}
	s.conn = conn
	return conn, nil
}

type unitJob func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// runJobs queues a job per unit and waits for each to finish.
func (s *dbusSystemctl) runJobs(ctx context.Context, op string, job unitJob, units []string) error {
	for _, name := range units {
		ch := make(chan string, 1)
		if _, err := job(ctx, name, "replace", ch); err != nil {
			return dbusError(op, name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result := <-ch:
			if result != "done" {
				return dbusError(op, name, fmt.Errorf("job %s", result))
			}
		}
	}
	return nil
}

func (s *dbusSystemctl) Start(ctx context.Context, units ...string) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Start(ctx, units...)
	}
	return s.runJobs(ctx, "start", conn.StartUnitContext, units)
}

func (s *dbusSystemctl) Stop(ctx context.Context, units ...string) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Stop(ctx, units...)
	}
	return s.runJobs(ctx, "stop", conn.StopUnitContext, units)
}

func (s *dbusSystemctl) Restart(ctx context.Context, units ...string) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Restart(ctx, units...)
	}
	return s.runJobs(ctx, "restart", conn.RestartUnitContext, units)
}

func (s *dbusSystemctl) Kill(ctx context.Context, unit string, signal syscall.Signal) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Kill(ctx, unit, signal)
	}
	conn.KillUnitContext(ctx, unit, int32(signal))
	return nil
}

func (s *dbusSystemctl) Enable(ctx context.Context, units ...string) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Enable(ctx, units...)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, units, false, true); err != nil {
		return dbusError("enable", strings.Join(units, " "), err)
	}
	return nil
}

func (s *dbusSystemctl) Disable(ctx context.Context, units ...string) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Disable(ctx, units...)
	}
	if _, err := conn.DisableUnitFilesContext(ctx, units, false); err != nil {
		return dbusError("disable", strings.Join(units, " "), err)
	}
	return nil
}

func (s *dbusSystemctl) DaemonReload(ctx context.Context) error {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.DaemonReload(ctx)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return dbusError("daemon-reload", "", err)
	}
	return nil
}

func (s *dbusSystemctl) Status(ctx context.Context, units ...string) ([]UnitState, error) {
	conn, fb := s.connect(ctx)
	if fb != nil {
		return fb.Status(ctx, units...)
	}
	statuses, err := conn.ListUnitsByNamesContext(ctx, units)
	if err != nil {
		return nil, dbusError("list-units", strings.Join(units, " "), err)
	}
	out := make([]UnitState, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, UnitState{Name: st.Name, LoadState: st.LoadState, ActiveState: st.ActiveState, SubState: st.SubState})
	}
	return out, nil
}

// Run has no D-Bus equivalent and always uses the systemctl binary.
func (s *dbusSystemctl) Run(ctx context.Context, args ...string) (string, error) {
	return (&execSystemctl{user: s.user}).run(ctx, args...)
}

func (s *dbusSystemctl) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func dbusError(op, unit string, err error) error {
	var args []string
	if unit != "" {
		args = strings.Fields(unit)
	}
	return commandError("systemctl (dbus)", append([]string{op}, args...), "", err)
}

// execSystemctl runs the systemctl binary.
type execSystemctl struct {
	user bool
}

func (s *execSystemctl) run(ctx context.Context, args ...string) (string, error) {
	if s.user {
		args = append([]string{"--user"}, args...)
	}
	logging.Debug("Systemd", "Calling systemctl with args: %v", args)
	out, err := exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	if err != nil {
		return string(out), commandError("systemctl", args, string(out), err)
	}
	return string(out), nil
}

func (s *execSystemctl) Start(ctx context.Context, units ...string) error {
	_, err := s.run(ctx, append([]string{"start"}, units...)...)
	return err
}

func (s *execSystemctl) Stop(ctx context.Context, units ...string) error {
	_, err := s.run(ctx, append([]string{"stop"}, units...)...)
	return err
}

func (s *execSystemctl) Restart(ctx context.Context, units ...string) error {
	_, err := s.run(ctx, append([]string{"restart"}, units...)...)
	return err
}

func (s *execSystemctl) Kill(ctx context.Context, unit string, signal syscall.Signal) error {
	_, err := s.run(ctx, "kill", "--signal", unix.SignalName(signal), unit)
	return err
}

func (s *execSystemctl) Enable(ctx context.Context, units ...string) error {
	_, err := s.run(ctx, append([]string{"enable"}, units...)...)
	return err
}

func (s *execSystemctl) Disable(ctx context.Context, units ...string) error {
	_, err := s.run(ctx, append([]string{"disable"}, units...)...)
	return err
}

func (s *execSystemctl) DaemonReload(ctx context.Context) error {
	_, err := s.run(ctx, "daemon-reload")
	return err
}

func (s *execSystemctl) Status(ctx context.Context, units ...string) ([]UnitState, error) {
	out, err := s.run(ctx, append([]string{"show", "--property=Id,LoadState,ActiveState,SubState"}, units...)...)
	if err != nil {
		return nil, err
	}
	return parseShowOutput(out), nil
}

func (s *execSystemctl) Run(ctx context.Context, args ...string) (string, error) {
	return s.run(ctx, args...)
}

func (s *execSystemctl) Close() {}

// parseShowOutput parses `systemctl show` property blocks, one per unit,
// separated by blank lines.
func parseShowOutput(out string) []UnitState {
	var states []UnitState
	var cur UnitState
	flush := func() {
		if cur.Name != "" {
			states = append(states, cur)
		}
		cur = UnitState{}
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		switch key {
		case "Id":
			cur.Name = value
		case "LoadState":
			cur.LoadState = value
		case "ActiveState":
			cur.ActiveState = value
		case "SubState":
			cur.SubState = value
		}
	}
	flush()
	return states
}
