package procmgr

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"galaxyctl/internal/config"
	"galaxyctl/pkg/logging"
)

// NoReplica marks an exec request without --replica.
const NoReplica = -1

// Executor replaces the current process with one replica of a service.
// Artifacts in the exec command style call back into it, so the command line
// and environment are resolved from the current declaration when the process
// starts rather than when the artifact was written.
type Executor struct {
	StateDir string
	Stdout   io.Writer

	// exec, umask and chdir are the process primitives, swapped in tests.
	exec  func(argv0 string, argv, envv []string) error
	umask func(mask int) int
	chdir func(dir string) error
}

// NewExecutor returns an executor resolving templates against stateDir.
func NewExecutor(stateDir string) *Executor {
	return &Executor{
		StateDir: stateDir,
		Stdout:   os.Stdout,
		exec:     unix.Exec,
		umask:    unix.Umask,
		chdir:    os.Chdir,
	}
}

// Prepare resolves replica of svc. A replicated service needs an explicit
// replica; a single one accepts NoReplica or 0.
func (e *Executor) Prepare(cfg *config.ConfigFile, svc *config.Service, replica int) (*Resolved, error) {
	count := svc.Replicas()
	if replica == NoReplica {
		if count > 1 {
			return nil, fmt.Errorf("service %s of instance %s has %d replicas, --replica is required", svc.ServiceName, cfg.InstanceName, count)
		}
		replica = 0
	}
	if replica < 0 || replica >= count {
		return nil, fmt.Errorf("replica %d of service %s is out of range [0,%d)", replica, svc.ServiceName, count)
	}
	return Resolve(cfg, svc, replica, e.StateDir, os.Getenv("PATH"))
}

// Exec runs the resolved replica in place of the current process. With
// noExec it only prints what would be executed.
func (e *Executor) Exec(cfg *config.ConfigFile, svc *config.Service, replica int, noExec bool) error {
	r, err := e.Prepare(cfg, svc, replica)
	if err != nil {
		return err
	}
	if noExec {
		e.print(r)
		return nil
	}

	mask, err := strconv.ParseUint(r.Umask, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid umask %q for service %s: %w", r.Umask, svc.ServiceName, err)
	}
	e.umask(int(mask))
	if r.Dir != "" {
		if err := e.chdir(r.Dir); err != nil {
			return fmt.Errorf("changing to %s: %w", r.Dir, err)
		}
	}

	logging.Debug("Executor", "Executing %s replica %d: %s", svc.ServiceName, r.Replica, r.Command)
	argv := []string{"sh", "-c", "exec " + r.Command}
	if err := e.exec("/bin/sh", argv, mergeEnviron(os.Environ(), r.EnvironmentList())); err != nil {
		return fmt.Errorf("exec of %s failed: %w", svc.ServiceName, err)
	}
	return nil
}

func (e *Executor) print(r *Resolved) {
	out := e.Stdout
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "cd %s\n", r.Dir)
	fmt.Fprintf(out, "umask %s\n", r.Umask)
	for _, kv := range r.EnvironmentList() {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(out, "export %s=%s\n", k, v)
	}
	fmt.Fprintf(out, "exec %s\n", r.Command)
}

// mergeEnviron overlays KEY=value pairs onto base. Later pairs win.
func mergeEnviron(base, overlay []string) []string {
	index := make(map[string]int, len(base))
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range slices.Concat(base, overlay) {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := index[k]; ok {
			out[i] = kv
			continue
		}
		index[k] = len(out)
		out = append(out, kv)
	}
	return out
}
