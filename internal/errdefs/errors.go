// Package errdefs defines the typed errors shared by the controller, the
// backends and the CLI. Each error type has an IsX helper that unwraps
// wrapped errors with errors.As, so callers can branch on the failure class
// without string matching.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// DeclarationError reports a declaration file that could not be read or
// parsed.
type DeclarationError struct {
	// Path is the declaration file that failed to load.
	Path string
	// Err is the underlying read or parse failure.
	Err error
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("unable to load declaration %s: %v", e.Path, e.Err)
}

func (e *DeclarationError) Unwrap() error { return e.Err }

// NewDeclarationError wraps err as a DeclarationError for path.
func NewDeclarationError(path string, err error) *DeclarationError {
	return &DeclarationError{Path: path, Err: err}
}

// IsDeclarationError checks if an error is or wraps a DeclarationError.
func IsDeclarationError(err error) bool {
	var target *DeclarationError
	return errors.As(err, &target)
}

// UnknownTargetError is returned when a lifecycle target names neither an
// instance nor a service.
//
// Example:
//
//	if errdefs.IsUnknownTarget(err) {
//	    os.Exit(2)
//	}
type UnknownTargetError struct {
	Targets []string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("no instances or services found matching: %s", strings.Join(e.Targets, ", "))
}

// IsUnknownTarget checks if an error is or wraps an UnknownTargetError.
func IsUnknownTarget(err error) bool {
	var target *UnknownTargetError
	return errors.As(err, &target)
}

// AmbiguousTargetError is returned when an operation needs exactly one
// config or service but the targets resolve to several.
type AmbiguousTargetError struct {
	// What describes the ambiguous selection, e.g. "config" or "service".
	What string
	// Candidates lists what the target matched.
	Candidates []string
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("ambiguous %s, matches: %s", e.What, strings.Join(e.Candidates, ", "))
}

// IsAmbiguousTarget checks if an error is or wraps an AmbiguousTargetError.
func IsAmbiguousTarget(err error) bool {
	var target *AmbiguousTargetError
	return errors.As(err, &target)
}

// BackendCommandError carries the details of a failed native command
// (supervisorctl, systemctl, a D-Bus call).
type BackendCommandError struct {
	Backend  string
	Command  string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *BackendCommandError) Error() string {
	msg := fmt.Sprintf("%s: command %q failed", e.Backend, strings.TrimSpace(e.Command+" "+strings.Join(e.Args, " ")))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *BackendCommandError) Unwrap() error { return e.Err }

// IsBackendCommand checks if an error is or wraps a BackendCommandError.
func IsBackendCommand(err error) bool {
	var target *BackendCommandError
	return errors.As(err, &target)
}

// OwnershipConflictError is returned when an artifact carrying this
// controller's naming convention is attributed to a different declaration.
type OwnershipConflictError struct {
	Artifact string
	// Owner is the path hash found in the artifact's marker.
	Owner string
	// Expected is the path hash of the declaration that wanted the artifact.
	Expected string
	// Foreign is set when the artifact carries no galaxyctl marker at all.
	Foreign bool
}

func (e *OwnershipConflictError) Error() string {
	if e.Foreign {
		return fmt.Sprintf("artifact %s is not managed by galaxyctl, refusing to overwrite it", e.Artifact)
	}
	return fmt.Sprintf("artifact %s is owned by config %s, not %s", e.Artifact, e.Owner, e.Expected)
}

// IsOwnershipConflict checks if an error is or wraps an OwnershipConflictError.
func IsOwnershipConflict(err error) bool {
	var target *OwnershipConflictError
	return errors.As(err, &target)
}

// StoreCorruptError is returned when the state store exists but cannot be
// parsed.
type StoreCorruptError struct {
	Path string
	Err  error
}

func (e *StoreCorruptError) Error() string {
	return fmt.Sprintf("state store %s is corrupt: %v", e.Path, e.Err)
}

func (e *StoreCorruptError) Unwrap() error { return e.Err }

// IsStoreCorrupt checks if an error is or wraps a StoreCorruptError.
func IsStoreCorrupt(err error) bool {
	var target *StoreCorruptError
	return errors.As(err, &target)
}

// ErrTimeout is wrapped by every TimeoutError.
var ErrTimeout = errors.New("timed out")

// TimeoutError reports a bounded wait that expired: daemon startup, daemon
// shutdown or a replica readiness check.
type TimeoutError struct {
	Operation string
	Seconds   float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v after %gs", e.Operation, ErrTimeout, e.Seconds)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IsTimeout checks if an error is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// RollingRestartError reports the replica at which a rolling restart
// aborted. Replicas before it were restarted, replicas after it were not
// touched.
type RollingRestartError struct {
	Service string
	Replica int
	Err     error
}

func (e *RollingRestartError) Error() string {
	return fmt.Sprintf("rolling restart of %s aborted at replica %d: %v", e.Service, e.Replica, e.Err)
}

func (e *RollingRestartError) Unwrap() error { return e.Err }

// IsRollingRestart checks if an error is or wraps a RollingRestartError.
func IsRollingRestart(err error) bool {
	var target *RollingRestartError
	return errors.As(err, &target)
}
