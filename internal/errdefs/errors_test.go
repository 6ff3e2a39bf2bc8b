package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHelpers_Unwrap(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"declaration", NewDeclarationError("/srv/galaxy.yml", errors.New("bad yaml")), IsDeclarationError},
		{"unknown target", &UnknownTargetError{Targets: []string{"nope"}}, IsUnknownTarget},
		{"ambiguous", &AmbiguousTargetError{What: "config", Candidates: []string{"a", "b"}}, IsAmbiguousTarget},
		{"backend", &BackendCommandError{Backend: "supervisor", Command: "supervisorctl"}, IsBackendCommand},
		{"ownership", &OwnershipConflictError{Artifact: "galaxy-main.target"}, IsOwnershipConflict},
		{"store", &StoreCorruptError{Path: "configstate.yaml", Err: errors.New("x")}, IsStoreCorrupt},
		{"timeout", &TimeoutError{Operation: "supervisord startup", Seconds: 10}, IsTimeout},
		{"rolling", &RollingRestartError{Service: "gunicorn", Replica: 1, Err: errors.New("x")}, IsRollingRestart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(wrapped))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestBackendCommandError_Message(t *testing.T) {
	err := &BackendCommandError{
		Backend:  "supervisor",
		Command:  "supervisorctl",
		Args:     []string{"start", "gunicorn"},
		ExitCode: 7,
		Output:   "gunicorn: ERROR (spawn error)\n",
	}
	assert.Equal(t, "supervisor: command \"supervisorctl start gunicorn\" failed with exit code 7\ngunicorn: ERROR (spawn error)", err.Error())
}

func TestRollingRestartError_WrapsTimeout(t *testing.T) {
	err := &RollingRestartError{
		Service: "gunicorn",
		Replica: 2,
		Err:     &TimeoutError{Operation: "readiness of gunicorn_2", Seconds: 300},
	}
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "replica 2")
}
