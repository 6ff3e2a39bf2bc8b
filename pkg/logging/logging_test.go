package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		result := test.level.String()
		if result != test.expected {
			t.Errorf("LogLevel(%d).String() = %s, expected %s", test.level, result, test.expected)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{LogLevel(999), slog.LevelInfo},
	}

	for _, test := range tests {
		result := test.level.SlogLevel()
		if result != test.expected {
			t.Errorf("LogLevel(%d).SlogLevel() = %v, expected %v", test.level, result, test.expected)
		}
	}
}

func TestInitForCLI(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Info("test-subsystem", "test message %d", 42)
	Debug("test-subsystem", "hidden message")

	output := buf.String()
	assert.Contains(t, output, "test message 42")
	assert.Contains(t, output, "subsystem=test-subsystem")
	assert.NotContains(t, output, "hidden message")
}

func TestError_IncludesErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)

	Error("Store", errors.New("disk full"), "failed to write %s", "configstate.yaml")

	output := buf.String()
	assert.Contains(t, output, "level=ERROR")
	assert.Contains(t, output, "failed to write configstate.yaml")
	assert.Contains(t, output, `error="disk full"`)
}

func TestUserWarn(t *testing.T) {
	var buf bytes.Buffer
	SetConsole(&buf, false)
	t.Cleanup(func() { SetConsole(os.Stderr, true) })

	UserWarn("instance %s is degraded", "main")
	UserError("boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{"WARNING: instance main is degraded", "ERROR: boom"}, lines)
}

func TestUserWarn_Colored(t *testing.T) {
	var buf bytes.Buffer
	SetConsole(&buf, true)
	t.Cleanup(func() { SetConsole(os.Stderr, true) })

	UserWarn("careful")

	assert.Contains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "careful")
}
