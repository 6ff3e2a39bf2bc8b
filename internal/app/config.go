package app

import (
	"io"
	"os"
)

// Config holds the application configuration
type Config struct {
	// Debug enables debug logging.
	Debug bool

	// Quiet suppresses informational log output.
	Quiet bool

	// StateDir is the directory holding the state document and the
	// backend state. Empty means state.DefaultStateDir.
	StateDir string

	// Output receives the output of native process manager commands and
	// followed logs. Defaults to os.Stdout.
	Output io.Writer
}

// NewConfig creates a new application configuration
func NewConfig(debug, quiet bool, stateDir string) *Config {
	return &Config{
		Debug:    debug,
		Quiet:    quiet,
		StateDir: stateDir,
		Output:   os.Stdout,
	}
}
