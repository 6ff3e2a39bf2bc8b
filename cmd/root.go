package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeTarget indicates an unknown or ambiguous instance or service name.
	ExitCodeTarget = 2
	// ExitCodeDeclaration indicates a declaration file that could not be loaded.
	ExitCodeDeclaration = 3
	// ExitCodeBackend indicates a failed process manager command.
	ExitCodeBackend = 4
)

// Global flags.
var (
	stateDir     string
	debug        bool
	quiet        bool
	outputFormat string
)

// rootCmd represents the base command for the galaxyctl application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "galaxyctl",
	Short: "Manage Galaxy server processes",
	Long: `galaxyctl keeps the processes of one or more Galaxy servers under a process
manager. Declaration files describing the services are registered once;
"galaxyctl update" renders them into supervisord program stanzas or systemd
units and removes whatever is no longer declared, and the lifecycle commands
start, stop and reload the services through the selected process manager.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	// errors are printed by Execute with the exit code mapping
	SilenceErrors: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "galaxyctl version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		logging.UserError("%v", err)
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if errdefs.IsUnknownTarget(err) || errdefs.IsAmbiguousTarget(err) {
		return ExitCodeTarget
	}
	if errdefs.IsDeclarationError(err) {
		return ExitCodeDeclaration
	}

	if errdefs.IsBackendCommand(err) {
		return ExitCodeBackend
	}

	// Default to general error
	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", os.Getenv("GRAVITY_STATE_DIR"),
		"Directory holding the state document and process manager state (default $XDG_CONFIG_HOME/galaxy-gravity, env GRAVITY_STATE_DIR)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress informational output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format for list, show and status (table, yaml, json)")
}
