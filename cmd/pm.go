package cmd

import (
	"github.com/spf13/cobra"

	"galaxyctl/internal/app"
	"galaxyctl/internal/config"
)

var pmProcessManager string

var pmCmd = &cobra.Command{
	Use:     "pm [--process-manager NAME] ARGS...",
	Aliases: []string{"supervisorctl"},
	Short:   "Run supervisorctl or systemctl directly",
	Long: `Pass arguments to the native command line of a process manager:
supervisorctl for supervisor, systemctl for systemd. supervisord is started
first when needed. Flags after the first argument are passed through.

The process manager may be omitted when every registered declaration uses
the same one.

Examples:
  galaxyctl pm status
  galaxyctl pm --process-manager systemd list-units 'galaxy-*'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.PM(cmd.Context(), config.ProcessManager(pmProcessManager), args)
		})
	},
}

func init() {
	rootCmd.AddCommand(pmCmd)

	pmCmd.Flags().SetInterspersed(false)
	pmCmd.Flags().StringVar(&pmProcessManager, "process-manager", "", "Process manager to pass the arguments to")
}
