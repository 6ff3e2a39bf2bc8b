package cmd

import (
	"github.com/spf13/cobra"

	"galaxyctl/internal/app"
	"galaxyctl/internal/procmgr"
)

var (
	execReplica int
	execNoExec  bool
)

var execCmd = &cobra.Command{
	Use:   "exec [INSTANCE] SERVICE",
	Short: "Run a service in place of galaxyctl",
	Long: `Replace galaxyctl with the command of one service, with the environment the
process manager would give it. This is what the generated supervisord and
systemd entries run.

The instance may be omitted when only one is registered. Services with more
than one replica need --replica.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.Exec(args, execReplica, execNoExec)
		})
	},
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().IntVarP(&execReplica, "replica", "i", procmgr.NoReplica, "Replica index of the service to run")
	execCmd.Flags().BoolVarP(&execNoExec, "no-exec", "n", false, "Print the command and environment instead of running it")
}
