package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"galaxyctl/internal/app"
)

var startForeground bool

var startCmd = &cobra.Command{
	Use:   "start [INSTANCE|SERVICE...]",
	Short: "Update artifacts and start services",
	Long: `Bring the process manager artifacts up to date and start the selected
services, or every registered service when no target is given.

When nothing is registered and no target is given, config/galaxy.yml in the
current directory (or $GALAXY_CONFIG_FILE) is registered first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if startForeground {
			var cancel context.CancelFunc
			ctx, cancel = app.WithInterrupt(ctx)
			defer cancel()
		}
		return withApplication(cmd, func(a *app.Application) error {
			return a.Start(ctx, args, startForeground)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [INSTANCE|SERVICE...]",
	Short: "Stop services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.Stop(cmd.Context(), args)
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [INSTANCE|SERVICE...]",
	Short: "Restart services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.Restart(cmd.Context(), args)
		})
	},
}

var gracefulCmd = &cobra.Command{
	Use:     "graceful [INSTANCE|SERVICE...]",
	Aliases: []string{"reload"},
	Short:   "Gracefully reload services",
	Long: `Reload the selected services using each service's graceful method: a
SIGHUP, a rolling restart of the replicas one at a time, or a plain restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.Graceful(cmd.Context(), args)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [INSTANCE|SERVICE...]",
	Short: "Show the state of services",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter(cmd)
		if err != nil {
			return err
		}
		return withApplication(cmd, func(a *app.Application) error {
			statuses, err := a.Status(cmd.Context(), args)
			if ferr := f.FormatStatus(statuses); ferr != nil && err == nil {
				err = ferr
			}
			return err
		})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop all services and the process manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd, func(a *app.Application) error {
			return a.Shutdown(cmd.Context())
		})
	},
}

var followCmd = &cobra.Command{
	Use:     "follow [INSTANCE|SERVICE...]",
	Aliases: []string{"logs"},
	Short:   "Follow service logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := app.WithInterrupt(cmd.Context())
		defer cancel()
		return withApplication(cmd, func(a *app.Application) error {
			return a.Follow(ctx, args)
		})
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, gracefulCmd, statusCmd, shutdownCmd, followCmd)

	startCmd.Flags().BoolVarP(&startForeground, "foreground", "f", false, "Run in the foreground and follow the logs")
}
