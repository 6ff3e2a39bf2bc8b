package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"galaxyctl/internal/app"
	"galaxyctl/internal/formatting"
)

var (
	updateForce           bool
	updateClean           bool
	updateAllowDegraded   bool
	updateWatch           bool
	updateDebounce        time.Duration
	updateMetricsTextfile string
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Reconcile process manager artifacts with the registered declarations",
	Long: `Reload every registered declaration, render the supervisord program
stanzas, systemd units and virtualenvs it needs, and remove artifacts that
are no longer declared. The state is only saved when every process manager
was updated successfully.

With --clean the artifacts are removed instead; --clean --force removes
every artifact galaxyctl owns, registered or not.

With --watch galaxyctl keeps running and updates again whenever a
registered declaration changes.`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if updateWatch && updateClean {
		return fmt.Errorf("--watch cannot be combined with --clean")
	}
	if updateClean && updateForce && isTerminal(cmd.InOrStdin()) {
		ok, err := confirm("Remove every artifact owned by galaxyctl, including unregistered ones?")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	opts := app.UpdateOptions{
		Force:           updateForce,
		Clean:           updateClean,
		AllowDegraded:   updateAllowDegraded,
		MetricsTextfile: updateMetricsTextfile,
	}

	return withApplication(cmd, func(a *app.Application) error {
		if updateWatch {
			ctx, cancel := app.WithInterrupt(cmd.Context())
			defer cancel()
			return a.Watch(ctx, opts, updateDebounce)
		}

		var report *app.UpdateReport
		err := withSpinner("Updating process manager artifacts", func() error {
			var err error
			report, err = a.Update(cmd.Context(), opts)
			return err
		})
		if report != nil && outputFormat != string(formatting.FormatTable) {
			f, ferr := newFormatter(cmd)
			if ferr != nil {
				return ferr
			}
			if ferr := f.FormatData(reportData(report)); ferr != nil && err == nil {
				err = ferr
			}
		}
		return err
	})
}

func reportData(r *app.UpdateReport) map[string]interface{} {
	backends := make(map[string]interface{}, len(r.Backends))
	for pm, res := range r.Backends {
		backends[string(pm)] = map[string]interface{}{
			"written":   res.Written,
			"removed":   res.Removed,
			"refreshed": res.Refreshed,
		}
	}
	changes := r.Changes
	if changes == nil {
		changes = []string{}
	}
	degraded := r.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	return map[string]interface{}{
		"changes":  changes,
		"degraded": degraded,
		"backends": backends,
	}
}

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.Flags().BoolVar(&updateForce, "force", false, "Rewrite every artifact even when unchanged")
	updateCmd.Flags().BoolVar(&updateClean, "clean", false, "Remove artifacts instead of rendering them")
	updateCmd.Flags().BoolVar(&updateAllowDegraded, "allow-degraded", false, "Succeed even when declarations fail to reload")
	updateCmd.Flags().BoolVarP(&updateWatch, "watch", "w", false, "Keep running and update when a declaration changes")
	updateCmd.Flags().DurationVar(&updateDebounce, "debounce", time.Second, "Quiet period after a change before updating in watch mode")
	updateCmd.Flags().StringVar(&updateMetricsTextfile, "metrics-textfile", "", "Write reconciliation metrics to this file in the Prometheus text format")
}
