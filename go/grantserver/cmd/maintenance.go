package cmd

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/types"
)

var maintenanceFlags serverFlags

// abandonedRunAge is how old a still-running run with no live jobs must be
// before maintenance marks it failed.
const abandonedRunAge = 24 * time.Hour

// maintenanceCmd runs the one-shot queue maintenance tasks.
var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run the queue maintenance tasks once.",
	Long: `Resets failed jobs that still have attempts left back to pending,
deletes completed jobs older than the configured retention, and closes
runs that were abandoned with no live jobs.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDeps(ctx, maintenanceFlags, false)
		if err != nil {
			return err
		}
		defer d.db.Close()

		var result *multierror.Error
		retried, err := d.queue.RetryFailedJobs(ctx, types.DEFAULT_MAX_RETRIES)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			sklog.Infof("Reset %d failed jobs back to pending.", len(retried))
		}

		deleted, err := d.queue.CleanupOldJobs(ctx, d.cfg.Retention.CompletedJobDays)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			sklog.Infof("Deleted %d completed jobs older than %d days.", deleted, d.cfg.Retention.CompletedJobDays)
		}

		closed, err := d.sqlTracker.FailAbandonedRuns(ctx, abandonedRunAge)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			sklog.Infof("Closed %d abandoned runs.", closed)
		}
		return result.ErrorOrNil()
	},
}

func maintenanceInit() {
	rootCmd.AddCommand(maintenanceCmd)
	maintenanceFlags.register(maintenanceCmd.Flags())
}
