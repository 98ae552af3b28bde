package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/worker"
)

var workerFlags serverFlags

// workerCmd runs the job-processing worker pool.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job-processing workers.",
	Long: `Continuously polls the job queue, leases pending chunk jobs and
runs them through the ingestion pipeline.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDeps(ctx, workerFlags, true)
		if err != nil {
			return err
		}
		defer d.db.Close()

		interval := pollInterval(d.cfg)
		sklog.Infof("Starting %d workers, polling every %s.", d.cfg.Worker.PoolSize, interval)
		for i := 1; i < d.cfg.Worker.PoolSize; i++ {
			go worker.New(d.queue, d.store, d.pipeline, d.tracker, interval).Start(ctx)
		}
		d.worker.Start(ctx)
		return nil
	},
}

func workerInit() {
	rootCmd.AddCommand(workerCmd)
	workerFlags.register(workerCmd.Flags())
}
