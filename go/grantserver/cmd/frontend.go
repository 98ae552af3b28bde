package cmd

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/api"
)

var (
	frontendFlags serverFlags
	frontendPort  string
)

// frontendCmd serves the operator HTTP surface.
var frontendCmd = &cobra.Command{
	Use:   "frontend",
	Short: "Run the operator HTTP surface.",
	Long: `Serves the job-queue operator endpoints: creating test jobs,
processing the next job, and reading queue status.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDeps(ctx, frontendFlags, true)
		if err != nil {
			return err
		}
		defer d.db.Close()

		router := chi.NewRouter()
		api.New(d.queue, d.store, d.tracker, d.worker).AddHandlers(router)
		h := httputils.LoggingGzipRequestResponse(router)

		sklog.Infof("Ready to serve on %s", frontendPort)
		return http.ListenAndServe(frontendPort, h)
	},
}

func frontendInit() {
	rootCmd.AddCommand(frontendCmd)
	frontendFlags.register(frontendCmd.Flags())
	frontendCmd.Flags().StringVar(&frontendPort, "port", ":8000", "HTTP service port (e.g., ':8000')")
}
