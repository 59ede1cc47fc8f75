package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/headline-goat/post-goat/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the public tracking server",
		Long: `Start the post-goat tracking server.

The server provides:
  - Beacon endpoint for tracking events (POST /b)
  - Variation assignment (GET /assign?test=...&id=...)
  - Prometheus metrics (GET /metrics)
  - Health check endpoint (GET /health)

Example:
  post-goat serve --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, e *env) error {
				if cmd.Flags().Changed("port") {
					e.cfg.Port = port
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				srv := server.New(e.service, e.store, e.registry, e.logger, e.cfg.Port)

				out := cmd.OutOrStdout()
				fmt.Fprintln(out)
				fmt.Fprintf(out, "post-goat running on http://localhost:%d\n", srv.Port())
				fmt.Fprintf(out, "Beacon:  POST http://localhost:%d/b\n", srv.Port())
				fmt.Fprintf(out, "Metrics: http://localhost:%d/metrics\n", srv.Port())
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Press Ctrl+C to stop")

				return srv.Start(ctx)
			})
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}
