package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/coursefactory/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and dashboard",
	Long: `Start the HTTP API (/api/...), the browser dashboard (/), /healthz and,
when metrics are enabled, /metrics.

By default the server also runs the worker pool and the queue sweeper, so
one process accepts submissions and executes them. Pass --no-workers to run
workers separately with 'factory worker'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Factory.Listen
		}
		noWorkers, _ := cmd.Flags().GetBool("no-workers")

		srv := api.NewServer(api.ServerConfig{
			Addr:         addr,
			Orchestrator: a.orch,
			Retrieval:    a.retrieval,
			History:      a.db,
			Metrics:      a.metricsHandler(),
			Logger:       a.logger,
			Version:      version,
		})

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if !noWorkers {
			sweeper, err := a.startSweeper()
			if err != nil {
				return err
			}
			defer sweeper.Stop()

			pool := a.newPool()
			g.Go(func() error {
				if err := pool.Run(gctx); err != nil && gctx.Err() == nil {
					return err
				}
				return nil
			})
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "factory serve: listening on %s\n", addr)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: factory.listen)")
	serveCmd.Flags().Bool("no-workers", false, "Serve the API only; do not run jobs in this process")
}
