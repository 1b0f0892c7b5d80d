package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coursefactory/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Lease queued jobs and run them until interrupted",
	Long: `Start a pool of workers that lease jobs from the queue and run each one
until it finishes, is held for an operator, or is cancelled. A sweeper
reclaims expired leases and requeues runnable jobs that lost their queue
entry. Stop with SIGINT or SIGTERM; in-flight stages are released.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			a.cfg.Factory.Workers = n
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		sweeper, err := a.startSweeper()
		if err != nil {
			return err
		}
		defer sweeper.Stop()

		fmt.Fprintf(cmd.ErrOrStderr(), "factory worker: %d worker(s), data in %s\n", a.cfg.Factory.Workers, a.cfg.Factory.DataDir)
		if err := a.newPool().Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func (a *app) newPool() *worker.Pool {
	return worker.NewPool(worker.PoolOpts{
		Queue:        a.db,
		Runner:       a.orch,
		Workers:      a.cfg.Factory.Workers,
		PollInterval: a.cfg.Factory.PollIntervalDuration(),
		LeaseTTL:     a.cfg.Factory.LeaseTTLDuration(),
		Name:         hostName(),
		Logger:       a.logger,
	})
}

func (a *app) startSweeper() (*worker.Sweeper, error) {
	s := worker.NewSweeper(a.db, a.store, a.cfg.Factory.SweepIntervalDuration(), a.logger)
	if err := s.Start(); err != nil {
		return nil, fmt.Errorf("start sweeper: %w", err)
	}
	return s, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func hostName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}

func init() {
	workerCmd.Flags().Int("workers", 0, "Number of concurrent workers (default: factory.workers)")
}
