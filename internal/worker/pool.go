// Package worker runs jobs from the durable queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/coursefactory/internal/db"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
)

// Queue is the lease side of the job queue. *db.DB implements it.
type Queue interface {
	QueueLease(owner string, ttl time.Duration) (*db.QueueItem, error)
	QueueRenew(jobID, owner string, ttl time.Duration) error
	QueueRelease(jobID, owner string) error
	QueueFinish(jobID, owner, status string) error
}

// Runner drives one job until it stops making progress.
// *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, id string) (*orchestrator.AdvanceResult, error)
}

// PoolOpts configures a Pool.
type PoolOpts struct {
	Queue        Queue
	Runner       Runner
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	// Name prefixes the lease owner of each worker.
	Name   string
	Logger *slog.Logger
}

// Pool leases jobs and runs them on a fixed number of goroutines.
type Pool struct {
	opts      PoolOpts
	logger    *slog.Logger
	processed atomic.Int64
	running   atomic.Bool
}

// NewPool creates a Pool. Zero values fall back to one worker, a 2s poll
// interval and a 10m lease.
func NewPool(opts PoolOpts) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 20 * time.Minute
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	return &Pool{opts: opts, logger: logging.WithComponent(opts.Logger, "worker")}
}

// Processed returns how many leased jobs the pool has run.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	if p.running.Swap(true) {
		return errors.New("worker pool already running")
	}
	defer p.running.Store(false)

	p.logger.Info("worker pool started", "workers", p.opts.Workers, "poll_interval", p.opts.PollInterval.String())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		owner := fmt.Sprintf("%s-%d", p.opts.Name, i)
		g.Go(func() error {
			p.loop(gctx, owner)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", "processed", p.Processed())
	return err
}

func (p *Pool) loop(ctx context.Context, owner string) {
	logger := p.logger.With(logging.Worker(owner))
	for {
		worked, err := p.ProcessOne(ctx, owner)
		if err != nil && ctx.Err() == nil {
			logger.Warn("worker iteration failed", logging.Error(err))
		}
		if worked && err == nil {
			continue
		}
		t := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// ProcessOne leases one job as owner and runs it. It reports false when the
// queue had nothing to lease.
func (p *Pool) ProcessOne(ctx context.Context, owner string) (bool, error) {
	item, err := p.opts.Queue.QueueLease(owner, p.opts.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if item == nil {
		return false, nil
	}
	logger := logging.WithJob(p.logger, item.JobID).With(logging.Worker(owner))
	logger.Info("job leased", "leases", item.Leases)

	stop := p.keepAlive(ctx, item.JobID, owner, logger)
	res, runErr := p.opts.Runner.Run(ctx, item.JobID)
	stop()
	p.processed.Add(1)

	if errors.Is(runErr, job.ErrNotFound) {
		logger.Warn("queued job no longer exists")
		return true, p.opts.Queue.QueueFinish(item.JobID, owner, db.QueueFailed)
	}
	if runErr != nil || res == nil {
		if err := p.opts.Queue.QueueRelease(item.JobID, owner); err != nil {
			logger.Warn("release lease", logging.Error(err))
		}
		if runErr == nil {
			runErr = errors.New("run returned no result")
		}
		return true, fmt.Errorf("run job %s: %w", item.JobID, runErr)
	}

	status, finished := queueStatus(res)
	if !finished {
		logger.Debug("job not finished, releasing", "action", res.Action)
		return true, p.opts.Queue.QueueRelease(item.JobID, owner)
	}
	logger.Info("job left queue", logging.JobStatus(string(res.Status)), "queue_status", status)
	return true, p.opts.Queue.QueueFinish(item.JobID, owner, status)
}

// queueStatus maps the last advance onto the queue row. Jobs held for an
// operator leave the queue; Retry enqueues them again.
func queueStatus(res *orchestrator.AdvanceResult) (string, bool) {
	switch {
	case res.Status == job.StatusFailed:
		return db.QueueFailed, true
	case res.Status.Terminal():
		return db.QueueDone, true
	case res.Action == orchestrator.ActionHeld:
		return db.QueueDone, true
	}
	return "", false
}

// keepAlive renews the lease at a third of its TTL until stop is called.
func (p *Pool) keepAlive(ctx context.Context, jobID, owner string, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.opts.LeaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.opts.Queue.QueueRenew(jobID, owner, p.opts.LeaseTTL); err != nil {
					logger.Warn("renew lease", logging.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
