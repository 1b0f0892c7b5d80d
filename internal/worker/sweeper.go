package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/lucasnoah/coursefactory/internal/db"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
)

// SweepQueue is the maintenance side of the job queue. *db.DB implements it.
type SweepQueue interface {
	QueueReapExpired() (int, error)
	QueueList() ([]db.QueueItem, error)
	Enqueue(jobID, kind string) error
}

// JobLister lists jobs by status. job.Store implements it.
type JobLister interface {
	List(status job.Status) ([]job.Job, error)
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Reaped   int `json:"reaped"`
	Requeued int `json:"requeued"`
}

// Sweeper periodically returns abandoned work to the queue: leases whose
// worker died, and runnable jobs that have no pending queue row.
type Sweeper struct {
	queue     SweepQueue
	jobs      JobLister
	interval  time.Duration
	logger    *slog.Logger
	scheduler gocron.Scheduler
}

// NewSweeper creates a Sweeper that runs every interval once started.
func NewSweeper(queue SweepQueue, jobs JobLister, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		queue:    queue,
		jobs:     jobs,
		interval: interval,
		logger:   logging.WithComponent(logger, "sweeper"),
	}
}

// Start schedules the sweep. It does not block.
func (s *Sweeper) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.run),
		gocron.WithName("queue-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.scheduler = sched
	sched.Start()
	s.logger.Info("sweeper started", "interval", s.interval.String())
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	return err
}

func (s *Sweeper) run() {
	res, err := s.Sweep()
	if err != nil {
		s.logger.Error("sweep failed", logging.Error(err))
		return
	}
	if res.Reaped > 0 || res.Requeued > 0 {
		s.logger.Info("sweep returned work to the queue", "reaped", res.Reaped, "requeued", res.Requeued)
	}
}

// runnable statuses are those a worker can make progress on. STAGE_FAILED
// jobs wait for an operator.
var runnable = []job.Status{job.StatusQueued, job.StatusRunning, job.StatusRetrying, job.StatusCancelling}

// Sweep performs one pass.
func (s *Sweeper) Sweep() (SweepResult, error) {
	var res SweepResult
	n, err := s.queue.QueueReapExpired()
	if err != nil {
		return res, fmt.Errorf("reap leases: %w", err)
	}
	res.Reaped = n

	items, err := s.queue.QueueList()
	if err != nil {
		return res, fmt.Errorf("list queue: %w", err)
	}
	live := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Status == db.QueuePending || it.Status == db.QueueLeased {
			live[it.JobID] = true
		}
	}

	for _, st := range runnable {
		jobs, err := s.jobs.List(st)
		if err != nil {
			return res, fmt.Errorf("list %s jobs: %w", st, err)
		}
		for _, j := range jobs {
			if live[j.ID] {
				continue
			}
			if err := s.queue.Enqueue(j.ID, j.Kind); err != nil {
				return res, fmt.Errorf("enqueue %s: %w", j.ID, err)
			}
			s.logger.Debug("requeued orphaned job", logging.JobID(j.ID), logging.JobStatus(string(st)))
			res.Requeued++
		}
	}
	return res, nil
}
