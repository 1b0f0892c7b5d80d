package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/db"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "factory.db"))
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })
	return d
}

// fakeRunner returns a canned result per job id.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*orchestrator.AdvanceResult
	errs    map[string]error
	ran     []string
}

func (f *fakeRunner) Run(_ context.Context, id string) (*orchestrator.AdvanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, id)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return &orchestrator.AdvanceResult{JobID: id, Action: orchestrator.ActionCompleted, Status: job.StatusCompleted}, nil
}

func (f *fakeRunner) ranJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func newTestPool(d *db.DB, r Runner) *Pool {
	return NewPool(PoolOpts{
		Queue:        d,
		Runner:       r,
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     time.Minute,
		Logger:       logging.Discard(),
	})
}

func queueStatusOf(t *testing.T, d *db.DB, id string) string {
	t.Helper()
	item, err := d.QueueGet(id)
	require.NoError(t, err)
	return item.Status
}

func TestProcessOneEmptyQueue(t *testing.T) {
	d := openDB(t)
	p := newTestPool(d, &fakeRunner{})
	worked, err := p.ProcessOne(context.Background(), "w")
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessOneMapsOutcomeToQueueStatus(t *testing.T) {
	d := openDB(t)
	for _, id := range []string{"done", "failed", "held", "waiting", "cancelled"} {
		require.NoError(t, d.Enqueue(id, config.KindCourse))
	}
	runner := &fakeRunner{results: map[string]*orchestrator.AdvanceResult{
		"failed":    {Action: orchestrator.ActionFailed, Status: job.StatusFailed},
		"held":      {Action: orchestrator.ActionHeld, Status: job.StatusStageFailed},
		"waiting":   {Action: orchestrator.ActionWaiting, Status: job.StatusRunning},
		"cancelled": {Action: orchestrator.ActionCancelled, Status: job.StatusCancelled},
	}}
	p := newTestPool(d, runner)

	for i := 0; i < 5; i++ {
		worked, err := p.ProcessOne(context.Background(), "w")
		require.NoError(t, err)
		require.True(t, worked)
		if i == 3 {
			// "waiting" was released and would be leased again; park it.
			require.NoError(t, d.QueueRemove("waiting"))
		}
	}

	assert.Equal(t, db.QueueDone, queueStatusOf(t, d, "done"))
	assert.Equal(t, db.QueueFailed, queueStatusOf(t, d, "failed"))
	assert.Equal(t, db.QueueDone, queueStatusOf(t, d, "held"))
	assert.Equal(t, db.QueueDone, queueStatusOf(t, d, "cancelled"))
	assert.Equal(t, []string{"done", "failed", "held", "waiting", "cancelled"}, runner.ranJobs())
	assert.EqualValues(t, 5, p.Processed())
}

func TestProcessOneReleasesOnError(t *testing.T) {
	d := openDB(t)
	require.NoError(t, d.Enqueue("a", config.KindCourse))
	runner := &fakeRunner{errs: map[string]error{"a": errors.New("disk full")}}
	p := newTestPool(d, runner)

	worked, err := p.ProcessOne(context.Background(), "w")
	assert.True(t, worked)
	assert.ErrorContains(t, err, "disk full")

	item, err := d.QueueGet("a")
	require.NoError(t, err)
	assert.Equal(t, db.QueuePending, item.Status)
	assert.Empty(t, item.LeaseOwner)
}

func TestProcessOneDropsMissingJob(t *testing.T) {
	d := openDB(t)
	require.NoError(t, d.Enqueue("ghost", config.KindCourse))
	runner := &fakeRunner{errs: map[string]error{"ghost": job.ErrNotFound}}
	p := newTestPool(d, runner)

	_, err := p.ProcessOne(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, db.QueueFailed, queueStatusOf(t, d, "ghost"))
}

func TestPoolRunDrainsQueue(t *testing.T) {
	d := openDB(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Enqueue(id, config.KindCourse))
	}
	runner := &fakeRunner{}
	p := NewPool(PoolOpts{Queue: d, Runner: runner, Workers: 2, PollInterval: 5 * time.Millisecond, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Processed() == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, db.QueueDone, queueStatusOf(t, d, id))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, runner.ranJobs())
}

func TestPoolRejectsSecondRun(t *testing.T) {
	d := openDB(t)
	p := newTestPool(d, &fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, p.Run(ctx))
	cancel()
	require.NoError(t, <-done)
}

func TestSweepRequeuesOrphans(t *testing.T) {
	d := openDB(t)
	store, err := job.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	snap, err := config.Default().Snapshot(config.KindCourse, nil)
	require.NoError(t, err)
	create := func(id string, status job.Status) {
		require.NoError(t, store.Create(&job.Job{ID: id, Kind: config.KindCourse, Config: *snap, Status: job.StatusQueued}))
		if status == job.StatusRunning || status == job.StatusStageFailed {
			_, err := store.TransitionStatus(id, job.StatusQueued, job.StatusRunning)
			require.NoError(t, err)
		}
		if status == job.StatusStageFailed {
			_, err := store.TransitionStatus(id, job.StatusRunning, job.StatusStageFailed)
			require.NoError(t, err)
		}
	}
	create("orphan", job.StatusQueued)
	create("running", job.StatusRunning)
	create("queued", job.StatusQueued)
	create("held", job.StatusStageFailed)
	require.NoError(t, d.Enqueue("queued", config.KindCourse))

	// A lease whose worker died.
	d.SetClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	require.NoError(t, d.Enqueue("running", config.KindCourse))
	item, err := d.QueueLease("dead-worker", time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	d.SetClock(time.Now)

	s := NewSweeper(d, store, time.Minute, logging.Discard())
	res, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reaped)
	assert.Equal(t, 1, res.Requeued)

	assert.Equal(t, db.QueuePending, queueStatusOf(t, d, "orphan"))
	assert.Equal(t, db.QueuePending, queueStatusOf(t, d, "running"))
	_, err = d.QueueGet("held")
	assert.ErrorIs(t, err, db.ErrNotQueued)

	again, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)
}

func TestSweeperStartStop(t *testing.T) {
	d := openDB(t)
	store, err := job.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	s := NewSweeper(d, store, time.Hour, logging.Discard())
	require.NoError(t, s.Start())
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
