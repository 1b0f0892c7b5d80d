package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tables := []string{"schema_version", "job_events", "stage_runs", "job_queue"}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path, err := DefaultDBPath(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("default path: %v", err)
	}
	if filepath.Base(path) != "factory.db" {
		t.Errorf("path = %s", path)
	}
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)

	if err := d.LogJobEvent("j1", "submitted", "", 0, ""); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	events, err := d.GetJobHistory("j1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty history after reset, got %d", len(events))
	}
}

func TestJobHistory(t *testing.T) {
	d := testDB(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d.SetClock(clock.now)

	if err := d.LogJobEvent("j1", "submitted", "", 0, "course"); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Second)
	if err := d.LogJobEvent("j1", "stage_completed", "domain-analysis", 1, "tier 0"); err != nil {
		t.Fatal(err)
	}
	if err := d.LogJobEvent("j2", "submitted", "", 0, ""); err != nil {
		t.Fatal(err)
	}

	events, err := d.GetJobHistory("j1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "stage_completed" || events[0].Stage != "domain-analysis" || events[0].Attempt != 1 {
		t.Errorf("newest event = %+v", events[0])
	}
	if events[1].Detail != "course" {
		t.Errorf("detail = %q", events[1].Detail)
	}
	if events[0].Timestamp != "2026-03-01T12:00:01.000Z" {
		t.Errorf("timestamp = %s", events[0].Timestamp)
	}
}

func TestStageRuns(t *testing.T) {
	d := testDB(t)
	runs := []StageRun{
		{JobID: "j1", Kind: "course", Stage: "avatar-video-generation", Attempt: 1, Tier: 1, TierName: "narrated-slides", Outcome: "success", DurationMs: 1200},
		{JobID: "j1", Kind: "course", Stage: "packaging", Attempt: 1, Outcome: "failure", ErrorKind: "permanent", DurationMs: 5},
	}
	for _, r := range runs {
		if err := d.LogStageRun(r); err != nil {
			t.Fatalf("log run: %v", err)
		}
	}
	if err := d.LogStageRun(StageRun{JobID: "j1", Kind: "course", Stage: "x", Outcome: "maybe"}); err == nil {
		t.Error("expected check constraint failure for unknown outcome")
	}

	got, err := d.GetStageRuns("j1")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].TierName != "narrated-slides" || got[0].ErrorKind != "" {
		t.Errorf("first run = %+v", got[0])
	}
	if got[1].ErrorKind != "permanent" || got[1].Timestamp == "" {
		t.Errorf("second run = %+v", got[1])
	}
}

func TestQueueAddAndList(t *testing.T) {
	d := testDB(t)
	err := d.QueueAdd([]QueueAddItem{
		{JobID: "a", Kind: "course"},
		{JobID: "b", Kind: "knowledge_base", Priority: 5},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	items, err := d.QueueList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].JobID != "a" || items[0].Position != 1 || items[1].Position != 2 {
		t.Errorf("unexpected ordering: %+v", items)
	}
	if items[0].Status != QueuePending {
		t.Errorf("status = %s", items[0].Status)
	}

	err = d.QueueAdd([]QueueAddItem{{JobID: "a", Kind: "course"}})
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}
}

func TestQueueLeaseOrder(t *testing.T) {
	d := testDB(t)
	if err := d.QueueAdd([]QueueAddItem{
		{JobID: "low", Kind: "course"},
		{JobID: "high", Kind: "course", Priority: 10},
		{JobID: "low2", Kind: "course"},
	}); err != nil {
		t.Fatal(err)
	}

	var order []string
	for {
		item, err := d.QueueLease("w1", time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if item == nil {
			break
		}
		if item.LeaseOwner != "w1" || item.Leases != 1 {
			t.Errorf("lease fields = %+v", item)
		}
		order = append(order, item.JobID)
	}
	want := []string{"high", "low", "low2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestQueueLeaseLifecycle(t *testing.T) {
	d := testDB(t)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d.SetClock(clock.now)

	if err := d.Enqueue("j1", "course"); err != nil {
		t.Fatal(err)
	}
	item, err := d.QueueLease("w1", time.Minute)
	if err != nil || item == nil {
		t.Fatalf("lease: %v %v", item, err)
	}

	if err := d.QueueRenew("j1", "w2", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("renew by other owner: %v", err)
	}
	if err := d.QueueRenew("j1", "w1", 2*time.Minute); err != nil {
		t.Errorf("renew: %v", err)
	}

	clock.advance(90 * time.Second)
	n, err := d.QueueReapExpired()
	if err != nil || n != 0 {
		t.Fatalf("reap before expiry: %d %v", n, err)
	}

	clock.advance(time.Minute)
	n, err = d.QueueReapExpired()
	if err != nil || n != 1 {
		t.Fatalf("reap after expiry: %d %v", n, err)
	}
	if err := d.QueueFinish("j1", "w1", QueueDone); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("finish after reap: %v", err)
	}

	item, err = d.QueueLease("w2", time.Minute)
	if err != nil || item == nil {
		t.Fatalf("re-lease: %v %v", item, err)
	}
	if item.Leases != 2 {
		t.Errorf("leases = %d", item.Leases)
	}
	if err := d.QueueFinish("j1", "w2", QueueDone); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := d.QueueGet("j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != QueueDone || got.FinishedAt == "" || got.LeaseOwner != "" {
		t.Errorf("finished item = %+v", got)
	}
}

func TestQueueRelease(t *testing.T) {
	d := testDB(t)
	if err := d.Enqueue("j1", "course"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.QueueLease("w1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueRelease("j1", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := d.QueueGet("j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != QueuePending {
		t.Errorf("status = %s", got.Status)
	}
	if err := d.QueueFinish("j1", "w1", "bogus"); err == nil {
		t.Error("expected invalid status error")
	}
}

func TestEnqueue(t *testing.T) {
	d := testDB(t)
	if err := d.Enqueue("j1", "course"); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue("j1", "course"); err != nil {
		t.Fatalf("second enqueue of pending job: %v", err)
	}
	if _, err := d.QueueLease("w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	// A leased row stays with its owner.
	if err := d.Enqueue("j1", "course"); err != nil {
		t.Fatal(err)
	}
	got, _ := d.QueueGet("j1")
	if got.Status != QueueLeased {
		t.Errorf("status after enqueue of leased job = %s", got.Status)
	}

	if err := d.QueueFinish("j1", "w1", QueueFailed); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue("j1", "course"); err != nil {
		t.Fatal(err)
	}
	got, _ = d.QueueGet("j1")
	if got.Status != QueuePending || got.FinishedAt != "" {
		t.Errorf("re-enqueued item = %+v", got)
	}

	items, _ := d.QueueList()
	if len(items) != 1 {
		t.Errorf("expected one row per job, got %d", len(items))
	}
}

func TestQueueRemoveAndClear(t *testing.T) {
	d := testDB(t)
	if err := d.QueueAdd([]QueueAddItem{{JobID: "a", Kind: "course"}, {JobID: "b", Kind: "course"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueRemove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := d.QueueRemove("a"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("remove missing: %v", err)
	}
	if _, err := d.QueueGet("a"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("get missing: %v", err)
	}
	n, err := d.QueueClear()
	if err != nil || n != 1 {
		t.Errorf("clear: %d %v", n, err)
	}
}
