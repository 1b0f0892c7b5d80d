package job

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/coursefactory/internal/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*FileStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewFileStore(t.TempDir(), WithClock(clock.Now)), clock
}

func kbJob(t *testing.T, id string) *Job {
	t.Helper()
	snap, err := config.Default().Snapshot(config.KindKnowledgeBase, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return &Job{
		ID:     id,
		Kind:   config.KindKnowledgeBase,
		Input:  Input{Documents: []Document{{ID: "doc", Text: "hello"}}},
		Config: *snap,
	}
}

func createRunning(t *testing.T, s *FileStore, id string) {
	t.Helper()
	if err := s.Create(kbJob(t, id)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.TransitionStatus(id, StatusQueued, StatusRunning); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
}

func success(stage string, attempt int) StageResult {
	return StageResult{Stage: stage, Attempt: attempt, Outcome: OutcomeSuccess, TierName: "t"}
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	j := kbJob(t, "job-1")
	if err := s.Create(j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", j.Status, StatusQueued)
	}
	if j.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("CreatedAt = %q, want %q", j.CreatedAt, "2026-03-01T12:00:00Z")
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != config.KindKnowledgeBase {
		t.Errorf("Kind = %q, want %q", got.Kind, config.KindKnowledgeBase)
	}
	if len(got.Config.Stages) != 3 {
		t.Errorf("Config.Stages has %d entries, want 3", len(got.Config.Stages))
	}
	if got.Input.Documents[0].Text != "hello" {
		t.Errorf("Documents[0].Text = %q, want %q", got.Input.Documents[0].Text, "hello")
	}
}

func TestCreateDuplicate(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Create(kbJob(t, "dup")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(kbJob(t, "dup"))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestCreateRejectsPathID(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Create(kbJob(t, "../escape")); err == nil {
		t.Fatal("expected error for id containing a path")
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	_, err := s.TransitionStatus("j", StatusQueued, StatusRunning)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale from: err = %v, want ErrConflict", err)
	}

	_, err = s.TransitionStatus("j", StatusRunning, StatusRetrying)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RUNNING -> RETRYING: err = %v, want ErrInvalidTransition", err)
	}

	j, err := s.TransitionStatus("j", StatusRunning, StatusCompleted)
	if err != nil {
		t.Fatalf("RUNNING -> COMPLETED: %v", err)
	}
	if j.Status != StatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", j.Status)
	}

	_, err = s.TransitionStatus("j", StatusCompleted, StatusFailed)
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("from terminal: err = %v, want ErrTerminal", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusStageFailed, true},
		{StatusStageFailed, StatusRetrying, true},
		{StatusRetrying, StatusRunning, true},
		{StatusStageFailed, StatusFailed, true},
		{StatusRunning, StatusCancelling, true},
		{StatusCancelling, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusCancelled, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalRejectsMutation(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")
	if _, err := s.TransitionStatus("j", StatusRunning, StatusFailed); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	if err := s.RecordError("j", ErrorRecord{Stage: "x"}); !errors.Is(err, ErrTerminal) {
		t.Errorf("RecordError: err = %v, want ErrTerminal", err)
	}
	if _, err := s.AppendStageResult("j", success(config.StageDocumentExtraction, 1)); !errors.Is(err, ErrTerminal) {
		t.Errorf("AppendStageResult: err = %v, want ErrTerminal", err)
	}
}

func TestClaimStage(t *testing.T) {
	s, clock := newTestStore(t)
	createRunning(t, s, "j")

	c, err := s.ClaimStage("j", config.StageDocumentExtraction, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if c.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", c.Attempt)
	}

	_, err = s.ClaimStage("j", config.StageDocumentExtraction, "w2", time.Minute)
	if !errors.Is(err, ErrStageClaimed) {
		t.Fatalf("second claim: err = %v, want ErrStageClaimed", err)
	}

	j, _ := s.Get("j")
	if len(j.CurrentStages) != 1 || j.CurrentStages[0] != config.StageDocumentExtraction {
		t.Errorf("CurrentStages = %v, want [%s]", j.CurrentStages, config.StageDocumentExtraction)
	}

	// An expired claim is reclaimable by another owner.
	clock.Advance(2 * time.Minute)
	c2, err := s.ClaimStage("j", config.StageDocumentExtraction, "w2", time.Minute)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if c2.Owner != "w2" {
		t.Errorf("Owner = %q, want %q", c2.Owner, "w2")
	}
}

func TestClaimRequiresRunning(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Create(kbJob(t, "j")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := s.ClaimStage("j", config.StageDocumentExtraction, "w", time.Minute)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestClaimUnknownStage(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	_, err := s.ClaimStage("j", "video-assembly", "w", time.Minute)
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("err = %v, want ErrUnknownStage", err)
	}
}

func TestReleaseStage(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	if _, err := s.ClaimStage("j", config.StageDocumentExtraction, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if err := s.ReleaseStage("j", config.StageDocumentExtraction, "w2"); !errors.Is(err, ErrConflict) {
		t.Errorf("foreign release: err = %v, want ErrConflict", err)
	}
	if err := s.ReleaseStage("j", config.StageDocumentExtraction, "w1"); err != nil {
		t.Fatalf("ReleaseStage: %v", err)
	}
	if err := s.ReleaseStage("j", config.StageDocumentExtraction, "w1"); err != nil {
		t.Errorf("second release should be a no-op, got %v", err)
	}

	j, _ := s.Get("j")
	if len(j.Active) != 0 {
		t.Errorf("Active = %v, want empty", j.Active)
	}
}

func TestRenewStage(t *testing.T) {
	s, clock := newTestStore(t)
	createRunning(t, s, "j")
	stage := config.StageDocumentExtraction

	if _, err := s.ClaimStage("j", stage, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	clock.Advance(50 * time.Second)
	if err := s.RenewStage("j", stage, "w1", time.Minute); err != nil {
		t.Fatalf("RenewStage: %v", err)
	}
	clock.Advance(50 * time.Second)

	// Past the original expiry but inside the renewed one.
	if _, err := s.ClaimStage("j", stage, "w2", time.Minute); !errors.Is(err, ErrStageClaimed) {
		t.Errorf("claim after renew: err = %v, want ErrStageClaimed", err)
	}
	j, _ := s.Get("j")
	if !j.InFlight(clock.Now()) {
		t.Error("renewed claim should keep the stage in flight")
	}

	if err := s.RenewStage("j", stage, "w2", time.Minute); !errors.Is(err, ErrConflict) {
		t.Errorf("foreign renew: err = %v, want ErrConflict", err)
	}
	if err := s.RenewStage("j", config.StageDocumentIndexing, "w1", time.Minute); !errors.Is(err, ErrConflict) {
		t.Errorf("renew without claim: err = %v, want ErrConflict", err)
	}
}

func TestAppendStageResult(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	_, err := s.AppendStageResult("j", success(config.StageDocumentIndexing, 1))
	if !errors.Is(err, ErrPredecessorMissing) {
		t.Fatalf("append before predecessor: err = %v, want ErrPredecessorMissing", err)
	}

	if _, err := s.ClaimStage("j", config.StageDocumentExtraction, "w", time.Minute); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	j, err := s.AppendStageResult("j", success(config.StageDocumentExtraction, 1))
	if err != nil {
		t.Fatalf("AppendStageResult: %v", err)
	}
	if len(j.Active) != 0 {
		t.Errorf("claim should be dropped on append, Active = %v", j.Active)
	}
	if !j.Succeeded(config.StageDocumentExtraction) {
		t.Error("extraction should be succeeded")
	}
	if j.Results[0].FinishedAt.IsZero() {
		t.Error("FinishedAt should be stamped")
	}

	_, err = s.AppendStageResult("j", success(config.StageDocumentExtraction, 2))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second success: err = %v, want ErrConflict", err)
	}

	ready := j.Ready(s.Now())
	if len(ready) != 2 {
		t.Errorf("Ready = %v, want indexing and summarization", ready)
	}
}

func TestAppendStaleAttempt(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	if _, err := s.AppendStageResult("j", StageResult{Stage: config.StageDocumentExtraction, Attempt: 1, Outcome: OutcomeFailure}); err != nil {
		t.Fatalf("append failure: %v", err)
	}
	c, err := s.ClaimStage("j", config.StageDocumentExtraction, "w", time.Minute)
	if err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if c.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", c.Attempt)
	}
	_, err = s.AppendStageResult("j", success(config.StageDocumentExtraction, 1))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale attempt: err = %v, want ErrConflict", err)
	}
}

func TestRecordAndListErrors(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	for i := 1; i <= 2; i++ {
		rec := ErrorRecord{Stage: config.StageDocumentIndexing, Attempt: i, Kind: "transient", Message: "boom"}
		if err := s.RecordError("j", rec); err != nil {
			t.Fatalf("RecordError: %v", err)
		}
	}
	errs, err := s.ListErrors("j")
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("ListErrors returned %d, want 2", len(errs))
	}
	if errs[1].Attempt != 2 {
		t.Errorf("errs[1].Attempt = %d, want 2", errs[1].Attempt)
	}
	if errs[0].At.IsZero() {
		t.Error("At should be stamped")
	}
}

func TestListWithFilter(t *testing.T) {
	s, clock := newTestStore(t)

	for _, id := range []string{"b", "a", "c"} {
		if err := s.Create(kbJob(t, id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
		clock.Advance(time.Second)
	}
	if _, err := s.TransitionStatus("a", StatusQueued, StatusRunning); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d, want 3", len(all))
	}
	if all[0].ID != "b" || all[2].ID != "c" {
		t.Errorf("List order = %s,%s,%s, want creation order b,a,c", all[0].ID, all[1].ID, all[2].ID)
	}

	running, err := s.List(StatusRunning)
	if err != nil {
		t.Fatalf("List running: %v", err)
	}
	if len(running) != 1 || running[0].ID != "a" {
		t.Errorf("List RUNNING = %v, want [a]", running)
	}
}

func TestListEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope"))

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("List returned %d, want 0", len(all))
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.Create(kbJob(t, "gone"))

	if err := s.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(s.jobDir("gone")); !os.IsNotExist(err) {
		t.Error("job directory should not exist after Delete")
	}
	if err := s.Delete("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentClaims(t *testing.T) {
	s, _ := newTestStore(t)
	createRunning(t, s, "j")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ClaimStage("j", config.StageDocumentExtraction, "w", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", wins)
	}
}

func TestArtifacts(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.Create(kbJob(t, "j"))

	ref, err := s.PutArtifact("j", "document-extraction", 2, "doc.txt", []byte("body"))
	if err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	if ref != "artifacts/document-extraction/attempt-2/doc.txt" {
		t.Errorf("ref = %q", ref)
	}
	data, err := s.ReadArtifact("j", ref)
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(data) != "body" {
		t.Errorf("data = %q, want %q", data, "body")
	}

	if _, err := s.PutArtifact("j", "x", 1, "../evil", nil); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("PutArtifact ../evil: err = %v, want ErrInvalidRef", err)
	}
	if _, err := s.ReadArtifact("j", "../../etc/passwd"); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("ReadArtifact escape: err = %v, want ErrInvalidRef", err)
	}
}

func TestParseStatus(t *testing.T) {
	if st, ok := ParseStatus("running"); !ok || st != StatusRunning {
		t.Errorf("ParseStatus(running) = %q, %v", st, ok)
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Error("ParseStatus(bogus) should fail")
	}
}
