package job

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lucasnoah/coursefactory/internal/fileutil"
)

// Store persists jobs. Every mutation is serialized per job id and rejected
// once the job is terminal.
type Store interface {
	Create(j *Job) error
	Get(id string) (*Job, error)
	// List returns jobs in creation order. An empty status returns all jobs.
	List(status Status) ([]Job, error)
	// Update runs fn against the current job and persists the result if fn
	// returns nil.
	Update(id string, fn func(*Job) error) (*Job, error)
	// TransitionStatus moves the job from -> to, failing with ErrConflict if
	// the job is no longer in from.
	TransitionStatus(id string, from, to Status) (*Job, error)
	// ClaimStage leases stage for owner. The job must be RUNNING.
	ClaimStage(id, stage, owner string, ttl time.Duration) (*Claim, error)
	// RenewStage extends owner's claim on stage to now+ttl.
	RenewStage(id, stage, owner string, ttl time.Duration) error
	ReleaseStage(id, stage, owner string) error
	// AppendStageResult records a finished attempt and drops its claim.
	AppendStageResult(id string, r StageResult) (*Job, error)
	RecordError(id string, rec ErrorRecord) error
	ListErrors(id string) ([]ErrorRecord, error)
}

// BlobStore holds artifact payloads next to their job.
type BlobStore interface {
	PutArtifact(jobID, stage string, attempt int, name string, data []byte) (string, error)
	ReadArtifact(jobID, ref string) ([]byte, error)
	ArtifactPath(jobID, ref string) (string, error)
}

// FileStore keeps one job.json per job under baseDir/<id>/.
type FileStore struct {
	baseDir string
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var (
	_ Store     = (*FileStore)(nil)
	_ BlobStore = (*FileStore)(nil)
)

// Option configures a FileStore.
type Option func(*FileStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string, opts ...Option) *FileStore {
	s := &FileStore{baseDir: baseDir, now: time.Now, locks: make(map[string]*sync.Mutex)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenFileStore returns a FileStore at <dataDir>/jobs, creating the directory
// if needed.
func OpenFileStore(dataDir string, opts ...Option) (*FileStore, error) {
	dir := filepath.Join(dataDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewFileStore(dir, opts...), nil
}

// BaseDir returns the store's root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// Now returns the store's clock reading.
func (s *FileStore) Now() time.Time {
	return s.now()
}

func (s *FileStore) jobDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FileStore) jobPath(id string) string {
	return filepath.Join(s.jobDir(id), "job.json")
}

func (s *FileStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *FileStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Create writes a new job. It fails with ErrExists if the id is taken.
func (s *FileStore) Create(j *Job) error {
	if j.ID == "" || !filepath.IsLocal(j.ID) || filepath.Base(j.ID) != j.ID {
		return fmt.Errorf("create job: invalid id %q", j.ID)
	}
	defer s.lock(j.ID)()

	dir := s.jobDir(j.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("create job %s: %w", j.ID, ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return fmt.Errorf("mkdir artifacts: %w", err)
	}

	now := s.stamp()
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.Results == nil {
		j.Results = []StageResult{}
	}
	if j.Errors == nil {
		j.Errors = []ErrorRecord{}
	}
	if j.CurrentStages == nil {
		j.CurrentStages = []string{}
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := fileutil.WriteJSON(s.jobPath(j.ID), j); err != nil {
		return fmt.Errorf("write job.json: %w", err)
	}
	return nil
}

// Get reads the job with the given id.
func (s *FileStore) Get(id string) (*Job, error) {
	return s.read(id)
}

func (s *FileStore) read(id string) (*Job, error) {
	var j Job
	if err := fileutil.ReadJSON(s.jobPath(id), &j); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &j, nil
}

// Update performs a locked read-modify-write of the job.
func (s *FileStore) Update(id string, fn func(*Job) error) (*Job, error) {
	defer s.lock(id)()
	return s.update(id, fn)
}

func (s *FileStore) update(id string, fn func(*Job) error) (*Job, error) {
	j, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, fmt.Errorf("job %s is %s: %w", id, j.Status, ErrTerminal)
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = s.stamp()
	if err := fileutil.WriteJSON(s.jobPath(id), j); err != nil {
		return nil, fmt.Errorf("write job.json: %w", err)
	}
	return j, nil
}

// TransitionStatus is a compare-and-set on the job status.
func (s *FileStore) TransitionStatus(id string, from, to Status) (*Job, error) {
	return s.Update(id, func(j *Job) error {
		if j.Status != from {
			return fmt.Errorf("transition %s -> %s: job is %s: %w", from, to, j.Status, ErrConflict)
		}
		return j.Transition(to)
	})
}

// ClaimStage leases stage to owner until now+ttl. An expired claim held by
// anyone is taken over.
func (s *FileStore) ClaimStage(id, stage, owner string, ttl time.Duration) (*Claim, error) {
	var claim Claim
	_, err := s.Update(id, func(j *Job) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("claim %s: job is %s: %w", stage, j.Status, ErrConflict)
		}
		if j.Config.Pipeline().FindStage(stage) == nil {
			return fmt.Errorf("claim %s: %w", stage, ErrUnknownStage)
		}
		if j.Succeeded(stage) {
			return fmt.Errorf("claim %s: stage already succeeded: %w", stage, ErrConflict)
		}
		now := s.now()
		if c, ok := j.Active[stage]; ok && !c.Expired(now) {
			return fmt.Errorf("claim %s held by %s: %w", stage, c.Owner, ErrStageClaimed)
		}
		if j.Active == nil {
			j.Active = make(map[string]Claim)
		}
		claim = Claim{
			Attempt:   j.Attempts(stage) + 1,
			Owner:     owner,
			ClaimedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		j.Active[stage] = claim
		j.syncCurrentStages()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// RenewStage pushes the expiry of owner's claim on stage to now+ttl. The
// claim must still belong to owner; a lapsed claim nobody took over is
// renewed.
func (s *FileStore) RenewStage(id, stage, owner string, ttl time.Duration) error {
	_, err := s.Update(id, func(j *Job) error {
		c, ok := j.Active[stage]
		if !ok {
			return fmt.Errorf("renew %s: no claim: %w", stage, ErrConflict)
		}
		if c.Owner != owner {
			return fmt.Errorf("renew %s: held by %s: %w", stage, c.Owner, ErrConflict)
		}
		c.ExpiresAt = s.now().Add(ttl)
		j.Active[stage] = c
		return nil
	})
	return err
}

// ReleaseStage drops owner's claim on stage. Releasing an absent claim is a
// no-op; releasing someone else's is ErrConflict.
func (s *FileStore) ReleaseStage(id, stage, owner string) error {
	_, err := s.Update(id, func(j *Job) error {
		c, ok := j.Active[stage]
		if !ok {
			return nil
		}
		if c.Owner != owner {
			return fmt.Errorf("release %s: held by %s: %w", stage, c.Owner, ErrConflict)
		}
		delete(j.Active, stage)
		j.syncCurrentStages()
		return nil
	})
	return err
}

// AppendStageResult appends r. The stage's predecessors must all have
// succeeded and the stage itself must not have. A live claim for a different
// attempt means r is stale.
func (s *FileStore) AppendStageResult(id string, r StageResult) (*Job, error) {
	return s.Update(id, func(j *Job) error {
		st := j.Config.Pipeline().FindStage(r.Stage)
		if st == nil {
			return fmt.Errorf("append %s: %w", r.Stage, ErrUnknownStage)
		}
		for _, dep := range st.After {
			if !j.Succeeded(dep) {
				return fmt.Errorf("append %s: %s: %w", r.Stage, dep, ErrPredecessorMissing)
			}
		}
		if j.Succeeded(r.Stage) {
			return fmt.Errorf("append %s: stage already succeeded: %w", r.Stage, ErrConflict)
		}
		if c, ok := j.Active[r.Stage]; ok && c.Attempt != r.Attempt && !c.Expired(s.now()) {
			return fmt.Errorf("append %s attempt %d: claim is attempt %d: %w", r.Stage, r.Attempt, c.Attempt, ErrConflict)
		}
		if r.FinishedAt.IsZero() {
			r.FinishedAt = s.now().UTC()
		}
		if r.Artifacts == nil {
			r.Artifacts = []Artifact{}
		}
		j.Results = append(j.Results, r)
		delete(j.Active, r.Stage)
		j.syncCurrentStages()
		return nil
	})
}

// RecordError appends rec to the job's error history.
func (s *FileStore) RecordError(id string, rec ErrorRecord) error {
	_, err := s.Update(id, func(j *Job) error {
		if rec.At.IsZero() {
			rec.At = s.now().UTC()
		}
		j.Errors = append(j.Errors, rec)
		return nil
	})
	return err
}

// ListErrors returns the job's error history, oldest first.
func (s *FileStore) ListErrors(id string) ([]ErrorRecord, error) {
	j, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return j.Errors, nil
}

// List returns all jobs, optionally filtered by status.
func (s *FileStore) List(status Status) ([]Job, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var jobs []Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if status == "" || j.Status == status {
			jobs = append(jobs, *j)
		}
	}

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt != jobs[b].CreatedAt {
			return jobs[a].CreatedAt < jobs[b].CreatedAt
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

// Delete removes all data for a job.
func (s *FileStore) Delete(id string) error {
	defer s.lock(id)()
	dir := s.jobDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}
