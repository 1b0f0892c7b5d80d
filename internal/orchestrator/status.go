package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/coursefactory/internal/job"
)

// Stage states reported by Status.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
)

// StageSummary is the per-stage view in StatusInfo.
type StageSummary struct {
	Stage     string `json:"stage"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Tier      int    `json:"tier,omitempty"`
	TierName  string `json:"tier_name,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Artifacts int    `json:"artifacts,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusInfo holds the status of a job.
type StatusInfo struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Status        job.Status        `json:"status"`
	Domain        string            `json:"domain,omitempty"`
	Documents     int               `json:"documents,omitempty"`
	CurrentStages []string          `json:"current_stages"`
	Percent       int               `json:"percent"`
	Stages        []StageSummary    `json:"stages,omitempty"`
	Errors        []job.ErrorRecord `json:"errors,omitempty"`
	FailedStage   string            `json:"failed_stage,omitempty"`
	Failure       string            `json:"failure,omitempty"`
	TestMode      bool              `json:"test_mode"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

func summarize(j *job.Job, now time.Time, detail bool) StatusInfo {
	info := StatusInfo{
		ID:            j.ID,
		Kind:          j.Kind,
		Status:        j.Status,
		Domain:        j.Input.Domain,
		Documents:     len(j.Input.Documents),
		CurrentStages: append([]string{}, j.CurrentStages...),
		Percent:       j.Percent(),
		FailedStage:   j.FailedStage,
		Failure:       j.Failure,
		TestMode:      j.Config.TestMode,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if !detail {
		return info
	}
	info.Errors = j.Errors
	for _, s := range j.Config.Stages {
		sum := StageSummary{Stage: s.ID, State: StagePending, Attempts: j.Attempts(s.ID)}
		switch r := j.LatestResult(s.ID); {
		case j.Succeeded(s.ID):
			ok := j.SuccessResult(s.ID)
			sum.State = StageSucceeded
			sum.Tier = ok.Tier
			sum.TierName = ok.TierName
			sum.Duration = ok.Duration
			sum.Artifacts = len(ok.Artifacts)
		case isActive(j, s.ID, now):
			sum.State = StageRunning
		case r != nil:
			sum.State = StageFailed
			sum.Error = r.Error
		}
		info.Stages = append(info.Stages, sum)
	}
	return info
}

func isActive(j *job.Job, stage string, now time.Time) bool {
	c, ok := j.Active[stage]
	return ok && !c.Expired(now)
}

// Status returns the detailed status of one job.
func (o *Orchestrator) Status(_ context.Context, id string) (*StatusInfo, error) {
	j, err := o.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	info := summarize(j, o.now(), true)
	return &info, nil
}

// StatusAll returns summary status for all jobs, optionally filtered by
// status.
func (o *Orchestrator) StatusAll(_ context.Context, filter job.Status) ([]StatusInfo, error) {
	jobs, err := o.store.List(filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	now := o.now()
	result := make([]StatusInfo, 0, len(jobs))
	for i := range jobs {
		result = append(result, summarize(&jobs[i], now, false))
	}
	return result, nil
}
