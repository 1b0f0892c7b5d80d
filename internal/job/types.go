// Package job defines the persisted job record and the store that mutates it.
package job

import (
	"strings"
	"time"

	"github.com/lucasnoah/coursefactory/internal/config"
)

// Status is a job's position in the lifecycle state machine.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusRunning     Status = "RUNNING"
	StatusStageFailed Status = "STAGE_FAILED"
	StatusRetrying    Status = "RETRYING"
	StatusCancelling  Status = "CANCELLING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts a status name in any case. Empty input returns "".
func ParseStatus(s string) (Status, bool) {
	if s == "" {
		return "", true
	}
	for _, st := range AllStatuses {
		if string(st) == strings.ToUpper(s) {
			return st, true
		}
	}
	return "", false
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued, StatusRunning, StatusStageFailed, StatusRetrying,
	StatusCancelling, StatusCompleted, StatusFailed, StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusQueued:      {StatusRunning, StatusCancelling, StatusFailed},
	StatusRunning:     {StatusStageFailed, StatusCompleted, StatusFailed, StatusCancelling},
	StatusStageFailed: {StatusRetrying, StatusFailed, StatusCancelling},
	StatusRetrying:    {StatusRunning, StatusFailed, StatusCancelling},
	StatusCancelling:  {StatusCancelled, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome of one stage attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Artifact kinds.
const (
	KindPlan     = "plan"
	KindLesson   = "lesson"
	KindImage    = "image"
	KindScript   = "script"
	KindNotebook = "notebook"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindManifest = "manifest"
	KindPackage  = "package"
	KindDocument = "document"
	KindSummary  = "summary"
	KindIndex    = "index"
)

// Document is one knowledge-base input. Exactly one of Path or Text is set.
type Document struct {
	ID    string `json:"id"`
	Path  string `json:"path,omitempty"`
	Text  string `json:"text,omitempty"`
	Title string `json:"title,omitempty"`
}

// Input is the caller-supplied job input.
type Input struct {
	Domain    string     `json:"domain,omitempty"`
	Documents []Document `json:"documents,omitempty"`
}

// Claim is an active lease on one stage.
type Claim struct {
	Attempt   int       `json:"attempt"`
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the claim's lease has lapsed at now.
func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Artifact is one stored stage output.
type Artifact struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	MediaType string `json:"media_type"`
	Ref       string `json:"ref"` // relative to the job directory
	Stage     string `json:"stage"`
	Tier      int    `json:"tier"`
	TierName  string `json:"tier_name"`
	Size      int64  `json:"size"`
}

// TierFailure records one failed tier attempt within a stage.
type TierFailure struct {
	Tier     int    `json:"tier"`
	TierName string `json:"tier_name"`
	Attempt  int    `json:"attempt"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// StageResult is the immutable record of one stage attempt.
type StageResult struct {
	Stage           string        `json:"stage"`
	Attempt         int           `json:"attempt"`
	AdapterAttempts int           `json:"adapter_attempts"`
	Tier            int           `json:"tier"`
	TierName        string        `json:"tier_name"`
	Artifacts       []Artifact    `json:"artifacts"`
	Duration        string        `json:"duration"`
	Outcome         Outcome       `json:"outcome"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	Error           string        `json:"error,omitempty"`
	TierFailures    []TierFailure `json:"tier_failures,omitempty"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// Succeeded reports whether the attempt produced its artifacts.
func (r *StageResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// ErrorRecord is one entry in a job's error history.
type ErrorRecord struct {
	Stage    string    `json:"stage"`
	Tier     int       `json:"tier"`
	TierName string    `json:"tier_name,omitempty"`
	Attempt  int       `json:"attempt"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Job is the persisted state of one pipeline run. A job.json file is
// self-contained: the frozen config travels with it.
type Job struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind"`
	Input         Input            `json:"input"`
	Config        config.Snapshot  `json:"config"`
	Status        Status           `json:"status"`
	CurrentStages []string         `json:"current_stages"`
	Active        map[string]Claim `json:"active,omitempty"`
	Results       []StageResult    `json:"results"`
	Errors        []ErrorRecord    `json:"errors"`
	FailedStage   string           `json:"failed_stage,omitempty"`
	Failure       string           `json:"failure,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

// Transition moves the job to status to if the state machine allows it.
func (j *Job) Transition(to Status) error {
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if !CanTransition(j.Status, to) {
		return &TransitionError{From: j.Status, To: to}
	}
	j.Status = to
	if to.Terminal() {
		j.Active = nil
		j.CurrentStages = nil
	}
	return nil
}

// Succeeded reports whether stage has a success result.
func (j *Job) Succeeded(stage string) bool {
	return j.SuccessResult(stage) != nil
}

// SuccessResult returns the success result for stage, or nil.
func (j *Job) SuccessResult(stage string) *StageResult {
	for i := len(j.Results) - 1; i >= 0; i-- {
		if j.Results[i].Stage == stage && j.Results[i].Succeeded() {
			return &j.Results[i]
		}
	}
	return nil
}

// LatestResult returns the most recent result for stage, or nil.
func (j *Job) LatestResult(stage string) *StageResult {
	for i := len(j.Results) - 1; i >= 0; i-- {
		if j.Results[i].Stage == stage {
			return &j.Results[i]
		}
	}
	return nil
}

// Attempts returns how many results have been recorded for stage.
func (j *Job) Attempts(stage string) int {
	n := 0
	for _, r := range j.Results {
		if r.Stage == stage {
			n++
		}
	}
	return n
}

// SucceededCount counts stages with a success result.
func (j *Job) SucceededCount() int {
	n := 0
	for _, s := range j.Config.Stages {
		if j.Succeeded(s.ID) {
			n++
		}
	}
	return n
}

// Percent is the integer percentage of stages that have succeeded.
func (j *Job) Percent() int {
	total := len(j.Config.Stages)
	if total == 0 {
		return 0
	}
	return j.SucceededCount() * 100 / total
}

// Ready returns the stages whose predecessors all succeeded, that have not
// succeeded themselves and hold no unexpired claim, in graph order.
func (j *Job) Ready(now time.Time) []string {
	var ready []string
	for _, s := range j.Config.Stages {
		if j.Succeeded(s.ID) {
			continue
		}
		if c, ok := j.Active[s.ID]; ok && !c.Expired(now) {
			continue
		}
		ok := true
		for _, dep := range s.After {
			if !j.Succeeded(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// InFlight reports whether any stage holds an unexpired claim.
func (j *Job) InFlight(now time.Time) bool {
	for _, c := range j.Active {
		if !c.Expired(now) {
			return true
		}
	}
	return false
}

// Done reports whether every stage has succeeded.
func (j *Job) Done() bool {
	return len(j.Config.Stages) > 0 && j.SucceededCount() == len(j.Config.Stages)
}

// Artifacts flattens the artifacts of every successful stage result, in
// graph order.
func (j *Job) Artifacts(stages ...string) []Artifact {
	if len(stages) == 0 {
		stages = j.Config.Pipeline().StageIDs()
	}
	var out []Artifact
	for _, s := range stages {
		if r := j.SuccessResult(s); r != nil {
			out = append(out, r.Artifacts...)
		}
	}
	return out
}

func (j *Job) syncCurrentStages() {
	j.CurrentStages = j.CurrentStages[:0]
	for _, s := range j.Config.Stages {
		if _, ok := j.Active[s.ID]; ok {
			j.CurrentStages = append(j.CurrentStages, s.ID)
		}
	}
}
