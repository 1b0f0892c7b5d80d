// Package orchestrator drives jobs through their stage graph and status
// state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/db"
	"github.com/lucasnoah/coursefactory/internal/events"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/metrics"
	"github.com/lucasnoah/coursefactory/internal/stage"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// StageRunner executes one stage attempt. *stage.Executor implements it.
type StageRunner interface {
	Execute(ctx context.Context, req stage.Request) *job.StageResult
}

// EventLog persists the job event history and stage run records. *db.DB
// implements it.
type EventLog interface {
	LogJobEvent(jobID, event, stage string, attempt int, detail string) error
	LogStageRun(r db.StageRun) error
}

// Enqueuer hands a job to the worker queue. *db.DB implements it.
type Enqueuer interface {
	Enqueue(jobID, kind string) error
}

// Opts configures an Orchestrator. Config, Store and Executor are required.
type Opts struct {
	Config    *config.Config
	Store     job.Store
	Executor  StageRunner
	Events    EventLog
	Queue     Enqueuer
	Publisher events.Publisher
	Recorder  metrics.Recorder
	Logger    *slog.Logger

	// Owner identifies this process in stage claims.
	Owner string
	Clock func() time.Time
	NewID func() string
	// Heartbeat is how often claims on running stages are renewed. Zero
	// means a third of the lease TTL.
	Heartbeat time.Duration
}

// Orchestrator composes job lifecycle operations.
type Orchestrator struct {
	cfg       *config.Config
	store     job.Store
	exec      StageRunner
	events    EventLog
	queue     Enqueuer
	publisher events.Publisher
	recorder  metrics.Recorder
	logger    *slog.Logger
	owner     string
	leaseTTL  time.Duration
	heartbeat time.Duration
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Opts) *Orchestrator {
	o := &Orchestrator{
		cfg:       opts.Config,
		store:     opts.Store,
		exec:      opts.Executor,
		events:    opts.Events,
		queue:     opts.Queue,
		publisher: events.OrNoop(opts.Publisher),
		recorder:  metrics.OrNoop(opts.Recorder),
		logger:    logging.WithComponent(opts.Logger, "orchestrator"),
		owner:     opts.Owner,
		leaseTTL:  opts.Config.Factory.LeaseTTLDuration(),
		heartbeat: opts.Heartbeat,
		now:       opts.Clock,
		newID:     opts.NewID,
	}
	if o.owner == "" {
		o.owner = "orchestrator-" + uuid.NewString()[:8]
	}
	if o.heartbeat <= 0 {
		o.heartbeat = max(o.leaseTTL/3, time.Second)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Store returns the job store.
func (o *Orchestrator) Store() job.Store { return o.store }

// Event names written to the event log.
const (
	eventRunning         = "running"
	eventStageRetrying   = "stage_retrying"
	eventHeld            = "held"
	eventRetry           = "retry"
	eventCancelRequested = "cancel_requested"
)

// record writes an event to the event log and publishes it when it is one
// of the externally visible lifecycle events.
func (o *Orchestrator) record(ctx context.Context, j *job.Job, event, stageID string, attempt int, detail string, res *job.StageResult) {
	if o.events != nil {
		if err := o.events.LogJobEvent(j.ID, event, stageID, attempt, detail); err != nil {
			o.logger.Warn("log job event failed", logging.JobID(j.ID), "event", event, logging.Error(err))
		}
	}
	switch event {
	case events.JobSubmitted, events.JobCompleted, events.JobFailed, events.JobCancelled,
		events.StageCompleted, events.StageFailed:
	default:
		return
	}
	ev := events.Event{
		Type:      event,
		JobID:     j.ID,
		Kind:      j.Kind,
		Status:    string(j.Status),
		Stage:     stageID,
		Message:   detail,
		Timestamp: o.now().UTC(),
	}
	if res != nil {
		ev.Tier = res.Tier
		ev.TierName = res.TierName
		ev.ErrorKind = res.ErrorKind
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish job event failed", logging.JobID(j.ID), "event", event, logging.Error(err))
	}
}

func (o *Orchestrator) enqueue(j *job.Job) {
	if o.queue == nil {
		return
	}
	if err := o.queue.Enqueue(j.ID, j.Kind); err != nil {
		o.logger.Warn("enqueue failed", logging.JobID(j.ID), logging.Error(err))
	}
}

// SubmitOpts holds the caller-supplied job definition.
type SubmitOpts struct {
	Kind      string
	Domain    string
	Documents []job.Document
	Overrides map[string]any
}

// Submit validates the input, freezes the configuration and creates a
// QUEUED job.
func (o *Orchestrator) Submit(ctx context.Context, opts SubmitOpts) (*job.Job, error) {
	if opts.Kind == "" {
		opts.Kind = config.KindCourse
	}
	input, err := validateInput(opts)
	if err != nil {
		return nil, err
	}
	snap, err := o.cfg.Snapshot(opts.Kind, opts.Overrides)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:     o.newID(),
		Kind:   opts.Kind,
		Input:  input,
		Config: *snap,
		Status: job.StatusQueued,
	}
	if err := o.store.Create(j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	detail := opts.Kind
	if input.Domain != "" {
		detail += ": " + input.Domain
	}
	o.record(ctx, j, events.JobSubmitted, "", 0, detail, nil)
	o.logger.Info("job submitted", logging.JobID(j.ID), "kind", j.Kind, "test_mode", j.Config.TestMode)
	o.enqueue(j)
	return j, nil
}

func validateInput(opts SubmitOpts) (job.Input, error) {
	switch opts.Kind {
	case config.KindCourse:
		domain := strings.TrimSpace(opts.Domain)
		if domain == "" {
			return job.Input{}, svcerr.Newf(svcerr.InvalidInput, "domain must not be empty")
		}
		if len(opts.Documents) > 0 {
			return job.Input{}, svcerr.Newf(svcerr.InvalidInput, "course jobs take a domain, not documents")
		}
		return job.Input{Domain: domain}, nil
	case config.KindKnowledgeBase:
		if len(opts.Documents) == 0 {
			return job.Input{}, svcerr.Newf(svcerr.InvalidInput, "document set must not be empty")
		}
		for i, d := range opts.Documents {
			if (d.Path == "") == (d.Text == "") {
				return job.Input{}, svcerr.Newf(svcerr.InvalidInput, "document %d: exactly one of path or text is required", i)
			}
		}
		return job.Input{Documents: append([]job.Document(nil), opts.Documents...)}, nil
	}
	return job.Input{}, svcerr.Newf(svcerr.InvalidInput, "unknown job kind %q", opts.Kind)
}

// Advance actions.
const (
	ActionDispatched = "dispatched"
	ActionCompleted  = "completed"
	ActionFailed     = "failed"
	ActionCancelled  = "cancelled"
	ActionWaiting    = "waiting"
	ActionHeld       = "held"
	ActionNoop       = "noop"
)

// AdvanceResult describes what happened during an advance.
type AdvanceResult struct {
	JobID      string     `json:"job_id"`
	Action     string     `json:"action"`
	Status     job.Status `json:"status"`
	Dispatched []string   `json:"dispatched,omitempty"`
	Succeeded  []string   `json:"succeeded,omitempty"`
	Failed     []string   `json:"failed,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func (o *Orchestrator) result(j *job.Job, action, msg string) *AdvanceResult {
	return &AdvanceResult{JobID: j.ID, Action: action, Status: j.Status, Message: msg}
}

// Advance runs one round: it computes the ready set, executes every ready
// stage concurrently, records the results and applies the state machine.
// Calling it on a terminal job changes nothing.
func (o *Orchestrator) Advance(ctx context.Context, id string) (*AdvanceResult, error) {
	j, err := o.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	logger := logging.WithJob(o.logger, id)

	if j.Status.Terminal() {
		return o.result(j, ActionNoop, fmt.Sprintf("job is %s", j.Status)), nil
	}

	switch j.Status {
	case job.StatusCancelling:
		return o.settleCancel(ctx, j)
	case job.StatusStageFailed:
		res, j2, err := o.resolveStageFailure(ctx, j)
		if err != nil || res != nil {
			return res, err
		}
		j = j2
	}

	if j.Status == job.StatusQueued || j.Status == job.StatusRetrying {
		from := j.Status
		j, err = o.store.TransitionStatus(id, from, job.StatusRunning)
		if err != nil {
			return o.reread(ctx, id, err)
		}
		o.record(ctx, j, eventRunning, "", 0, fmt.Sprintf("from=%s", from), nil)
	}

	now := o.now()
	ready := j.Ready(now)
	if len(ready) == 0 {
		if j.Done() {
			return o.complete(ctx, j)
		}
		if j.InFlight(now) {
			return o.result(j, ActionWaiting, "stages in flight: "+strings.Join(j.CurrentStages, ", ")), nil
		}
		return o.result(j, ActionWaiting, "no stage is ready"), nil
	}

	// Claim every ready stage before running any of them.
	type dispatch struct {
		spec    config.Stage
		attempt int
	}
	var batch []dispatch
	var claimed []string
	for _, s := range ready {
		claim, err := o.store.ClaimStage(id, s, o.owner, o.leaseTTL)
		if errors.Is(err, job.ErrStageClaimed) {
			continue
		}
		if errors.Is(err, job.ErrConflict) || errors.Is(err, job.ErrTerminal) {
			break // status moved under us, typically a cancel
		}
		if err != nil {
			o.releaseAll(id, claimed)
			return nil, fmt.Errorf("claim %s: %w", s, err)
		}
		claimed = append(claimed, s)
		batch = append(batch, dispatch{spec: *j.Config.Pipeline().FindStage(s), attempt: claim.Attempt})
	}
	if len(batch) == 0 {
		return o.reread(ctx, id, nil)
	}

	inputs := j.Artifacts()
	results := make([]*job.StageResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range batch {
		g.Go(func() error {
			results[i] = o.exec.Execute(gctx, stage.Request{Job: j, Stage: d.spec, Attempt: d.attempt, Inputs: inputs})
			return nil
		})
	}
	stop := o.keepClaims(ctx, id, claimed, logger)
	_ = g.Wait()
	stop()

	out := &AdvanceResult{JobID: id}
	var failures []*job.StageResult
	for i, d := range batch {
		out.Dispatched = append(out.Dispatched, d.spec.ID)
		res := results[i]
		if ctx.Err() != nil && !res.Succeeded() {
			// Interrupted, not failed: leave the stage resumable.
			if err := o.store.ReleaseStage(id, d.spec.ID, o.owner); err != nil {
				logger.Warn("release interrupted stage", logging.Stage(d.spec.ID), logging.Error(err))
			}
			continue
		}
		if err := o.appendResult(ctx, j, res); err != nil {
			logger.Warn("discarding stage result", logging.Stage(d.spec.ID), logging.Error(err))
			continue
		}
		if res.Succeeded() {
			out.Succeeded = append(out.Succeeded, d.spec.ID)
		} else {
			out.Failed = append(out.Failed, d.spec.ID)
			failures = append(failures, res)
		}
	}
	if err := ctx.Err(); err != nil {
		out.Action = ActionWaiting
		out.Message = "interrupted"
		return out, err
	}

	final, err := o.settle(ctx, id, failures)
	if err != nil {
		return nil, err
	}
	out.Action = final.Action
	out.Status = final.Status
	out.Message = final.Message
	return out, nil
}

// keepClaims renews the claims on stages every heartbeat until stop is
// called, so a stage that outlives the lease TTL is not dispatched twice.
func (o *Orchestrator) keepClaims(ctx context.Context, id string, stages []string, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(o.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, s := range stages {
					if err := o.store.RenewStage(id, s, o.owner, o.leaseTTL); err != nil {
						logger.Warn("renew stage claim", logging.Stage(s), logging.Error(err))
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) releaseAll(id string, stages []string) {
	for _, s := range stages {
		_ = o.store.ReleaseStage(id, s, o.owner)
	}
}

// reread reports the job's current state after a lost race. A nil cause
// means the race was benign.
func (o *Orchestrator) reread(ctx context.Context, id string, cause error) (*AdvanceResult, error) {
	if cause != nil && !errors.Is(cause, job.ErrConflict) && !errors.Is(cause, job.ErrTerminal) {
		return nil, cause
	}
	j, err := o.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j.Status.Terminal() {
		return o.result(j, ActionNoop, fmt.Sprintf("job is %s", j.Status)), nil
	}
	if j.Status == job.StatusCancelling {
		return o.settleCancel(ctx, j)
	}
	return o.result(j, ActionWaiting, "job changed concurrently"), nil
}

func (o *Orchestrator) appendResult(ctx context.Context, j *job.Job, res *job.StageResult) error {
	updated, err := o.store.AppendStageResult(j.ID, *res)
	if err != nil {
		return err
	}
	ms := int64(0)
	if d, err := time.ParseDuration(res.Duration); err == nil {
		ms = d.Milliseconds()
	}
	if o.events != nil {
		if err := o.events.LogStageRun(db.StageRun{
			JobID:      j.ID,
			Kind:       j.Kind,
			Stage:      res.Stage,
			Attempt:    res.Attempt,
			Tier:       res.Tier,
			TierName:   res.TierName,
			Outcome:    string(res.Outcome),
			ErrorKind:  res.ErrorKind,
			DurationMs: ms,
		}); err != nil {
			o.logger.Warn("log stage run failed", logging.JobID(j.ID), logging.Stage(res.Stage), logging.Error(err))
		}
	}
	if res.Succeeded() {
		o.record(ctx, updated, events.StageCompleted, res.Stage, res.Attempt,
			fmt.Sprintf("tier %d %s", res.Tier, res.TierName), res)
		return nil
	}
	rec := job.ErrorRecord{
		Stage:    res.Stage,
		Tier:     res.Tier,
		TierName: res.TierName,
		Attempt:  res.Attempt,
		Kind:     res.ErrorKind,
		Message:  res.Error,
		At:       res.FinishedAt,
	}
	if n := len(res.TierFailures); n > 0 {
		rec.Tier = res.TierFailures[n-1].Tier
		rec.TierName = res.TierFailures[n-1].TierName
	}
	if err := o.store.RecordError(j.ID, rec); err != nil {
		o.logger.Warn("record error failed", logging.JobID(j.ID), logging.Error(err))
	}
	o.record(ctx, updated, events.StageFailed, res.Stage, res.Attempt, res.Error, res)
	return nil
}

// settle applies the state machine after a round's results are recorded.
func (o *Orchestrator) settle(ctx context.Context, id string, failures []*job.StageResult) (*AdvanceResult, error) {
	j, err := o.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j.Status.Terminal() {
		return o.result(j, ActionNoop, fmt.Sprintf("job is %s", j.Status)), nil
	}
	if j.Status == job.StatusCancelling {
		return o.settleCancel(ctx, j)
	}

	for _, f := range failures {
		kind := svcerr.Kind(f.ErrorKind)
		if kind == svcerr.InvalidInput || kind == svcerr.FallbackExhausted {
			if kind == svcerr.FallbackExhausted {
				o.logger.Error("stage has no usable tier", logging.JobID(id), logging.Stage(f.Stage), slog.String("error", f.Error))
			}
			return o.failJob(ctx, j, f.Stage, f.Attempt, f.Error)
		}
	}
	if len(failures) > 0 {
		j, err = o.store.TransitionStatus(id, job.StatusRunning, job.StatusStageFailed)
		if err != nil {
			return o.reread(ctx, id, err)
		}
		res, _, err := o.resolveStageFailure(ctx, j)
		if err != nil {
			return nil, err
		}
		if res == nil {
			// Moved to RETRYING; the next advance re-dispatches.
			j, err = o.store.Get(id)
			if err != nil {
				return nil, fmt.Errorf("get job: %w", err)
			}
			return o.result(j, ActionDispatched, "stage failed, retrying"), nil
		}
		return res, nil
	}

	if j.Done() {
		return o.complete(ctx, j)
	}
	return o.result(j, ActionDispatched, ""), nil
}

// failedStages lists stages whose latest result is a failure, in graph order.
func failedStages(j *job.Job) []*job.StageResult {
	var out []*job.StageResult
	for _, s := range j.Config.Stages {
		if r := j.LatestResult(s.ID); r != nil && !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// resolveStageFailure decides what a STAGE_FAILED job does next. It returns
// a nil result when the job moved to RETRYING and may continue.
func (o *Orchestrator) resolveStageFailure(ctx context.Context, j *job.Job) (*AdvanceResult, *job.Job, error) {
	failed := failedStages(j)
	policy := j.Config.StageRetry
	if policy.Manual {
		o.record(ctx, j, eventHeld, firstStage(failed), 0, "awaiting operator retry or fail", nil)
		return o.result(j, ActionHeld, "stage failed; waiting for retry or fail"), j, nil
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for _, r := range failed {
		if j.Attempts(r.Stage) >= maxAttempts {
			msg := fmt.Sprintf("stage %s failed after %d attempts: %s", r.Stage, j.Attempts(r.Stage), r.Error)
			res, err := o.failJob(ctx, j, r.Stage, r.Attempt, msg)
			return res, nil, err
		}
	}

	updated, err := o.store.TransitionStatus(j.ID, job.StatusStageFailed, job.StatusRetrying)
	if err != nil {
		res, err := o.reread(ctx, j.ID, err)
		return res, nil, err
	}
	for _, r := range failed {
		o.recorder.IncRetry(r.Stage)
		o.record(ctx, updated, eventStageRetrying, r.Stage, r.Attempt+1, "auto", nil)
	}
	return nil, updated, nil
}

func firstStage(rs []*job.StageResult) string {
	if len(rs) == 0 {
		return ""
	}
	return rs[0].Stage
}

func (o *Orchestrator) complete(ctx context.Context, j *job.Job) (*AdvanceResult, error) {
	updated, err := o.store.TransitionStatus(j.ID, job.StatusRunning, job.StatusCompleted)
	if err != nil {
		return o.reread(ctx, j.ID, err)
	}
	o.recorder.IncJobOutcome(string(job.StatusCompleted))
	o.record(ctx, updated, events.JobCompleted, "", 0, "", nil)
	o.logger.Info("job completed", logging.JobID(j.ID))
	return o.result(updated, ActionCompleted, ""), nil
}

func (o *Orchestrator) failJob(ctx context.Context, j *job.Job, stageID string, attempt int, msg string) (*AdvanceResult, error) {
	updated, err := o.store.Update(j.ID, func(j *job.Job) error {
		if err := j.Transition(job.StatusFailed); err != nil {
			return err
		}
		j.FailedStage = stageID
		j.Failure = msg
		return nil
	})
	if err != nil {
		return o.reread(ctx, j.ID, err)
	}
	o.recorder.IncJobOutcome(string(job.StatusFailed))
	o.record(ctx, updated, events.JobFailed, stageID, attempt, msg, nil)
	o.logger.Warn("job failed", logging.JobID(j.ID), logging.Stage(stageID), slog.String("reason", msg))
	return o.result(updated, ActionFailed, msg), nil
}

// settleCancel finishes a cancellation once no stage is in flight.
func (o *Orchestrator) settleCancel(ctx context.Context, j *job.Job) (*AdvanceResult, error) {
	if j.InFlight(o.now()) {
		return o.result(j, ActionWaiting, "cancelling; stages in flight: "+strings.Join(j.CurrentStages, ", ")), nil
	}
	updated, err := o.store.TransitionStatus(j.ID, job.StatusCancelling, job.StatusCancelled)
	if err != nil {
		return o.reread(ctx, j.ID, err)
	}
	o.recorder.IncJobOutcome(string(job.StatusCancelled))
	o.record(ctx, updated, events.JobCancelled, "", 0, "", nil)
	return o.result(updated, ActionCancelled, ""), nil
}

// Run advances the job until it settles: a round that finishes or holds the
// job, or one that dispatches nothing. It returns that round's result.
func (o *Orchestrator) Run(ctx context.Context, id string) (*AdvanceResult, error) {
	for {
		res, err := o.Advance(ctx, id)
		if err != nil {
			return res, err
		}
		if settled(res) {
			return res, nil
		}
	}
}

func settled(res *AdvanceResult) bool {
	switch res.Action {
	case ActionCompleted, ActionFailed, ActionCancelled, ActionHeld:
		return true
	}
	return len(res.Dispatched) == 0 || res.Status.Terminal()
}

// Cancel requests cancellation. Without in-flight stages the job is
// cancelled immediately; otherwise it stays CANCELLING until they finish.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*job.Job, error) {
	j, err := o.store.Update(id, func(j *job.Job) error {
		if j.Status != job.StatusCancelling {
			if err := j.Transition(job.StatusCancelling); err != nil {
				return err
			}
		}
		if !j.InFlight(o.now()) {
			return j.Transition(job.StatusCancelled)
		}
		return nil
	})
	if err != nil {
		return j, fmt.Errorf("cancel job %s: %w", id, err)
	}
	detail := reason
	if detail == "" {
		detail = "operator"
	}
	o.record(ctx, j, eventCancelRequested, "", 0, detail, nil)
	if j.Status == job.StatusCancelled {
		o.recorder.IncJobOutcome(string(job.StatusCancelled))
		o.record(ctx, j, events.JobCancelled, "", 0, detail, nil)
	}
	return j, nil
}

// Retry re-arms a job held in STAGE_FAILED.
func (o *Orchestrator) Retry(ctx context.Context, id, reason string) (*job.Job, error) {
	j, err := o.store.TransitionStatus(id, job.StatusStageFailed, job.StatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}
	detail := "manual"
	if reason != "" {
		detail = "manual: " + reason
	}
	for _, r := range failedStages(j) {
		o.recorder.IncRetry(r.Stage)
		o.record(ctx, j, eventRetry, r.Stage, r.Attempt+1, detail, nil)
	}
	o.enqueue(j)
	return j, nil
}

// Fail moves a non-terminal job to FAILED.
func (o *Orchestrator) Fail(ctx context.Context, id, reason string) (*job.Job, error) {
	if reason == "" {
		reason = "failed by operator"
	}
	j, err := o.store.Update(id, func(j *job.Job) error {
		if err := j.Transition(job.StatusFailed); err != nil {
			return err
		}
		if failed := failedStages(j); len(failed) > 0 {
			j.FailedStage = failed[0].Stage
		}
		j.Failure = reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	o.recorder.IncJobOutcome(string(job.StatusFailed))
	o.record(ctx, j, events.JobFailed, j.FailedStage, 0, reason, nil)
	return j, nil
}

// Artifacts returns the artifacts of stage's successful result.
func (o *Orchestrator) Artifacts(_ context.Context, id, stageID string) ([]job.Artifact, error) {
	j, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if j.Config.Pipeline().FindStage(stageID) == nil {
		return nil, fmt.Errorf("stage %q: %w", stageID, job.ErrUnknownStage)
	}
	r := j.SuccessResult(stageID)
	if r == nil {
		return nil, fmt.Errorf("stage %s has no successful result: %w", stageID, job.ErrNotFound)
	}
	return r.Artifacts, nil
}
