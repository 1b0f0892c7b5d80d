// Package stage runs one pipeline stage: it resolves the stage's tiers into
// producers, runs them as a fallback chain and stores what the winning tier
// produced.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/fallback"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/metrics"
	"github.com/lucasnoah/coursefactory/internal/retry"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// IndexerFactory binds the retrieval service to the adapter registry chosen
// for a job.
type IndexerFactory func(caller adapter.Caller) Indexer

// ExecutorOpts configures an Executor.
type ExecutorOpts struct {
	Producers   *Registry
	Adapters    *adapter.Registries
	Blobs       job.BlobStore
	Indexer     IndexerFactory
	Recorder    metrics.Recorder
	Logger      *slog.Logger
	TemplateDir string
}

// Executor runs stages. It is safe for concurrent use.
type Executor struct {
	producers   *Registry
	adapters    *adapter.Registries
	blobs       job.BlobStore
	indexer     IndexerFactory
	recorder    metrics.Recorder
	logger      *slog.Logger
	templateDir string
	progress    io.Writer // live progress output; nil = silent
}

// NewExecutor creates a stage executor.
func NewExecutor(opts ExecutorOpts) *Executor {
	producers := opts.Producers
	if producers == nil {
		producers = DefaultRegistry()
	}
	return &Executor{
		producers:   producers,
		adapters:    opts.Adapters,
		blobs:       opts.Blobs,
		indexer:     opts.Indexer,
		recorder:    metrics.OrNoop(opts.Recorder),
		logger:      logging.WithComponent(opts.Logger, "stage"),
		templateDir: opts.TemplateDir,
	}
}

// Producers returns the executor's producer registry.
func (e *Executor) Producers() *Registry { return e.producers }

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (e *Executor) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// Request describes one stage attempt.
type Request struct {
	Job     *job.Job
	Stage   config.Stage
	Attempt int
	// Inputs are the artifacts of every stage that has already succeeded.
	Inputs []job.Artifact
}

// Execute runs the stage's fallback chain and stores the winning tier's
// artifacts. It always returns a result; failures are recorded in it.
func (e *Executor) Execute(ctx context.Context, req Request) *job.StageResult {
	start := time.Now()
	stageID := req.Stage.ID
	logger := logging.WithStage(e.logger, req.Job.ID, stageID).With(logging.Attempt(req.Attempt))
	e.logf("job %s: running stage %q (attempt %d)", req.Job.ID, stageID, req.Attempt)

	result := &job.StageResult{Stage: stageID, Attempt: req.Attempt, Artifacts: []job.Artifact{}}
	finish := func(err error) *job.StageResult {
		d := time.Since(start)
		result.Duration = d.Round(time.Millisecond).String()
		result.FinishedAt = time.Now().UTC()
		e.recorder.ObserveStageDuration(stageID, d)
		if err != nil {
			kind := svcerr.KindOf(err)
			result.Outcome = job.OutcomeFailure
			result.ErrorKind = string(kind)
			result.Error = err.Error()
			if fs := fallback.Failures(err); len(fs) > 0 {
				result.TierFailures = convertFailures(fs)
				result.AdapterAttempts = len(fs)
			}
			e.recorder.IncStageResult(stageID, metrics.ResultFailure)
			logger.Error("stage failed", logging.ErrorKind(string(kind)), logging.Error(err), logging.Duration(d))
			e.logf("stage %q failed: %v", stageID, err)
			return result
		}
		result.Outcome = job.OutcomeSuccess
		label := metrics.ResultSuccess
		if result.Tier > 0 {
			label = metrics.ResultFallback
		}
		e.recorder.IncStageResult(stageID, label)
		e.recorder.IncTierUsed(stageID, result.Tier)
		logger.Info("stage succeeded", logging.Tier(result.Tier), logging.TierName(result.TierName),
			slog.Int("artifacts", len(result.Artifacts)), logging.Duration(d))
		e.logf("stage %q done via %s (%d artifacts, %s)", stageID, result.TierName, len(result.Artifacts), result.Duration)
		return result
	}

	tiers, err := e.producers.Tiers(req.Stage.Tiers)
	if err != nil {
		return finish(&svcerr.Error{Kind: svcerr.FallbackExhausted, Op: stageID, Err: err})
	}
	timeout := req.Stage.TimeoutDuration(config.DefaultStageTimeout)
	for i, t := range tiers {
		tiers[i] = timedTier{Producer: t, timeout: timeout}
	}

	env := &Env{
		Job:         req.Job,
		Stage:       req.Stage,
		Attempt:     req.Attempt,
		Inputs:      req.Inputs,
		Caller:      unconfiguredCaller{},
		Blobs:       e.blobs,
		TemplateDir: e.templateDir,
		Logger:      logger,
	}
	if e.adapters != nil {
		if r := e.adapters.For(req.Job.Config.TestMode); r != nil {
			env.Caller = r
		}
	}
	if e.indexer != nil {
		env.Indexer = e.indexer(env.Caller)
	}

	chain := &fallback.Chain[*Env, []Payload]{
		Name:     stageID,
		Tiers:    tiers,
		Policy:   retry.FromSettings(req.Job.Config.Retry),
		Recorder: e.recorder,
		Logger:   logger,
	}
	res, err := chain.Run(ctx, env)
	if err != nil {
		return finish(err)
	}
	result.Tier = res.Tier
	result.TierName = res.TierName
	result.AdapterAttempts = res.Attempts
	result.TierFailures = convertFailures(res.Failures)

	seen := make(map[string]bool, len(res.Output))
	for _, p := range res.Output {
		if seen[p.Name] {
			return finish(svcerr.Newf(svcerr.Permanent, "%s produced %s twice", res.TierName, p.Name))
		}
		seen[p.Name] = true
		ref, err := e.blobs.PutArtifact(req.Job.ID, stageID, req.Attempt, p.Name, p.Data)
		if err != nil {
			return finish(svcerr.New(svcerr.Transient, err))
		}
		result.Artifacts = append(result.Artifacts, job.Artifact{
			Name:      p.Name,
			Kind:      p.Kind,
			MediaType: p.MediaType,
			Ref:       ref,
			Stage:     stageID,
			Tier:      res.Tier,
			TierName:  res.TierName,
			Size:      int64(len(p.Data)),
		})
	}
	return finish(nil)
}

func convertFailures(fs []fallback.TierFailure) []job.TierFailure {
	if len(fs) == 0 {
		return nil
	}
	out := make([]job.TierFailure, len(fs))
	for i, f := range fs {
		out[i] = job.TierFailure{Tier: f.Tier, TierName: f.TierName, Attempt: f.Attempt, Kind: string(f.Kind), Message: f.Message}
	}
	return out
}

// timedTier bounds a single tier attempt. A tier that runs out of time
// fails Transient so the chain retries it or moves on.
type timedTier struct {
	Producer
	timeout time.Duration
}

func (t timedTier) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.Producer.Produce(tctx, env)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return nil, svcerr.New(svcerr.Transient, fmt.Errorf("%s timed out after %s: %w", t.Name(), t.timeout, err))
	}
	return out, err
}

type unconfiguredCaller struct{}

func (unconfiguredCaller) Call(_ context.Context, c adapter.Capability, _ adapter.Request) (*adapter.Response, error) {
	return nil, svcerr.Newf(svcerr.Permanent, "no adapters configured for %s", c)
}
