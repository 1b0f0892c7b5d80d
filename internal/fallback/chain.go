// Package fallback runs an ordered list of producer tiers, retrying each per
// a retry.Policy and stepping down to lower-fidelity tiers on permanent
// failure or retry exhaustion.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/metrics"
	"github.com/lucasnoah/coursefactory/internal/retry"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// Tier is one producer option within a chain. In and Out are opaque to the
// chain.
type Tier[In, Out any] interface {
	Name() string
	// Infallible reports that Produce never returns Transient or Permanent
	// errors. It may still reject defective input with InvalidInput.
	Infallible() bool
	Produce(ctx context.Context, in In) (Out, error)
}

// TierFailure records why one attempt at one tier failed.
type TierFailure struct {
	Tier     int         `json:"tier"`
	TierName string      `json:"tier_name"`
	Attempt  int         `json:"attempt"`
	Kind     svcerr.Kind `json:"kind"`
	Message  string      `json:"message"`
}

// Result is the outcome of a successful chain run.
type Result[Out any] struct {
	Output   Out
	Tier     int
	TierName string
	Attempts int // total Produce invocations across tiers
	Failures []TierFailure
}

// Chain is an ordered list of tiers sharing a retry policy.
type Chain[In, Out any] struct {
	Name     string // label for logs and metrics, e.g. the stage id
	Tiers    []Tier[In, Out]
	Policy   retry.Policy
	Recorder metrics.Recorder
	Logger   *slog.Logger

	// sleep waits d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when every tier failed. It is always classified
// as svcerr.FallbackExhausted.
type ExhaustedError struct {
	Chain    string
	Failures []TierFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("tier %d %s attempt %d: %s", f.Tier, f.TierName, f.Attempt, f.Message))
	}
	return fmt.Sprintf("%s: all tiers failed: %s", e.Chain, strings.Join(parts, "; "))
}

// Validate checks that tiers is non-empty and ends with an infallible tier.
func Validate[In, Out any](tiers []Tier[In, Out]) error {
	if len(tiers) == 0 {
		return errors.New("fallback chain has no tiers")
	}
	last := tiers[len(tiers)-1]
	if !last.Infallible() {
		return fmt.Errorf("last tier %q is not infallible", last.Name())
	}
	return nil
}

// Run executes the chain. It returns:
//   - the first successful tier's output;
//   - an svcerr.InvalidInput error as soon as any tier rejects the input;
//   - a Transient error wrapping ctx.Err() when ctx ends, without trying
//     further tiers;
//   - an svcerr.FallbackExhausted error wrapping *ExhaustedError otherwise.
//
// Failures of earlier tiers are returned alongside both success and
// error outcomes via the Result or ExhaustedError.
func (c *Chain[In, Out]) Run(ctx context.Context, in In) (*Result[Out], error) {
	logger := logging.WithComponent(c.Logger, "fallback").With(slog.String("chain", c.Name))
	rec := metrics.OrNoop(c.Recorder)
	sleep := c.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var failures []TierFailure
	total := 0
	for i, tier := range c.Tiers {
		for attempt := 1; ; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, interrupted(err)
			}
			total++
			out, err := tier.Produce(ctx, in)
			if err == nil {
				if i > 0 {
					logger.Info("fallback tier produced output",
						logging.Tier(i), logging.TierName(tier.Name()), logging.Attempt(attempt))
				}
				return &Result[Out]{Output: out, Tier: i, TierName: tier.Name(), Attempts: total, Failures: failures}, nil
			}

			kind := svcerr.KindOf(err)
			failures = append(failures, TierFailure{Tier: i, TierName: tier.Name(), Attempt: attempt, Kind: kind, Message: err.Error()})
			logger.Warn("tier attempt failed",
				logging.Tier(i), logging.TierName(tier.Name()), logging.Attempt(attempt),
				logging.ErrorKind(string(kind)), logging.Error(err))

			if kind == svcerr.InvalidInput {
				return nil, err
			}
			// Parent cancellation is not the tier's fault; stop without
			// descending to lower-fidelity tiers.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, interrupted(ctxErr)
			}
			if !c.Policy.ShouldRetry(err, attempt) {
				break
			}
			rec.IncRetry(c.Name)
			if err := sleep(ctx, c.Policy.DelayFor(err, attempt+1)); err != nil {
				return nil, interrupted(err)
			}
		}
	}

	exhausted := &ExhaustedError{Chain: c.Name, Failures: failures}
	logger.Error("fallback chain exhausted", slog.Int("tiers", len(c.Tiers)), logging.Error(exhausted))
	return nil, &svcerr.Error{Kind: svcerr.FallbackExhausted, Op: c.Name, Err: exhausted}
}

// Failures extracts the per-tier failures from a Run error, if any.
func Failures(err error) []TierFailure {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Failures
	}
	return nil
}

// interrupted marks a run stopped by its caller. It is Transient so the
// stage stays resumable.
func interrupted(err error) error {
	return &svcerr.Error{Kind: svcerr.Transient, Op: "interrupted", Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
