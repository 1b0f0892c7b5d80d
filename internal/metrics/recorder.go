// Package metrics defines the observability hooks used by the adapter
// registry, fallback chains, executor and orchestrator.
package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFallback ResultLabel = "fallback"
	ResultFailure  ResultLabel = "failure"
)

// Recorder receives pipeline measurements. NoopRecorder is the default when
// metrics are disabled.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncTierUsed(stage string, tier int)
	IncRetry(stage string)
	ObserveAdapterCall(capability string, d time.Duration, errKind string)
	SetAdapterInflight(capability string, n int)
	IncJobOutcome(status string)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)       {}
func (NoopRecorder) IncStageResult(string, ResultLabel)               {}
func (NoopRecorder) IncTierUsed(string, int)                          {}
func (NoopRecorder) IncRetry(string)                                  {}
func (NoopRecorder) ObserveAdapterCall(string, time.Duration, string) {}
func (NoopRecorder) SetAdapterInflight(string, int)                   {}
func (NoopRecorder) IncJobOutcome(string)                             {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
