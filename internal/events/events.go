// Package events publishes job lifecycle notifications to external
// subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	JobSubmitted   = "submitted"
	JobCompleted   = "completed"
	JobFailed      = "failed"
	JobCancelled   = "cancelled"
	StageCompleted = "stage_completed"
	StageFailed    = "stage_failed"
)

// Event is one job lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Tier      int       `json:"tier,omitempty"`
	TierName  string    `json:"tier_name,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the published event types for jobID, in order.
func (r *Recorder) Types(jobID string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.JobID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}
