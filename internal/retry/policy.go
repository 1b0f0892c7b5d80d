package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// Policy decides whether and when a failed adapter call is re-attempted.
// Attempts are 1-based and counted per fallback tier. Policy is immutable
// after construction.
type Policy struct {
	MaxAttempts int           // total attempts per tier, including the first
	Initial     time.Duration // delay before the second attempt
	Max         time.Duration // cap on any single delay
	Multiplier  float64       // exponential growth factor
	Jitter      float64       // +/- fraction applied to each delay, 0..1

	// rnd returns a value in [0,1). Nil uses math/rand/v2.
	rnd func() float64
}

// DefaultPolicy returns 3 attempts, 500ms initial, 30s cap, x2 growth, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
}

// NewPolicy builds a policy from raw config fields. Zero or invalid values
// fall back to the defaults.
func NewPolicy(maxAttempts int, initial, maxDelay time.Duration, multiplier, jitter float64) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if multiplier >= 1 {
		p.Multiplier = multiplier
	}
	if jitter >= 0 && jitter <= 1 {
		p.Jitter = jitter
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// WithRand returns a copy of p using rnd as its jitter source.
func (p Policy) WithRand(rnd func() float64) Policy {
	p.rnd = rnd
	return p
}

// ShouldRetry reports whether a call that failed with err on the given attempt
// should be attempted again within the same tier. Only transient errors are
// retried.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return svcerr.KindOf(err) == svcerr.Transient
}

// DelayBefore returns the wait before the given attempt. Attempt 1 never waits.
func (p Policy) DelayBefore(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	base := float64(p.Initial) * math.Pow(mult, float64(attempt-2))
	if base > float64(p.Max) {
		base = float64(p.Max)
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rnd != nil {
			r = p.rnd
		}
		base += base * p.Jitter * (2*r() - 1)
	}
	d := time.Duration(base)
	if d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// DelayFor is DelayBefore, stretched to honour any Retry-After hint carried by err.
func (p Policy) DelayFor(err error, attempt int) time.Duration {
	d := p.DelayBefore(attempt)
	if hint := svcerr.RetryAfterOf(err); hint > d {
		if hint > p.Max {
			return p.Max
		}
		return hint
	}
	return d
}

// Validate ensures the policy can be applied.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if p.Initial <= 0 {
		return errors.New("initial delay must be > 0")
	}
	if p.Max <= 0 {
		return errors.New("max delay must be > 0")
	}
	if p.Multiplier < 1 {
		return errors.New("multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("jitter must be within [0,1]")
	}
	return nil
}

// FromSettings builds a policy from the retry section of a config or job
// snapshot.
func FromSettings(s config.RetrySettings) Policy {
	return NewPolicy(s.MaxAttempts, s.InitialDelayDuration(), s.MaxDelayDuration(), s.Multiplier, s.Jitter)
}
