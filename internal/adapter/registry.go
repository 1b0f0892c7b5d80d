package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/metrics"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// Registry routes calls to the adapter for each capability and caps the
// number of simultaneous outbound calls per capability. Callers over the cap
// wait for a slot rather than fail.
type Registry struct {
	name     string
	adapters map[Capability]Adapter
	slots    map[Capability]*semaphore.Weighted
	limits   map[Capability]int64

	mu       sync.Mutex
	inflight map[Capability]int

	recorder metrics.Recorder
	logger   *slog.Logger
}

// RegistryOpts configures a Registry.
type RegistryOpts struct {
	Name     string // "live" or "mock", for logs
	Limits   map[string]int
	Recorder metrics.Recorder
	Logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOpts) *Registry {
	r := &Registry{
		name:     opts.Name,
		adapters: make(map[Capability]Adapter),
		slots:    make(map[Capability]*semaphore.Weighted),
		limits:   make(map[Capability]int64),
		inflight: make(map[Capability]int),
		recorder: metrics.OrNoop(opts.Recorder),
		logger:   logging.WithComponent(opts.Logger, "adapter"),
	}
	for _, c := range Capabilities {
		n := int64(opts.Limits[string(c)])
		if n <= 0 {
			n = 1
		}
		r.limits[c] = n
		r.slots[c] = semaphore.NewWeighted(n)
	}
	return r
}

// Register installs the adapter for a capability, replacing any previous one.
func (r *Registry) Register(c Capability, a Adapter) {
	r.adapters[c] = a
}

// Name returns the registry's label.
func (r *Registry) Name() string { return r.name }

// Has reports whether an adapter is installed for c.
func (r *Registry) Has(c Capability) bool {
	_, ok := r.adapters[c]
	return ok
}

// Call invokes the adapter for capability, waiting for a concurrency slot
// first. A missing adapter is a Permanent failure so fallback tiers engage.
func (r *Registry) Call(ctx context.Context, capability Capability, req Request) (*Response, error) {
	a, ok := r.adapters[capability]
	if !ok {
		return nil, &svcerr.Error{Kind: svcerr.Permanent, Capability: string(capability), Op: req.Operation,
			Err: errors.New("capability not configured")}
	}
	sem := r.slots[capability]
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, svcerr.WithCapability(svcerr.FromNetwork(err), string(capability), req.Operation)
	}
	r.track(capability, 1)
	defer func() {
		r.track(capability, -1)
		sem.Release(1)
	}()

	start := time.Now()
	resp, err := a.Call(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		err = svcerr.WithCapability(err, string(capability), req.Operation)
		kind := svcerr.KindOf(err)
		r.recorder.ObserveAdapterCall(string(capability), elapsed, string(kind))
		r.logger.Warn("adapter call failed",
			logging.Capability(string(capability)),
			slog.String("operation", req.Operation),
			slog.String("registry", r.name),
			logging.ErrorKind(string(kind)),
			logging.Duration(elapsed),
			logging.Error(err))
		return nil, err
	}
	if resp == nil {
		return nil, &svcerr.Error{Kind: svcerr.Transient, Capability: string(capability), Op: req.Operation,
			Err: fmt.Errorf("empty response")}
	}
	r.recorder.ObserveAdapterCall(string(capability), elapsed, "")
	r.logger.Debug("adapter call",
		logging.Capability(string(capability)),
		slog.String("operation", req.Operation),
		slog.String("registry", r.name),
		logging.Duration(elapsed))
	return resp, nil
}

// Inflight returns the number of calls currently holding a slot for c.
func (r *Registry) Inflight(c Capability) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[c]
}

// Limit returns the concurrency cap for c.
func (r *Registry) Limit(c Capability) int { return int(r.limits[c]) }

func (r *Registry) track(c Capability, delta int) {
	r.mu.Lock()
	r.inflight[c] += delta
	n := r.inflight[c]
	r.mu.Unlock()
	r.recorder.SetAdapterInflight(string(c), n)
}
