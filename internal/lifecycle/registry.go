package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/metrics"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// Factory builds the config of the orchestrator serving user and desc.
type Factory func(user models.UserRef, desc jobtype.Descriptor) Config

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout sets how long an orchestrator may stay unused before the
// janitor closes it.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idle = d }
}

// WithRegistryClock sets the clock used for idle tracking.
func WithRegistryClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) { r.clk = clk }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryMetrics sets the collector tracking live orchestrators.
func WithRegistryMetrics(m *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

type entry struct {
	orch     *Orchestrator
	cancel   context.CancelFunc
	lastUsed time.Time
}

type registryKey struct {
	user    string
	jobType string
}

// Registry keeps one orchestrator per user and job type, each with its own
// status poller.
type Registry struct {
	types   *jobtype.Registry
	factory Factory
	clk     clock.Clock
	idle    time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[registryKey]*entry
	closed  bool
	wg      sync.WaitGroup
}

// NewRegistry creates a Registry over the given job types.
func NewRegistry(types *jobtype.Registry, factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		types:   types,
		factory: factory,
		clk:     clock.WallClock,
		idle:    30 * time.Minute,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries: make(map[registryKey]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Types returns the job-type catalog.
func (r *Registry) Types() *jobtype.Registry { return r.types }

// Get returns the orchestrator for user and jobType, creating it and
// starting its poller on first use.
func (r *Registry) Get(user models.UserRef, jobType string) (*Orchestrator, error) {
	desc, err := r.types.Lookup(jobType)
	if err != nil {
		return nil, err
	}

	key := registryKey{user: user.UserUID, jobType: desc.Key}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := r.entries[key]; ok {
		e.lastUsed = r.clk.Now()
		return e.orch, nil
	}

	cfg := r.factory(user, desc)
	cfg.JobType = desc
	orch, err := New(cfg)
	if err != nil {
		return nil, err
	}

	// The poller has no request, so it carries the owner's identity itself.
	ctx, cancel := context.WithCancel(session.WithUser(context.Background(), user))
	r.entries[key] = &entry{orch: orch, cancel: cancel, lastUsed: r.clk.Now()}
	r.metrics.OrchestratorStarted()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		orch.Poll(ctx)
	}()
	r.logger.Debug("orchestrator started", "user_uid", user.UserUID, "job_type", desc.Key)
	return orch, nil
}

// Sweep closes orchestrators that were idle longer than the idle timeout and
// have nothing left to poll. It returns the number closed.
func (r *Registry) Sweep() int {
	now := r.clk.Now()

	r.mu.Lock()
	var stale []*entry
	for k, e := range r.entries {
		if now.Sub(e.lastUsed) < r.idle || e.orch.NeedsPolling() || e.orch.Busy() {
			continue
		}
		stale = append(stale, e)
		delete(r.entries, k)
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.stop(e)
	}
	return len(stale)
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(interval):
			if n := r.Sweep(); n > 0 {
				r.logger.Info("closed idle orchestrators", "count", n)
			}
		}
	}
}

// Len returns the number of live orchestrators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every orchestrator and waits for their pollers to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[registryKey]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.stop(e)
	}
	r.wg.Wait()
}

func (r *Registry) stop(e *entry) {
	e.cancel()
	e.orch.Close()
	r.metrics.OrchestratorStopped()
}
