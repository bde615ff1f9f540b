package enrich

import (
	"context"
	"time"

	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/internal/domain/resolve"
	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
)

// Default runner configuration constants.
const (
	defaultJobTimeout = 10 * time.Second
)

// Broadcaster publishes enrichment patches to subscribed clients.
type Broadcaster interface {
	Broadcast(requestID string, message any)
}

// Resolver resolves one entity against one provider. It never fails; the
// tier-3 fallback guarantees a usable URL.
type Resolver interface {
	Resolve(ctx context.Context, name, locationHint string, p resolve.Provider) model.Resolution
}

// Runner composes the resolver, cache/lock, dispatcher, and hub into one
// unit of work per entity. It owns the hard per-job timeout and the
// guaranteed fallback write: no job ever leaves an entity pending.
type Runner struct {
	cache      *Cache
	resolver   Resolver
	dispatcher *Dispatcher
	hub        Broadcaster
	provider   resolve.Provider
	jobTimeout time.Duration
	logger     logger.Logger
}

// RunnerOption applies a configuration option to the Runner.
type RunnerOption func(*Runner)

// WithJobTimeout sets the hard wall-clock budget per job.
func WithJobTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.jobTimeout = timeout
		}
	}
}

// WithRunnerLogger sets a custom logger for the runner.
func WithRunnerLogger(l logger.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a job runner with configuration options.
func NewRunner(cache *Cache, resolver Resolver, dispatcher *Dispatcher, hub Broadcaster, provider resolve.Provider, opts ...RunnerOption) *Runner {
	r := &Runner{
		cache:      cache,
		resolver:   resolver,
		dispatcher: dispatcher,
		hub:        hub,
		provider:   provider,
		jobTimeout: defaultJobTimeout,
		logger:     logger.Get().Named("runner"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Dispatch routes one enrichment job. It never blocks on resolution and
// never returns an error to the primary pipeline: cache hits publish
// immediately, held locks skip, and a dead dispatcher degrades to an
// immediate not-found patch. The returned channel reports completion and
// may be ignored.
func (r *Runner) Dispatch(ctx context.Context, job model.EnrichmentJob) <-chan error {
	if e, ok := r.cache.Lookup(ctx, job.EntityID); ok {
		r.publish(job, e)
		return completed()
	}

	switch r.cache.TryAcquireLock(ctx, job.EntityID) {
	case LockHeld:
		// Another worker owns this entity; its result reaches clients via
		// broadcast or replay.
		return completed()
	case LockAcquired, LockError:
		// Proceed. On LockError there is no cross-fleet dedupe, but
		// resolution must not stall on a broken store.
	}

	// The job outlives the caller's request; the hard timeout inside run is
	// the only cancellation bound.
	jobCtx := context.WithoutCancel(ctx)
	done, err := r.dispatcher.Schedule(jobCtx, func(ctx context.Context) error {
		r.run(ctx, job)
		return nil
	})
	if err != nil {
		// Dispatch unavailable: synthesize the terminal patch right here so
		// enrichment degrades without failing primary delivery.
		metrics.RecordJobSyntheticFallback()
		r.logger.Warn(ctx, "dispatcher unavailable, synthesizing fallback",
			logger.String("entityID", job.EntityID),
			logger.Error(err),
		)
		e := r.fallbackEntry(job)
		r.cache.Write(jobCtx, job.EntityID, e)
		r.cache.ReleaseLock(jobCtx, job.EntityID)
		r.publish(job, e)
		return completed()
	}
	return done
}

// run is the unit of work executed under the dispatcher's slot.
func (r *Runner) run(ctx context.Context, job model.EnrichmentJob) {
	start := time.Now()
	defer func() {
		metrics.RecordJobLatency(float64(time.Since(start).Milliseconds()))
	}()

	res := r.resolveWithTimeout(ctx, job)

	e := Entry{
		Status:    res.Status,
		URL:       res.URL,
		LayerUsed: res.Layer,
		Source:    res.Source,
		UpdatedAt: time.Now().UTC(),
	}
	r.cache.Write(ctx, job.EntityID, e)
	r.cache.ReleaseLock(ctx, job.EntityID)
	r.publish(job, e)

	metrics.RecordJobCompleted()
	r.logger.Debug(ctx, "enrichment job finished",
		logger.String("requestID", job.RequestID),
		logger.String("entityID", job.EntityID),
		logger.Int("layer", e.LayerUsed),
		logger.String("status", string(e.Status)),
	)
}

// resolveWithTimeout races the resolver against the hard job timeout. On
// expiry the deterministic fallback wins and a late resolver completion is
// discarded.
func (r *Runner) resolveWithTimeout(ctx context.Context, job model.EnrichmentJob) model.Resolution {
	tctx, cancel := context.WithTimeout(ctx, r.jobTimeout)
	defer cancel()

	ch := make(chan model.Resolution, 1)
	go func() {
		ch <- r.resolver.Resolve(tctx, job.DisplayName, job.LocationHint, r.provider)
	}()

	select {
	case res := <-ch:
		return res
	case <-tctx.Done():
		metrics.RecordJobTimeout()
		r.logger.Warn(ctx, "job timed out, writing fallback",
			logger.String("entityID", job.EntityID),
			logger.Duration("timeout", r.jobTimeout),
		)
		return model.Resolution{
			Status: model.ResolutionNotFound,
			URL:    r.provider.InternalSearchURL(job.DisplayName),
			Layer:  layerInternalFallback,
			Source: model.SourceInternal,
		}
	}
}

// layerInternalFallback mirrors the resolver's tier-3 layer number so the
// timeout patch is indistinguishable in shape from a resolver fallback.
const layerInternalFallback = 3

func (r *Runner) fallbackEntry(job model.EnrichmentJob) Entry {
	return Entry{
		Status:    model.ResolutionNotFound,
		URL:       r.provider.InternalSearchURL(job.DisplayName),
		LayerUsed: layerInternalFallback,
		Source:    model.SourceInternal,
		UpdatedAt: time.Now().UTC(),
	}
}

// publish pushes the scoped patch through the hub. Delivery is always
// best-effort; a zero-subscriber broadcast is a no-op inside the hub.
func (r *Runner) publish(job model.EnrichmentJob, e Entry) {
	patch := model.ResultPatch{
		Type:      model.MessageTypeResultPatch,
		RequestID: job.RequestID,
		EntityID:  job.EntityID,
		Patch: map[string]model.ProviderPatch{
			r.provider.Name: {
				Status:    e.Status,
				URL:       e.URL,
				LayerUsed: e.LayerUsed,
				Source:    e.Source,
				UpdatedAt: e.UpdatedAt,
			},
		},
	}
	r.hub.Broadcast(job.RequestID, patch)
}

func completed() <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}
