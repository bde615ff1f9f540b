package resolve

import (
	"context"
	"strconv"
	"time"

	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
)

// Resolution layer constants.
const (
	layerLocationSearch = 1
	layerNameSearch     = 2
	layerInternal       = 3
)

// Searcher runs one domain-restricted external search.
type Searcher interface {
	Search(ctx context.Context, query, site string) ([]model.SearchResult, error)
}

// Resolver turns (entity name, optional location hint, provider) into a
// found/not-found deep link with provenance. It never fails: every tier
// error degrades to the next tier, and tier 3 is pure URL construction.
type Resolver struct {
	searcher Searcher
	logger   logger.Logger
}

// Option applies a configuration option to the Resolver.
type Option func(*Resolver)

// WithLogger sets a custom logger for the resolver.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a resolver backed by the given searcher.
func New(searcher Searcher, opts ...Option) *Resolver {
	r := &Resolver{
		searcher: searcher,
		logger:   logger.Get().Named("resolver"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve walks the tiers in order and returns the first accepted result.
// External call volume is bounded at two searches per entity regardless of
// how often tier 3 answers.
func (r *Resolver) Resolve(ctx context.Context, name, locationHint string, p Provider) model.Resolution {
	start := time.Now()
	defer func() {
		metrics.RecordResolutionLatency(float64(time.Since(start).Milliseconds()))
	}()

	// Tier 1: name + location, only when a hint exists.
	if locationHint != "" {
		if u, ok := r.searchTier(ctx, name+" "+locationHint, p); ok {
			return r.finish(model.Resolution{
				Status: model.ResolutionFound,
				URL:    u,
				Layer:  layerLocationSearch,
				Source: model.SourceSearch,
			})
		}
	}

	// Tier 2: name only.
	if u, ok := r.searchTier(ctx, name, p); ok {
		return r.finish(model.Resolution{
			Status: model.ResolutionFound,
			URL:    u,
			Layer:  layerNameSearch,
			Source: model.SourceSearch,
		})
	}

	// Tier 3: the provider's own search page. Not a confirmed link, but
	// always a usable action.
	return r.finish(model.Resolution{
		Status: model.ResolutionNotFound,
		URL:    p.InternalSearchURL(name),
		Layer:  layerInternal,
		Source: model.SourceInternal,
	})
}

// searchTier runs one external search and returns the first allow-listed
// hit. Errors are logged and reported as an empty tier.
func (r *Resolver) searchTier(ctx context.Context, query string, p Provider) (string, bool) {
	results, err := r.searcher.Search(ctx, query, p.Domain)
	if err != nil {
		r.logger.Debug(ctx, "search tier failed",
			logger.String("query", query),
			logger.String("provider", p.Name),
			logger.Error(err),
		)
		return "", false
	}

	for _, res := range results {
		if p.AllowsURL(res.URL) {
			return res.URL, true
		}
	}
	return "", false
}

func (r *Resolver) finish(res model.Resolution) model.Resolution {
	metrics.RecordResolution(strconv.Itoa(res.Layer), string(res.Status))
	return res
}
