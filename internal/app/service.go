// Package service provides the core business service that wires the
// connection hub, terminal state store, and enrichment pipeline together.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/okian/sidelink/internal/adapters/kv"
	"github.com/okian/sidelink/internal/adapters/search"
	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/internal/domain/resolve"
	"github.com/okian/sidelink/internal/enrich"
	"github.com/okian/sidelink/internal/hub"
	"github.com/okian/sidelink/internal/state"
	"github.com/okian/sidelink/pkg/logger"
)

// Default service configuration constants.
const (
	defaultConcurrencyLimit  = 8
	defaultJobTimeout        = 10 * time.Second
	defaultCacheTTL          = time.Hour
	defaultLockTTL           = 60 * time.Second
	defaultTerminalTTL       = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	shutdownDrainTimeout     = 10 * time.Second
)

// Service is the composition root. One instance is built per process at
// startup and injected wherever needed; there are no package-level
// singletons for the hub or the shared store.
type Service struct {
	mu sync.RWMutex

	// Core components
	kvStore    kv.Store
	cache      *enrich.Cache
	dispatcher *enrich.Dispatcher
	runner     *enrich.Runner
	hub        *hub.Hub
	terminal   *state.Store
	searcher   resolve.Searcher

	// Configuration
	concurrencyLimit  int
	jobTimeout        time.Duration
	cacheTTL          time.Duration
	lockTTL           time.Duration
	terminalTTL       time.Duration
	heartbeatInterval time.Duration
	environment       string
	allowedOrigins    []string
	provider          resolve.Provider
	searchEndpoint    string
	searchAPIKey      string
	searchTimeout     time.Duration
	searchRate        float64
	searchBurst       int
	kvDriver          string
	kvDSN             string

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConcurrencyLimit caps simultaneously executing enrichment jobs.
func WithConcurrencyLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.concurrencyLimit = limit
		}
	}
}

// WithJobTimeout sets the hard per-job wall-clock budget.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

// WithCacheTTL bounds cached resolution lifetimes.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithLockTTL bounds the idempotency lock lifetime.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithTerminalTTL bounds how long terminal states stay replayable.
func WithTerminalTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.terminalTTL = ttl
		}
	}
}

// WithHeartbeatInterval sets the websocket liveness ping interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.heartbeatInterval = interval
		}
	}
}

// WithEnvironment sets the deploy environment driving the origin policy.
func WithEnvironment(env string) Option {
	return func(s *Service) {
		if env != "" {
			s.environment = env
		}
	}
}

// WithAllowedOrigins sets the production websocket origin allow-list.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Service) {
		s.allowedOrigins = origins
	}
}

// WithProvider sets the deep link target provider.
func WithProvider(p resolve.Provider) Option {
	return func(s *Service) {
		if p.Domain != "" {
			s.provider = p
		}
	}
}

// WithSearch configures the external search client.
func WithSearch(endpoint, apiKey string, timeout time.Duration, perSecond float64, burst int) Option {
	return func(s *Service) {
		s.searchEndpoint = endpoint
		s.searchAPIKey = apiKey
		s.searchTimeout = timeout
		s.searchRate = perSecond
		s.searchBurst = burst
	}
}

// WithSearcher injects a pre-built searcher, mainly for tests.
func WithSearcher(sr resolve.Searcher) Option {
	return func(s *Service) {
		if sr != nil {
			s.searcher = sr
		}
	}
}

// WithKVStore injects a pre-built shared store, mainly for tests.
func WithKVStore(store kv.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.kvStore = store
		}
	}
}

// WithKVDriver selects the shared store backend ("memory" or "sqlite").
func WithKVDriver(driver, dsn string) Option {
	return func(s *Service) {
		if driver != "" {
			s.kvDriver = driver
			s.kvDSN = dsn
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		concurrencyLimit:  defaultConcurrencyLimit,
		jobTimeout:        defaultJobTimeout,
		cacheTTL:          defaultCacheTTL,
		lockTTL:           defaultLockTTL,
		terminalTTL:       defaultTerminalTTL,
		heartbeatInterval: defaultHeartbeatInterval,
		environment:       "development",
		provider:          resolve.Provider{Name: "wolt", Domain: "wolt.com"},
		kvDriver:          "memory",
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start initializes and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	// Initialize logger if not already set
	if s.logger == nil {
		s.logger = logger.Get()
	}

	s.logger.Info(ctx, "starting enrichment service...")

	if s.kvStore == nil {
		store, err := s.buildKVStore(ctx)
		if err != nil {
			return err
		}
		s.kvStore = store
	}

	s.terminal = state.New(
		state.WithDefaultTTL(s.terminalTTL),
	)
	s.hub = hub.New(s.terminal,
		hub.WithHeartbeatInterval(s.heartbeatInterval),
		hub.WithEnvironment(s.environment),
		hub.WithAllowedOrigins(s.allowedOrigins),
	)
	s.cache = enrich.NewCache(s.kvStore,
		enrich.WithCacheTTL(s.cacheTTL),
		enrich.WithLockTTL(s.lockTTL),
	)
	s.dispatcher = enrich.NewDispatcher(
		enrich.WithLimit(s.concurrencyLimit),
	)

	if s.searcher == nil {
		s.searcher = search.NewClient(
			search.WithEndpoint(s.searchEndpoint),
			search.WithAPIKey(s.searchAPIKey),
			search.WithTimeout(s.searchTimeout),
			search.WithRateLimit(s.searchRate, s.searchBurst),
		)
	}
	resolver := resolve.New(s.searcher)
	s.runner = enrich.NewRunner(s.cache, resolver, s.dispatcher, s.hub, s.provider,
		enrich.WithJobTimeout(s.jobTimeout),
	)

	s.started = true
	s.logger.Info(ctx, "enrichment service started",
		logger.Int("concurrencyLimit", s.concurrencyLimit),
		logger.Duration("jobTimeout", s.jobTimeout),
		logger.String("provider", s.provider.Name),
		logger.String("kvDriver", s.kvDriver),
	)

	return nil
}

func (s *Service) buildKVStore(ctx context.Context) (kv.Store, error) {
	switch s.kvDriver {
	case "sqlite":
		store, err := kv.NewSQLiteStore(ctx, s.kvDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite kv store: %w", err)
		}
		s.logger.Info(ctx, "using sqlite kv store", logger.String("dsn", s.kvDSN))
		return store, nil
	default:
		s.logger.Info(ctx, "using in-memory kv store")
		return kv.NewMemoryStore(), nil
	}
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping enrichment service...")

	// Drain in-flight jobs before closing the transports they publish to.
	if s.dispatcher != nil {
		drainCtx, cancel := context.WithTimeout(ctx, shutdownDrainTimeout)
		if err := s.dispatcher.Shutdown(drainCtx); err != nil {
			s.logger.Warn(ctx, "dispatcher drain incomplete", logger.Error(err))
		}
		cancel()
	}

	if s.hub != nil {
		s.hub.Shutdown()
	}
	if s.terminal != nil {
		s.terminal.Shutdown()
	}
	if s.kvStore != nil {
		if err := s.kvStore.Close(); err != nil {
			s.logger.Warn(ctx, "kv store close failed", logger.Error(err))
		}
	}

	s.started = false
	s.logger.Info(ctx, "enrichment service stopped")
}

// Subscriptions returns the websocket handler clients connect to.
func (s *Service) Subscriptions() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub
}

// CompleteRequest records the terminal outcome of a primary request,
// broadcasts it to current subscribers, and dispatches enrichment jobs.
// It never waits on enrichment: the upstream pipeline's response is
// already on its way when this returns.
func (s *Service) CompleteRequest(ctx context.Context, requestID string, st model.TerminalState, jobs []model.EnrichmentJob) {
	s.mu.RLock()
	terminal, runner, hb := s.terminal, s.runner, s.hub
	started := s.started
	s.mu.RUnlock()
	if !started {
		return
	}

	terminal.Set(ctx, requestID, st, 0)
	if st.Status.Terminal() && st.Payload != nil {
		hb.Broadcast(requestID, st.Payload)
	}

	for _, job := range jobs {
		// Completion is observed through broadcasts; nobody waits here.
		_ = runner.Dispatch(ctx, job)
	}
}

// UpdateRequest merges a partial update into a recorded request state.
func (s *Service) UpdateRequest(ctx context.Context, requestID string, partial model.TerminalState) bool {
	s.mu.RLock()
	terminal := s.terminal
	started := s.started
	s.mu.RUnlock()
	if !started {
		return false
	}
	return terminal.Update(ctx, requestID, partial)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":          s.started,
		"concurrencyLimit": s.concurrencyLimit,
		"environment":      s.environment,
		"provider":         s.provider.Name,
	}

	if s.started {
		stats["connections"] = s.hub.ConnectionCount()
		stats["terminalStates"] = s.terminal.Count()
		stats["jobsRunning"] = s.dispatcher.Running()
		stats["jobsQueued"] = s.dispatcher.Queued()
	}

	return stats
}
