// Package state implements the time-boxed store of request terminal
// outcomes. The connection hub reads it to replay results to clients that
// subscribe after a request already finished.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
)

// Default store configuration constants.
const (
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

type entry struct {
	state     model.TerminalState
	createdAt time.Time
	expiresAt time.Time
}

// Store holds one terminal state per request id. Entries expire after a
// fixed TTL whether or not they were ever read; expired entries are
// evicted lazily on read and proactively by the sweep loop.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry

	defaultTTL    time.Duration
	sweepInterval time.Duration

	stop chan struct{}
	done chan struct{}

	logger logger.Logger
}

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithDefaultTTL sets the TTL used when Set is called without one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithSweepInterval sets how often expired entries are swept.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// WithLogger sets a custom logger for the store.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a terminal state store and starts its sweep loop.
func New(opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]entry),
		defaultTTL:    defaultTTL,
		sweepInterval: defaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        logger.Get().Named("state"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s
}

// Set records the state for requestID. A non-positive ttl falls back to
// the default. Set overwrites any previous entry and resets its clock.
func (s *Store) Set(ctx context.Context, requestID string, st model.TerminalState, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()

	s.mu.Lock()
	s.entries[requestID] = entry{
		state:     st,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	size := len(s.entries)
	s.mu.Unlock()

	metrics.UpdateTerminalEntries(size)
}

// Get returns the state for requestID, evicting it first if expired.
func (s *Store) Get(ctx context.Context, requestID string) (model.TerminalState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return model.TerminalState{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, requestID)
		return model.TerminalState{}, false
	}
	return e.state, true
}

// Update merges partial into the stored state. A terminal status is never
// unset: once completed or failed, later non-terminal statuses are
// ignored. Payload keys are merged; existing keys are overwritten.
// Returns false if no live entry exists.
func (s *Store) Update(ctx context.Context, requestID string, partial model.TerminalState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.entries, requestID)
		return false
	}

	if partial.Status != "" {
		if !e.state.Status.Terminal() || partial.Status.Terminal() {
			e.state.Status = partial.Status
		}
	}
	if len(partial.Payload) > 0 {
		if e.state.Payload == nil {
			e.state.Payload = make(map[string]any, len(partial.Payload))
		}
		for k, v := range partial.Payload {
			e.state.Payload[k] = v
		}
	}

	s.entries[requestID] = e
	return true
}

// Count returns the number of live entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown cancels the sweep loop.
func (s *Store) Shutdown() {
	select {
	case <-s.stop:
		return // already stopped
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep proactively evicts expired entries to bound memory.
func (s *Store) sweep() {
	now := time.Now()
	swept := 0

	s.mu.Lock()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			swept++
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	if swept > 0 {
		metrics.RecordTerminalSweep(swept)
		s.logger.Debug(context.Background(), "swept expired terminal states",
			logger.Int("swept", swept),
			logger.Int("remaining", size),
		)
	}
	metrics.UpdateTerminalEntries(size)
}
