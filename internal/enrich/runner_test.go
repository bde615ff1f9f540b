package enrich

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/sidelink/internal/adapters/kv"
	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/internal/domain/resolve"
	. "github.com/smartystreets/goconvey/convey"
)

// captureHub records broadcasts for assertions.
type captureHub struct {
	mu       sync.Mutex
	messages []model.ResultPatch
}

func (h *captureHub) Broadcast(requestID string, message any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if patch, ok := message.(model.ResultPatch); ok {
		h.messages = append(h.messages, patch)
	}
}

func (h *captureHub) patches() []model.ResultPatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.ResultPatch, len(h.messages))
	copy(out, h.messages)
	return out
}

// stubResolver counts calls and optionally blocks before answering.
type stubResolver struct {
	calls  atomic.Int64
	delay  time.Duration
	result model.Resolution
}

func (s *stubResolver) Resolve(ctx context.Context, name, locationHint string, p resolve.Provider) model.Resolution {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.result
}

func newTestRunner(resolver Resolver, hub Broadcaster, opts ...RunnerOption) (*Runner, *Cache, *Dispatcher, kv.Store) {
	store := kv.NewMemoryStore()
	cache := NewCache(store)
	dispatcher := NewDispatcher(WithLimit(8))
	provider := resolve.Provider{Name: "wolt", Domain: "wolt.com"}
	return NewRunner(cache, resolver, dispatcher, hub, provider, opts...), cache, dispatcher, store
}

func TestRunnerHappyPath(t *testing.T) {
	ctx := context.Background()

	Convey("Given a runner with a fast resolver", t, func() {
		resolver := &stubResolver{result: model.Resolution{
			Status: model.ResolutionFound,
			URL:    "https://wolt.com/en/restaurant/pizza-house",
			Layer:  2,
			Source: model.SourceSearch,
		}}
		hub := &captureHub{}
		r, cache, _, store := newTestRunner(resolver, hub)
		defer store.Close()

		Convey("When a job is dispatched", func() {
			job := model.EnrichmentJob{RequestID: "req-1", EntityID: "ent-1", DisplayName: "Pizza House"}
			So(<-r.Dispatch(ctx, job), ShouldBeNil)

			Convey("Then the result should be cached", func() {
				e, ok := cache.Lookup(ctx, "ent-1")
				So(ok, ShouldBeTrue)
				So(e.Status, ShouldEqual, model.ResolutionFound)
				So(e.URL, ShouldEqual, "https://wolt.com/en/restaurant/pizza-house")
				So(e.LayerUsed, ShouldEqual, 2)
			})

			Convey("And a scoped patch should be broadcast", func() {
				patches := hub.patches()
				So(patches, ShouldHaveLength, 1)
				So(patches[0].Type, ShouldEqual, model.MessageTypeResultPatch)
				So(patches[0].RequestID, ShouldEqual, "req-1")
				So(patches[0].EntityID, ShouldEqual, "ent-1")
				So(patches[0].Patch["wolt"].Status, ShouldEqual, model.ResolutionFound)
			})

			Convey("And the idempotency lock should be released", func() {
				So(cache.TryAcquireLock(ctx, "ent-1"), ShouldEqual, LockAcquired)
			})
		})
	})
}

func TestRunnerIdempotency(t *testing.T) {
	ctx := context.Background()

	Convey("Given many concurrent jobs for one entity", t, func() {
		resolver := &stubResolver{
			delay: 50 * time.Millisecond,
			result: model.Resolution{
				Status: model.ResolutionFound,
				URL:    "https://wolt.com/en/restaurant/pizza-house",
				Layer:  1,
				Source: model.SourceSearch,
			},
		}
		hub := &captureHub{}
		r, _, _, store := newTestRunner(resolver, hub)
		defer store.Close()

		Convey("When 8 dispatches race", func() {
			job := model.EnrichmentJob{RequestID: "req-1", EntityID: "ent-1", DisplayName: "Pizza House"}
			var wg sync.WaitGroup
			dones := make([]<-chan error, 8)
			for i := 0; i < 8; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					dones[i] = r.Dispatch(ctx, job)
				}()
			}
			wg.Wait()
			for _, done := range dones {
				<-done
			}

			Convey("Then the resolver should run exactly once", func() {
				So(resolver.calls.Load(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given an already cached entity", t, func() {
		resolver := &stubResolver{result: model.Resolution{Status: model.ResolutionFound, URL: "https://wolt.com/x", Layer: 2, Source: model.SourceSearch}}
		hub := &captureHub{}
		r, cache, _, store := newTestRunner(resolver, hub)
		defer store.Close()

		cache.Write(ctx, "ent-1", Entry{
			Status:    model.ResolutionFound,
			URL:       "https://wolt.com/cached",
			LayerUsed: 1,
			Source:    model.SourceSearch,
			UpdatedAt: time.Now().UTC(),
		})

		Convey("When the same entity is dispatched again", func() {
			job := model.EnrichmentJob{RequestID: "req-2", EntityID: "ent-1", DisplayName: "Pizza House"}
			So(<-r.Dispatch(ctx, job), ShouldBeNil)

			Convey("Then the cached result should publish without resolving", func() {
				So(resolver.calls.Load(), ShouldEqual, 0)
				patches := hub.patches()
				So(patches, ShouldHaveLength, 1)
				So(patches[0].RequestID, ShouldEqual, "req-2")
				So(patches[0].Patch["wolt"].URL, ShouldEqual, "https://wolt.com/cached")
			})
		})
	})
}

func TestRunnerTimeout(t *testing.T) {
	ctx := context.Background()

	Convey("Given a resolver slower than the job timeout", t, func() {
		resolver := &stubResolver{
			delay:  time.Second,
			result: model.Resolution{Status: model.ResolutionFound, URL: "https://wolt.com/late", Layer: 1, Source: model.SourceSearch},
		}
		hub := &captureHub{}
		r, cache, _, store := newTestRunner(resolver, hub, WithJobTimeout(30*time.Millisecond))
		defer store.Close()

		Convey("When the job runs out of budget", func() {
			job := model.EnrichmentJob{RequestID: "req-1", EntityID: "ent-1", DisplayName: "Pizza House"}
			So(<-r.Dispatch(ctx, job), ShouldBeNil)

			Convey("Then exactly one fallback patch should be broadcast", func() {
				patches := hub.patches()
				So(patches, ShouldHaveLength, 1)
				p := patches[0].Patch["wolt"]
				So(p.Status, ShouldEqual, model.ResolutionNotFound)
				So(p.URL, ShouldEqual, "https://wolt.com/search?q=Pizza%20House")
				So(p.LayerUsed, ShouldEqual, 3)
				So(p.Source, ShouldEqual, model.SourceInternal)
			})

			Convey("And the fallback should be the cached terminal entry", func() {
				e, ok := cache.Lookup(ctx, "ent-1")
				So(ok, ShouldBeTrue)
				So(e.Status, ShouldEqual, model.ResolutionNotFound)
				So(e.URL, ShouldEqual, "https://wolt.com/search?q=Pizza%20House")
			})
		})
	})
}

func TestRunnerSurvivesCallerCancel(t *testing.T) {
	Convey("Given a dispatched job whose caller context is canceled immediately", t, func() {
		resolver := &stubResolver{
			delay: 50 * time.Millisecond,
			result: model.Resolution{
				Status: model.ResolutionFound,
				URL:    "https://wolt.com/en/restaurant/pizza-house",
				Layer:  1,
				Source: model.SourceSearch,
			},
		}
		hub := &captureHub{}
		r, cache, _, store := newTestRunner(resolver, hub, WithJobTimeout(5*time.Second))
		defer store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		job := model.EnrichmentJob{RequestID: "req-1", EntityID: "ent-1", DisplayName: "Pizza House"}
		done := r.Dispatch(ctx, job)
		cancel()

		Convey("When the job finishes", func() {
			So(<-done, ShouldBeNil)

			Convey("Then the resolver's result should still be cached", func() {
				e, ok := cache.Lookup(context.Background(), "ent-1")
				So(ok, ShouldBeTrue)
				So(e.Status, ShouldEqual, model.ResolutionFound)
				So(e.URL, ShouldEqual, "https://wolt.com/en/restaurant/pizza-house")
				So(e.LayerUsed, ShouldEqual, 1)
			})

			Convey("And the patch should carry the resolved link, not the fallback", func() {
				patches := hub.patches()
				So(patches, ShouldHaveLength, 1)
				p := patches[0].Patch["wolt"]
				So(p.Status, ShouldEqual, model.ResolutionFound)
				So(p.URL, ShouldEqual, "https://wolt.com/en/restaurant/pizza-house")
			})
		})
	})
}

func TestRunnerDispatcherClosed(t *testing.T) {
	ctx := context.Background()

	Convey("Given a runner whose dispatcher is shut down", t, func() {
		resolver := &stubResolver{result: model.Resolution{Status: model.ResolutionFound, URL: "https://wolt.com/x", Layer: 2, Source: model.SourceSearch}}
		hub := &captureHub{}
		r, cache, dispatcher, store := newTestRunner(resolver, hub)
		defer store.Close()

		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		So(dispatcher.Shutdown(sctx), ShouldBeNil)

		Convey("When a job is dispatched anyway", func() {
			job := model.EnrichmentJob{RequestID: "req-1", EntityID: "ent-1", DisplayName: "Pizza House"}
			So(<-r.Dispatch(ctx, job), ShouldBeNil)

			Convey("Then a synthetic not-found patch should be published", func() {
				patches := hub.patches()
				So(patches, ShouldHaveLength, 1)
				p := patches[0].Patch["wolt"]
				So(p.Status, ShouldEqual, model.ResolutionNotFound)
				So(p.URL, ShouldEqual, "https://wolt.com/search?q=Pizza%20House")
				So(resolver.calls.Load(), ShouldEqual, 0)
			})

			Convey("And the entity should not be left locked", func() {
				So(cache.TryAcquireLock(ctx, "ent-1"), ShouldEqual, LockAcquired)
				_, ok := cache.Lookup(ctx, "ent-1")
				So(ok, ShouldBeTrue)
			})
		})
	})
}
