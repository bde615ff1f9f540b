package service_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/sidelink/internal/app"
	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/internal/domain/resolve"
	"github.com/okian/sidelink/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

// fixedSearcher always answers with the same results.
type fixedSearcher struct {
	results []model.SearchResult
}

func (s fixedSearcher) Search(ctx context.Context, query, site string) ([]model.SearchResult, error) {
	return s.results, nil
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should have sensible defaults", func() {
			So(svc, ShouldNotBeNil)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithConcurrencyLimit(4),
			service.WithJobTimeout(2*time.Second),
			service.WithTerminalTTL(time.Minute),
			service.WithProvider(resolve.Provider{Name: "wolt", Domain: "wolt.com"}),
		)

		Convey("Then it should be created successfully", func() {
			So(svc, ShouldNotBeNil)
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithSearcher(fixedSearcher{}))
		defer svc.Stop()

		Convey("When starting the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
			})

			Convey("And it should be marked as started", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
			})

			Convey("And starting twice should be a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})

			Convey("And stopping should mark it stopped", func() {
				svc.Stop()
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, false)
			})
		})
	})
}

func TestService_CompleteRequest(t *testing.T) {
	Convey("Given a started service with a websocket subscriber", t, func() {
		svc := service.New(
			service.WithSearcher(fixedSearcher{results: []model.SearchResult{
				{Title: "Pizza House", URL: "https://wolt.com/en/restaurant/pizza-house"},
			}}),
			service.WithJobTimeout(2*time.Second),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		srv := httptest.NewServer(svc.Subscriptions())
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		So(err, ShouldBeNil)
		defer conn.Close()

		So(conn.WriteJSON(map[string]string{
			"type":       "subscribe",
			"request_id": "req-1",
		}), ShouldBeNil)
		// Let the subscription land before completing the request.
		time.Sleep(50 * time.Millisecond)

		Convey("When the request completes with an enrichment job", func() {
			svc.CompleteRequest(ctx, "req-1", model.TerminalState{
				Status:  model.RequestCompleted,
				Payload: map[string]any{"status": "completed", "items": []any{"ent-1"}},
			}, []model.EnrichmentJob{
				{RequestID: "req-1", EntityID: "ent-1", DisplayName: "Pizza House", LocationHint: "Berlin"},
			})

			Convey("Then the subscriber should receive the terminal broadcast and the patch", func() {
				So(conn.SetReadDeadline(time.Now().Add(3*time.Second)), ShouldBeNil)

				var sawTerminal, sawPatch bool
				for i := 0; i < 2; i++ {
					_, raw, err := conn.ReadMessage()
					So(err, ShouldBeNil)

					var msg map[string]any
					So(json.Unmarshal(raw, &msg), ShouldBeNil)
					switch msg["type"] {
					case "result_patch":
						sawPatch = true
						So(msg["request_id"], ShouldEqual, "req-1")
						So(msg["entity_id"], ShouldEqual, "ent-1")
						patch, ok := msg["patch"].(map[string]any)
						So(ok, ShouldBeTrue)
						wolt, ok := patch["wolt"].(map[string]any)
						So(ok, ShouldBeTrue)
						So(wolt["status"], ShouldEqual, "found")
						So(wolt["url"], ShouldEqual, "https://wolt.com/en/restaurant/pizza-house")
					default:
						sawTerminal = true
						So(msg["status"], ShouldEqual, "completed")
					}
				}
				So(sawTerminal, ShouldBeTrue)
				So(sawPatch, ShouldBeTrue)
			})
		})

		Convey("When a late subscriber arrives after completion", func() {
			svc.CompleteRequest(ctx, "req-2", model.TerminalState{
				Status:  model.RequestCompleted,
				Payload: map[string]any{"status": "completed"},
			}, nil)

			late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			So(err, ShouldBeNil)
			defer late.Close()

			So(late.WriteJSON(map[string]string{
				"type":       "subscribe",
				"request_id": "req-2",
			}), ShouldBeNil)

			Convey("Then the terminal payload should be replayed", func() {
				So(late.SetReadDeadline(time.Now().Add(3*time.Second)), ShouldBeNil)
				_, raw, err := late.ReadMessage()
				So(err, ShouldBeNil)

				var msg map[string]any
				So(json.Unmarshal(raw, &msg), ShouldBeNil)
				So(msg["status"], ShouldEqual, "completed")
			})
		})
	})
}

func TestService_UpdateRequest(t *testing.T) {
	Convey("Given a started service with a recorded request", t, func() {
		svc := service.New(service.WithSearcher(fixedSearcher{}))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		svc.CompleteRequest(ctx, "req-1", model.TerminalState{
			Status:  model.RequestCompleted,
			Payload: map[string]any{"a": 1},
		}, nil)

		Convey("When merging a partial update", func() {
			ok := svc.UpdateRequest(ctx, "req-1", model.TerminalState{
				Payload: map[string]any{"b": 2},
			})

			Convey("Then the update should apply", func() {
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When updating an unknown request", func() {
			ok := svc.UpdateRequest(ctx, "req-404", model.TerminalState{Status: model.RequestFailed})

			Convey("Then it should report a miss", func() {
				So(ok, ShouldBeFalse)
			})
		})
	})
}
