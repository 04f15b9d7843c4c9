package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/skylens/skylens/core/infra/bus"
	"github.com/skylens/skylens/core/infra/config"
	infraMetrics "github.com/skylens/skylens/core/infra/metrics"
	"github.com/skylens/skylens/core/infra/memory"
	"github.com/skylens/skylens/core/infra/registry"
	"github.com/skylens/skylens/core/infra/schema"
	"github.com/skylens/skylens/core/taskexec"
	"github.com/skylens/skylens/core/taskflow"
)

const testAPIKey = "test-api-key"

type stubBus struct {
	mu        sync.Mutex
	published []publishedTask
	handlers  []func(*bus.StateEvent) error
}

type publishedTask struct {
	subject string
	task    *bus.Task
}

func (b *stubBus) PublishTask(subject string, task *bus.Task) error {
	b.mu.Lock()
	b.published = append(b.published, publishedTask{subject: subject, task: task})
	b.mu.Unlock()
	return nil
}

func (b *stubBus) SubscribeStateEvents(handler func(*bus.StateEvent) error) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return nil
}

func (b *stubBus) emit(ev *bus.StateEvent) {
	b.mu.Lock()
	handlers := append([]func(*bus.StateEvent) error{}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(ev)
	}
}

func (b *stubBus) publishedTasks() []publishedTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedTask{}, b.published...)
}

type staticAuth struct{}

func (staticAuth) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	key := apiKeyFromRequest(r)
	if key != testAPIKey {
		return nil, errInvalidKey
	}
	return &AuthContext{APIKey: key, Owner: key}, nil
}

var errInvalidKey = errors.New("invalid api key")

func newTestGateway(t *testing.T) (*server, *stubBus, *memory.RedisTaskStore) {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	redisURL := "redis://" + srv.Addr()
	regStore, err := registry.NewRedisStore(redisURL)
	if err != nil {
		t.Fatalf("registry store: %v", err)
	}
	taskStore, err := memory.NewRedisTaskStore(redisURL)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}

	sb := &stubBus{}
	backend := taskexec.New(sb, taskStore)
	limits := config.Limits{
		RateLimitRPS:    0, // no limiter in tests
		RateLimitBurst:  0,
		MaxPayloadBytes: 2 << 20,
		MaxGeometries:   32,
	}
	s := &server{
		coordinator: taskflow.NewCoordinator(regStore, backend, schema.ValidateGeometry),
		resolver:    taskflow.NewResolver(regStore, backend),
		registry:    regStore,
		taskStore:   taskStore,
		bus:         sb,
		clients:     make(map[*websocket.Conn]chan *bus.StateEvent),
		eventsCh:    make(chan *bus.StateEvent, 8),
		metrics:     infraMetrics.Noop{},
		auth:        staticAuth{},
		limits:      limits,
		started:     time.Now().UTC(),
	}

	t.Cleanup(func() {
		_ = regStore.Close()
		_ = taskStore.Close()
	})

	return s, sb, taskStore
}

func testHandler(s *server) http.Handler {
	return corsMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.auth, s.routes())))
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func analyzeBody() submitRequest {
	return submitRequest{
		Start:          "2024_01",
		Stop:           "2024_03",
		TargetGeojsons: []string{`{"type":"Point","coordinates":[10.5,45.2]}`},
	}
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}
