// Package gateway exposes the HTTP surface of the analysis control plane:
// synchronous submission endpoints in front of the asynchronous execution
// backend, status polling, a websocket event stream, and operational
// endpoints.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skylens/skylens/core/infra/buildinfo"
	"github.com/skylens/skylens/core/infra/bus"
	"github.com/skylens/skylens/core/infra/config"
	"github.com/skylens/skylens/core/infra/logging"
	infraMetrics "github.com/skylens/skylens/core/infra/metrics"
	"github.com/skylens/skylens/core/infra/memory"
	"github.com/skylens/skylens/core/infra/registry"
	"github.com/skylens/skylens/core/infra/schema"
	"github.com/skylens/skylens/core/taskexec"
	"github.com/skylens/skylens/core/taskflow"
)

const (
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "skylens-api-key"
)

// eventBus is the bus surface the gateway itself consumes.
type eventBus interface {
	SubscribeStateEvents(handler func(*bus.StateEvent) error) error
}

type server struct {
	coordinator *taskflow.Coordinator
	resolver    *taskflow.Resolver
	registry    registry.Store
	taskStore   *memory.RedisTaskStore
	bus         eventBus
	natsInfo    func() (connected bool, status, url string)

	clients   map[*websocket.Conn]chan *bus.StateEvent
	clientsMu sync.RWMutex
	eventsCh  chan *bus.StateEvent

	metrics infraMetrics.GatewayMetrics
	auth    AuthProvider
	limits  config.Limits
	limiter *tokenBucket
	started time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

// Run starts the gateway with the basic file/env auth provider.
func Run(cfg *config.Config) error {
	return RunWithAuth(cfg, nil)
}

// RunWithAuth starts the gateway with a custom auth provider. When nil, the
// basic provider backed by API_KEYS_PATH and SKYLENS_API_KEYS is used.
func RunWithAuth(cfg *config.Config, provider AuthProvider) error {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	gwMetrics := infraMetrics.NewGatewayProm("skylens_api_gateway")
	if provider == nil {
		basic, err := newBasicAuthProvider(cfg.APIKeysPath)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		provider = basic
	}

	regStore, err := registry.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis registry: %w", err)
	}
	defer regStore.Close()

	taskStore, err := memory.NewRedisTaskStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis task store: %w", err)
	}
	defer taskStore.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	backend := taskexec.New(natsBus, taskStore)
	s := &server{
		coordinator: taskflow.NewCoordinator(regStore, backend, schema.ValidateGeometry),
		resolver:    taskflow.NewResolver(regStore, backend),
		registry:    regStore,
		taskStore:   taskStore,
		bus:         natsBus,
		clients:     make(map[*websocket.Conn]chan *bus.StateEvent),
		eventsCh:    make(chan *bus.StateEvent, 512),
		metrics:     gwMetrics,
		auth:        provider,
		limits:      cfg.Limits,
		limiter:     newTokenBucket(cfg.Limits.RateLimitRPS, cfg.Limits.RateLimitBurst),
		started:     time.Now().UTC(),
	}

	s.startBusTaps()
	s.natsInfo = func() (bool, string, string) {
		return natsBus.IsConnected(), natsBus.Status(), natsBus.ConnectedURL()
	}

	return startHTTPServer(s, cfg.HTTPAddr, cfg.MetricsAddr)
}

// startBusTaps subscribes to task state events once for the lifetime of the
// gateway and fans them out to websocket listeners.
func (s *server) startBusTaps() {
	if err := s.bus.SubscribeStateEvents(func(ev *bus.StateEvent) error {
		select {
		case s.eventsCh <- ev:
		default:
		}
		return nil
	}); err != nil {
		logging.Error("api-gateway", "bus subscribe failed", "subject", bus.SubjectAllStateEvents, "error", err)
	}

	go func() {
		for evt := range s.eventsCh {
			var slowClients []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- evt:
				default:
					slowClients = append(slowClients, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(slowClients) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slowClients {
					delete(s.clients, conn)
				}
				s.clientsMu.Unlock()
				for _, conn := range slowClients {
					if err := conn.Close(); err != nil {
						logging.Error("api-gateway", "ws client close failed", "error", err)
					}
				}
			}
		}
	}()
}

func startHTTPServer(s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	handler := corsMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.auth, s.routes())))

	logging.Info("api-gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("api-gateway", "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/v1/analyze", s.instrumented("/api/v1/analyze", s.handleSubmit(taskflow.KindAnalyze)))
	mux.HandleFunc("POST /api/v1/media", s.instrumented("/api/v1/media", s.handleSubmit(taskflow.KindMedia)))
	mux.HandleFunc("GET /api/v1/status/{uid}", s.instrumented("/api/v1/status/{uid}", s.handleTaskStatus))
	mux.HandleFunc("GET /api/v1/system", s.instrumented("/api/v1/system", s.handleSystem))
	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return mux
}

func (s *server) handleSystem(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}

	natsConnected := false
	natsStatus := "UNKNOWN"
	natsURL := ""
	if s.natsInfo != nil {
		natsConnected, natsStatus, natsURL = s.natsInfo()
	}

	redisOK := false
	redisErr := ""
	if s.taskStore == nil {
		redisErr = "task store unavailable"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.taskStore.Ping(ctx)
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	}

	registryOK := false
	registryErr := ""
	if pinger, ok := s.registry.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := pinger.Ping(ctx)
		cancel()
		if err != nil {
			registryErr = err.Error()
		} else {
			registryOK = true
		}
	} else {
		registryErr = "registry unavailable"
	}

	s.clientsMu.RLock()
	streamClients := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"build":          buildinfo.Map(),
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
		"registry": map[string]any{
			"ok":    registryOK,
			"error": registryErr,
		},
		"stream": map[string]any{
			"clients": streamClients,
		},
	})
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	logging.Info("api-gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("api-gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("api-gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan *bus.StateEvent, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
		close(clientCh)
	}()

	for {
		select {
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Error("api-gateway", "event marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		if reqHost != "" && host == reqHost {
			return true
		}
		return false
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{
		"SKYLENS_ALLOWED_ORIGINS",
		"CORS_ALLOW_ORIGINS",
	} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			set[p] = struct{}{}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

func rateLimitMiddleware(limiter *tokenBucket, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces API key auth and injects the auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
