package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"trust-triangle/go-backend/internal/domains/contracts"
	"trust-triangle/go-backend/internal/platform/ratelimiter"
)

const (
	DefaultRPCAddr = "127.0.0.1:8787"

	TokenHeader       = "X-TT-RPC-Token"
	IdempotencyHeader = "X-TT-Idempotency-Key"

	streamHeartbeat = 20 * time.Second
)

var ErrTokenRequired = errors.New("rpc token is required unless TT_REQUIRE_RPC_TOKEN=false in a development or test environment")

type Options struct {
	Addr            string
	Token           string
	RequireToken    bool
	AllowNullOrigin bool

	RateLimitEnabled   bool
	RPS                float64
	Burst              int
	StreamMaxGlobal    int
	StreamMaxPerClient int

	// MetricsPath mounts Metrics without auth when both are set.
	MetricsPath string
	Metrics     http.Handler

	Logger *slog.Logger
}

type Server struct {
	httpServer  *http.Server
	service     contracts.NodeService
	logger      *slog.Logger
	rpcToken    string
	requireRPC  bool
	allowNull   bool
	rpcLimiter  *ratelimiter.MapLimiter
	streams     *rpcStreamLimiter
	idempotency *rpcIdempotencyCache
}

func NewServer(svc contracts.NodeService, opts Options) (*Server, error) {
	if svc == nil {
		return nil, errors.New("node service is required")
	}
	if opts.RequireToken && strings.TrimSpace(opts.Token) == "" {
		return nil, ErrTokenRequired
	}
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		service:     svc,
		logger:      logger.With("component", "rpc"),
		rpcToken:    strings.TrimSpace(opts.Token),
		requireRPC:  opts.RequireToken,
		allowNull:   opts.AllowNullOrigin,
		streams:     newRPCStreamLimiter(opts.StreamMaxGlobal, opts.StreamMaxPerClient),
		idempotency: newRPCIdempotencyCache(),
	}
	if opts.RateLimitEnabled {
		s.rpcLimiter = ratelimiter.New(opts.RPS, opts.Burst, 10*time.Minute)
	}
	if s.rpcToken == "" {
		s.logger.Warn("rpc token is not set; RPC auth disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	if opts.MetricsPath != "" && opts.Metrics != nil {
		mux.Handle(opts.MetricsPath, opts.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.withCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the full HTTP handler including the origin policy.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run starts networking, serves until ctx is done, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	if err := s.service.StartNetworking(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := s.service.StopNetworking(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.service.StopNetworking(shutdownCtx)
		cancel()
		return err
	}
}

// withCORS rejects foreign origins outright and lets rs/cors answer
// preflights and set the response headers for allowed ones.
func (s *Server) withCORS(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowOriginFunc: s.isAllowedOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type", "Accept", "Authorization", TokenHeader, IdempotencyHeader},
		MaxAge:          600,
	})
	guarded := c.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && !s.isAllowedOrigin(origin) {
			http.Error(w, "origin is not allowed", http.StatusForbidden)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

func (s *Server) isAllowedOrigin(raw string) bool {
	if raw == "null" {
		return s.allowNull
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	release, allowed := s.streams.acquire(clientKey(r, s.extractRPCToken(r)))
	if !allowed {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return
	}
	defer release()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	cursor := int64(0)
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	replay, ch, cancel := s.service.SubscribeNotifications(cursor)
	defer cancel()

	for _, evt := range replay {
		if err := writeSSEEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt contracts.NotificationEvent) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  evt.Method,
		"params": map[string]any{
			"version":   rpcNotificationVersion,
			"seq":       evt.Seq,
			"timestamp": evt.Timestamp,
			"payload":   evt.Payload,
		},
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.Seq, data)
	return err
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" && !s.requireRPC {
		return true
	}
	if s.extractRPCToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(TokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// clientKey identifies a caller for rate and stream limits: by token when
// one is presented, otherwise by remote host.
func clientKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + token
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
