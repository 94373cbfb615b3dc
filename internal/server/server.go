// Package server exposes the command surface and the event stream over HTTP.
//
// Routes:
//
//   - POST /api/commands/{name}: invokes a command with the JSON request
//     body as its arguments. Responds with {"result": ...} or
//     {"error": {"kind": ..., "message": ...}}.
//   - GET /api/events: websocket stream of JSON-encoded events.
//   - GET /healthz, GET /readyz: liveness and readiness probes.
//   - GET /metrics: Prometheus exposition.
//
// The server is meant to listen on a loopback address. Every route is
// wrapped in [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/murmur/internal/command"
	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
)

const (
	defaultAddr        = "127.0.0.1:7878"
	defaultEventBuffer = 64
	maxBodyBytes       = 1 << 20
	writeTimeout       = 5 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Dispatcher runs a named command.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe(buffer int, names ...events.Name) *events.Subscription
}

// Option configures a [Server].
type Option func(*Server)

// WithAddr sets the listen address. Default: 127.0.0.1:7878.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithEventBuffer sets the per-connection event buffer size.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithOriginPatterns allows websocket connections from the given host
// patterns in addition to same-origin requests.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// Server serves the local API.
type Server struct {
	addr           string
	cmds           Dispatcher
	bus            Subscriber
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	eventBuffer    int
	origins        []string

	handler http.Handler
}

// New builds a Server. Call [Server.Run] to start listening.
func New(cmds Dispatcher, bus Subscriber, opts ...Option) *Server {
	s := &Server{
		addr:        defaultAddr,
		cmds:        cmds,
		bus:         bus,
		eventBuffer: defaultEventBuffer,
		origins:     []string{"localhost:*", "127.0.0.1:*"},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/commands/{name}", s.handleCommand)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", s.metricsHandler)
	if s.health != nil {
		s.health.Register(mux)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("api server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type response struct {
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Error: &errorBody{
			Kind:    command.KindInvalidArgument,
			Message: err.Error(),
		}})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{
			Kind:    command.KindInvalidArgument,
			Message: "request body is not valid JSON",
		}})
		return
	}

	res, err := s.cmds.Dispatch(r.Context(), name, body)
	if err != nil {
		kind := command.Kind(err)
		observe.Logger(r.Context()).Debug("command failed", "command", name, "kind", kind, "err", err)
		writeJSON(w, statusFor(kind), response{Error: &errorBody{Kind: kind, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, response{Result: res})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case command.KindUnknownCommand, command.KindNotFound, command.KindUnknownModel:
		return http.StatusNotFound
	case command.KindInvalidArgument, command.KindInvalidAudio, command.KindDecodingFailed:
		return http.StatusBadRequest
	case command.KindInvalidState, command.KindModelActive, command.KindLastPrompt,
		command.KindDownloadInProgress:
		return http.StatusConflict
	case command.KindDeviceUnavailable, command.KindModelNotReady,
		command.KindProviderUnavailable, command.KindProviderTimeout:
		return http.StatusServiceUnavailable
	case command.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.bus.Subscribe(s.eventBuffer)
	defer sub.Unsubscribe()

	// Inbound messages are not expected; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log := slog.With("subscription", sub.ID())
	log.Debug("event stream opened")

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed", "err", ctx.Err())
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("event encode failed", "event", ev.Name, "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("event write failed", "err", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}
