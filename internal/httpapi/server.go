// Package httpapi serves the daemon's local REST surface: device listings,
// transfer control and the live event stream that desktop frontends sit on.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/history"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/transfer"
)

// Deps are the daemon pieces the API fronts. History may be nil, in which
// case /history serves empty lists.
type Deps struct {
	Registry *registry.Registry
	Manager  *transfer.Manager
	Bus      *events.Bus
	History  *history.Store
}

// Config holds the listener settings. ReadTimeout covers the request line
// and headers only; upload bodies and the event stream are unbounded.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

func (c Config) fill() Config {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server is the daemon API listener.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// New builds the server. The address is expected to be loopback; there is no
// authentication on this surface.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	cfg = cfg.fill()
	return &Server{
		http: &http.Server{
			Addr:    cfg.Addr,
			Handler: NewRouter(deps, log),
			// No WriteTimeout: /events streams indefinitely.
			ReadHeaderTimeout: cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    1 << 20,
		},
		log: log,
	}
}

// Start runs the listener until Stop or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("api shutting down")
	return s.http.Shutdown(ctx)
}

// NewRouter assembles the chi router. Split out from New so tests can mount
// it on httptest servers.
func NewRouter(deps Deps, log zerolog.Logger) http.Handler {
	h := &handlers{
		deps: deps,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", h.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", h.listDevices)
		r.Get("/devices/{id}", h.getDevice)
		r.Post("/devices/{id}/send", h.sendToDevice)
		r.Post("/devices/{id}/cancel", h.cancelDevice)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/history", h.listHistory)
		r.Get("/events", h.streamEvents)
	})
	return r
}

// requestLog emits one line per request.
func requestLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
