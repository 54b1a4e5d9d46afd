// Package api serves the coordinators over HTTP: account and pupil
// listings, counter sensors, timetable events as JSON and iCalendar,
// manual refresh, the refresh journal, and a websocket that pushes a
// message after every refresh cycle.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/rs/cors"

	"github.com/lilphil/homeassistant-classcharts/internal/integration"
	"github.com/lilphil/homeassistant-classcharts/internal/journal"
)

// icsTTL is how long a rendered feed is served before re-rendering,
// unless a refresh cycle flushes it first.
const icsTTL = time.Minute

// Registry is the set of accounts the server exposes.
type Registry interface {
	Entries() []*integration.Instance
	Get(id string) (*integration.Instance, bool)
}

// Journal is the refresh history the server reads.
type Journal interface {
	Recent(ctx context.Context, entryID string, limit int) ([]journal.Entry, error)
}

// Config configures a Server.
type Config struct {
	Address  string
	Port     int
	Registry Registry
	Journal  Journal // nil disables the journal endpoint
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	registry Registry
	journal  Journal
	logger   *slog.Logger
	server   *http.Server
	ics      *cache.Cache
	hub      *hub
}

// NewServer creates a server. Call [Server.Attach] (or Start) to
// receive coordinator updates.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		registry: cfg.Registry,
		journal:  cfg.Journal,
		logger:   cfg.Logger,
		ics:      cache.New(icsTTL, 5*time.Minute),
		hub:      newHub(cfg.Logger),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/v1/ws", s.handleWebsocket)

	r.Route("/v1/entries", func(r chi.Router) {
		r.Get("/", s.handleEntries)
		r.Route("/{entry}", func(r chi.Router) {
			r.Post("/refresh", s.handleRefresh)
			r.Get("/journal", s.handleJournal)
			r.Get("/pupils", s.handlePupils)
			r.Route("/pupils/{pupil}", func(r chi.Router) {
				r.Get("/sensors", s.handleSensors)
				r.Get("/events", s.handleEvents)
				r.Get("/calendar.ics", s.handleICS)
			})
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

// Attach registers a listener on every coordinator that flushes
// rendered feeds and notifies websocket clients. The returned func
// detaches.
func (s *Server) Attach() (detach func()) {
	var removes []func()
	for _, inst := range s.registry.Entries() {
		removes = append(removes, inst.Coordinator.AddListener(func() {
			s.ics.Flush()
			s.hub.broadcast(newUpdateMessage(inst))
		}))
	}
	return func() {
		for _, remove := range removes {
			remove()
		}
	}
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	detach := s.Attach()
	defer detach()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
