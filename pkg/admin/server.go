// Package admin exposes the operational surface of the sync engine over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoff-tech/go-calsync/pkg/schema"
	"github.com/zoff-tech/go-calsync/pkg/store"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// QueueOps is the part of the outbox store the admin API reads and repairs.
type QueueOps interface {
	StatusCounts(ctx context.Context) ([]schema.StatusCount, error)
	ListDeadLetters(ctx context.Context, limit int) ([]schema.QueueItem, error)
	Requeue(ctx context.Context, id string) error
}

// Pinger reports whether the backing store is reachable.
type Pinger func(ctx context.Context) error

type Server struct {
	server *http.Server
	router *chi.Mux
	ops    QueueOps
	ping   Pinger
	logger *slog.Logger
}

// NewServer builds the admin server. ping may be nil.
func NewServer(addr string, ops QueueOps, ping Pinger, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		ops:    ops,
		ping:   ping,
		logger: logger,
	}
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(chimiddleware.Timeout(30 * time.Second))
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("Admin server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.healthz)
	s.router.Get("/status", s.status)
	s.router.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", s.listDeadLetters)
		r.Post("/{id}/requeue", s.requeue)
	})
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.ops.StatusCounts(r.Context())
	if err != nil {
		s.fail(w, r, "Failed to load status counts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	items, err := s.ops.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "Failed to list dead letters", err)
		return
	}
	if items == nil {
		items = []schema.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.ops.Requeue(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no dead-lettered item " + id})
		return
	}
	if err != nil {
		s.fail(w, r, "Failed to requeue item", err)
		return
	}
	s.logger.InfoContext(r.Context(), "Item requeued", "item_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(schema.StatusPending)})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.ErrorContext(r.Context(), msg, "error", err, "request_id", chimiddleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
