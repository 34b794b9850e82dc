// Package api exposes SessionPipe over HTTP and wires the scheduling core together.
//
// Webhook providers post events here, operators read jobs and manage the backup
// schedule, and session clients drive their timers and subscribe to pushes over
// a websocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/automation"
	"github.com/BTreeMap/SessionPipe/internal/backup"
	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/notify"
	"github.com/BTreeMap/SessionPipe/internal/session"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Request header names for webhook deliveries.
const (
	HeaderEventID        = "X-Event-Id"
	HeaderEventTimestamp = "X-Event-Timestamp"
	HeaderSignature      = "X-Signature"
)

// ServerDeps are the components the HTTP handlers call into.
type ServerDeps struct {
	Jobs      jobs.Scheduler
	Ingestor  *automation.Ingestor
	Schedules store.ScheduleRepo
	Planner   *backup.Planner
	Timers    *session.Timers
	Hub       *notify.Hub
	// Ready reports whether dependencies are reachable. Optional.
	Ready func(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	deps          ServerDeps
	webhookSecret string
	limiter       *rate.Limiter
	maxBodyBytes  int64
	router        chi.Router
}

// NewServer builds the router. Only the HTTP related options are read.
func NewServer(deps ServerDeps, opts ...Option) *Server {
	o := defaultOpts()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		deps:          deps,
		webhookSecret: o.webhookSecret,
		maxBodyBytes:  o.maxBodyBytes,
	}
	if o.webhookRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(o.webhookRate), o.webhookBurst)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", s.healthHandler)
	r.Post("/webhooks/{provider}", s.webhookHandler)
	r.Get("/jobs/{id}", s.getJobHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/backup-schedule", s.getBackupScheduleHandler)
		r.Put("/backup-schedule", s.putBackupScheduleHandler)
	})

	r.Route("/sessions/{id}/timer", func(r chi.Router) {
		r.Post("/", s.startTimerHandler)
		r.Get("/", s.getTimerHandler)
		r.Post("/{action}", s.timerActionHandler)
	})

	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.ServeWS)
	}
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"requestID", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
