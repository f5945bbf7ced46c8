// Package api exposes the monitoring engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/kyb-monitor/internal/metrics"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/scheduler"
	"github.com/sells-group/kyb-monitor/internal/store"
)

// TenantHeader optionally scopes requests to one tenant.
const TenantHeader = "X-Tenant-ID"

// Reader is the part of the store the API reads directly.
type Reader interface {
	GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error)
	ListSnapshots(ctx context.Context, counterpartyID string, limit int) ([]model.Snapshot, error)
	CountHealth(ctx context.Context) ([]store.HealthCount, error)
	Ping(ctx context.Context) error
}

// Checker runs out-of-band checks.
type Checker interface {
	CheckNow(ctx context.Context, counterpartyID string) ([]scheduler.Outcome, error)
}

// Alerts lists and acknowledges alerts.
type Alerts interface {
	Get(ctx context.Context, id string) (*model.Alert, error)
	List(ctx context.Context, filter model.AlertFilter) ([]model.Alert, error)
	Acknowledge(ctx context.Context, id string) (*model.Alert, error)
}

// Server holds the HTTP handlers.
type Server struct {
	store   Reader
	checker Checker
	alerts  Alerts
	origins []string
	timeout time.Duration
	log     *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the CORS origins. Default: none.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithRequestTimeout bounds every request. Default: 60s.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a Server.
func New(st Reader, checker Checker, alerts Alerts, opts ...Option) *Server {
	s := &Server{
		store:   st,
		checker: checker,
		alerts:  alerts,
		timeout: 60 * time.Second,
		log:     zap.L().With(zap.String("component", "api")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(metrics.Instrument)

	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", TenantHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/kyb", func(r chi.Router) {
		r.Post("/counterparties/{id}/check", s.handleCheck)
		r.Get("/counterparties/{id}", s.handleGetCounterparty)
		r.Get("/alerts", s.handleListAlerts)
		r.Put("/alerts/{id}", s.handleUpdateAlert)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps lookup failures to a status code.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.log.Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
