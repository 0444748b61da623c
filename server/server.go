// Package server is the HTTP transport: a chi router over the approval
// engine, with bearer authentication, role gates, idempotent writes, and the
// single error-to-status mapping at the boundary.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"expenseflow/auth"
	"expenseflow/fault"
	"expenseflow/middleware"
	"expenseflow/models"
	"expenseflow/storage"
	"expenseflow/workflow"
)

// Config carries the dependencies required to construct the server.
type Config struct {
	DB             *gorm.DB
	Engine         *workflow.Engine
	Receipts       *storage.ReceiptStore
	Authenticator  *auth.Authenticator
	RateLimiter    *middleware.RateLimiter
	RequestMetrics *middleware.RequestMetrics
	Registry       *prometheus.Registry
	Environment    string
	MaxUploadBytes int64
	Log            *slog.Logger
}

// Server encapsulates the HTTP API.
type Server struct {
	db             *gorm.DB
	engine         *workflow.Engine
	receipts       *storage.ReceiptStore
	authenticator  *auth.Authenticator
	rateLimiter    *middleware.RateLimiter
	requestMetrics *middleware.RequestMetrics
	registry       *prometheus.Registry
	environment    string
	maxUploadBytes int64
	log            *slog.Logger
	validate       *validator.Validate

	// Now is the server clock; tests override it.
	Now func() time.Time

	router http.Handler
}

const defaultMaxUpload = 5 << 20

// New constructs a configured server and its router.
func New(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		db:             cfg.DB,
		engine:         cfg.Engine,
		receipts:       cfg.Receipts,
		authenticator:  cfg.Authenticator,
		rateLimiter:    cfg.RateLimiter,
		requestMetrics: cfg.RequestMetrics,
		registry:       cfg.Registry,
		environment:    cfg.Environment,
		maxUploadBytes: cfg.MaxUploadBytes,
		log:            cfg.Log,
		validate:       validator.New(),
		Now:            func() time.Time { return time.Now().UTC() },
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if s.requestMetrics != nil {
		r.Use(s.requestMetrics.Middleware)
	}

	r.Get("/healthz", s.Health)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticator.Authenticate)
		api.Use(s.requireActivePrincipal)
		if s.rateLimiter != nil {
			api.Use(s.rateLimiter.Middleware)
		}
		api.Use(middleware.WithIdempotency(s.db))

		api.Post("/expenses", s.SubmitExpense)
		api.Get("/expenses/my", s.MyExpenses)
		api.With(auth.RequireRole(models.RoleManager, models.RoleAdmin)).Get("/expenses", s.ListExpenses)
		api.Get("/expenses/{id}", s.GetExpense)

		api.Get("/approvals/pending", s.PendingApprovals)
		api.Post("/approvals/{id}/approve", s.ApproveSlot)
		api.Post("/approvals/{id}/reject", s.RejectSlot)
		api.Get("/approvals/expense/{expenseID}", s.ApprovalHistory)

		api.Route("/config", func(admin chi.Router) {
			admin.Use(auth.RequireRole(models.RoleAdmin))
			admin.Post("/approvers", s.AddApprover)
			admin.Get("/approvers", s.ListApprovers)
			admin.Put("/approvers/{id}", s.UpdateApproverSequence)
			admin.Delete("/approvers/{id}", s.RemoveApprover)
			admin.Post("/rules", s.SetApprovalRule)
			admin.Get("/rules", s.ListRules)
		})
	})

	return r
}

// Health answers liveness probes after a bounded database ping.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 2*time.Second)
	defer cancel()
	if err := storage.Health(ctx, s.db); err != nil {
		s.log.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireActivePrincipal loads the authenticated user's row and rejects
// tokens for missing, relocated, or deactivated accounts.
func (s *Server) requireActivePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.FromContext(r.Context())
		if err != nil {
			s.writeError(w, r, fault.New(fault.Unauthorized, "missing identity"))
			return
		}
		var user models.User
		err = s.db.WithContext(r.Context()).
			Select("id", "company_id", "is_active").
			First(&user, "id = ?", claims.UserID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.writeError(w, r, fault.New(fault.Unauthorized, "unknown principal"))
				return
			}
			s.writeError(w, r, err)
			return
		}
		if !user.IsActive || user.CompanyID != claims.CompanyID {
			s.writeError(w, r, fault.New(fault.Unauthorized, "principal is not active"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// actorFromRequest converts verified claims into an engine actor.
func actorFromRequest(r *http.Request) (workflow.Actor, error) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return workflow.Actor{}, fault.New(fault.Unauthorized, "missing identity")
	}
	return workflow.Actor{UserID: claims.UserID, CompanyID: claims.CompanyID, Role: claims.Role}, nil
}
