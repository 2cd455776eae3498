// Package http exposes the budget services as a JSON API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"budgetbase/internal/log"
	"budgetbase/internal/middleware/ratelimit"
	"budgetbase/internal/middleware/security"
	"budgetbase/internal/middleware/trace"
	"budgetbase/internal/services"
)

// Options configures NewServer.
type Options struct {
	Addr               string
	Budget             *services.BudgetService
	Selection          *services.SelectionService
	RateLimitPerMinute int
	Logger             *log.Logger
}

type Server struct {
	http.Server
	budget    *services.BudgetService
	selection *services.SelectionService
	limiter   *ratelimit.Limiter
	detector  *security.Detector
	tracer    *trace.Middleware
	logger    *log.Logger

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	s := &Server{
		budget:    opts.Budget,
		selection: opts.Selection,
		limiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitPerMinute}),
		detector:  security.NewDetector(),
		logger:    logger,
	}
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP, logger)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		s.tracer.Middleware,
		log.Middleware(s.logger),
		log.RequestIDMiddleware(func(r *http.Request) string { return trace.GetRequestID(r.Context()) }),
		security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware,
		s.flagSuspicious,
		withProfile,
	)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/records", s.handleRecords)
		r.Get("/pending", s.handlePending)
		r.Get("/pending/stream", s.handlePendingStream)
		r.Get("/selection", s.handleGetSelection)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(s.detector.ExtractClientIP, s.onRateLimit))

			r.Post("/engagements", s.handleCreateEngagement)
			r.Put("/engagements/{id}", s.handleUpdateEngagement)
			r.Delete("/engagements/{id}", s.handleDeleteEngagement)
			r.Post("/payments", s.handleCreatePayment)
			r.Post("/prefinancings", s.handleCreatePrefinancing)
			r.Post("/employee-loans", s.handleCreateEmployeeLoan)

			r.Post("/records/{kind}/{id}/sign", s.handleSign)
			r.Post("/records/{kind}/{id}/repayments", s.handleAddRepayment)

			r.Post("/grants", s.handleCreateGrant)
			r.Post("/grants/{id}/bank-transactions", s.handleBankTransaction)
			r.Put("/grants/{id}/bank-account", s.handleUpdateBankAccount)

			r.Post("/budget-lines", s.handleSaveBudgetLine)
			r.Put("/budget-lines/{id}", s.handleSaveBudgetLine)
			r.Delete("/budget-lines/{id}", s.handleDeleteBudgetLine)
			r.Post("/sub-budget-lines", s.handleSaveSubBudgetLine)
			r.Put("/sub-budget-lines/{id}", s.handleSaveSubBudgetLine)
			r.Delete("/sub-budget-lines/{id}", s.handleDeleteSubBudgetLine)

			r.Put("/selection", s.handleSelect)
			r.Post("/reconcile", s.handleReconcile)
		})
	})
	return r
}

func (s *Server) flagSuspicious(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.DetectSuspiciousRequest(r) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				log.FieldClientIP, s.detector.ExtractClientIP(r))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeErrorCode(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, please try again later", "")
}

// Shutdown stops the limiter and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		if s.selection != nil {
			s.selection.Close()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type metric struct {
	name, help, kind string
	value            int64
}

// handleMetrics writes request, security and rate-limit counters in the
// Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tm := s.tracer.GetMetrics()
	dm := s.detector.GetMetrics()
	metrics := []metric{
		{"http_requests_total", "Total number of HTTP requests", "counter", tm.TotalRequests},
		{"http_server_errors_total", "Responses with a 5xx status", "counter", tm.ServerErrors},
		{"suspicious_requests_total", "Requests matching a probing pattern", "counter", dm.SuspiciousRequests},
		{"forwarded_rejected_total", "Forwarding headers ignored from untrusted peers", "counter", dm.ForwardedRejected},
		{"rate_limit_hits_total", "Requests rejected by the rate limiter", "counter", s.limiter.Rejected()},
		{"rate_limit_clients", "Clients tracked by the rate limiter", "gauge", int64(s.limiter.ActiveClients())},
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, m := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", m.name, m.help, m.name, m.kind, m.name, m.value)
	}
}
