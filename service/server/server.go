package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/db"
	"github.com/brojonat/tradedesk/service/metrics"
	natspkg "github.com/brojonat/tradedesk/service/nats"
	"github.com/brojonat/tradedesk/service/swap"
	"github.com/brojonat/tradedesk/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Confirmer broadcasts transactions and polls them to a terminal status.
type Confirmer interface {
	Submit(ctx context.Context, req confirm.TransactionRequest, observe confirm.Observer) (confirm.StatusUpdate, error)
	Watch(ctx context.Context, signature string, observe confirm.Observer) (confirm.StatusUpdate, error)
}

// SwapBuilder builds simulated swap transactions.
type SwapBuilder interface {
	Build(ctx context.Context, req swap.BuildRequest) (*swap.BuildResponse, error)
}

// SubmissionStore is the audit trail of submissions.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, params db.CreateSubmissionParams) (*db.Submission, error)
	UpdateSubmissionStatus(ctx context.Context, params db.UpdateSubmissionStatusParams) error
	GetSubmission(ctx context.Context, signature string) (*db.Submission, error)
	ListSubmissionsByWallet(ctx context.Context, params db.ListSubmissionsByWalletParams) ([]*db.Submission, error)
}

// StatusPublisher publishes status events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event *natspkg.StatusEvent) error
}

// Reconciler settles submissions that timed out.
type Reconciler interface {
	StartReconcile(ctx context.Context, input temporal.ReconcileInput) error
}

// Options contains the server's dependencies. Confirmer is required; every
// other integration is optional and its endpoints or side effects are disabled
// when it is nil.
type Options struct {
	Addr string

	Confirmer  Confirmer
	Builder    SwapBuilder
	Store      SubmissionStore
	Publisher  StatusPublisher
	Reconciler Reconciler
	Subscriber *EventSubscriber

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server represents the HTTP server for transaction submission and swap building.
type Server struct {
	addr       string
	confirmer  Confirmer
	builder    SwapBuilder
	store      SubmissionStore
	publisher  StatusPublisher
	reconciler Reconciler
	subscriber *EventSubscriber
	metrics    *metrics.Metrics
	logger     *slog.Logger
	server     *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(opts Options) (*Server, error) {
	if opts.Confirmer == nil {
		return nil, fmt.Errorf("confirmer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		addr:       opts.Addr,
		confirmer:  opts.Confirmer,
		builder:    opts.Builder,
		store:      opts.Store,
		publisher:  opts.Publisher,
		reconciler: opts.Reconciler,
		subscriber: opts.Subscriber,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}, nil
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Transaction routes
	route("POST /api/v1/transactions", "/api/v1/transactions", s.handleSubmitTransaction())
	route("GET /api/v1/transactions/{signature}", "/api/v1/transactions/{signature}", s.handleGetTransaction())
	route("GET /api/v1/stream/transactions/{signature}", "/api/v1/stream/transactions/{signature}", s.handleStreamTransaction())

	if s.builder != nil {
		route("POST /api/v1/swap/build", "/api/v1/swap/build", s.handleBuildSwap())
	} else {
		s.logger.Warn("swap builder not configured, swap endpoints disabled")
	}

	if s.store != nil {
		route("GET /api/v1/submissions", "/api/v1/submissions", handleListSubmissions(s.store, s.logger))
	} else {
		s.logger.Warn("database not configured, submission audit disabled")
	}

	// Event streaming endpoints (if NATS is configured)
	if s.subscriber != nil {
		route("GET /api/v1/stream/events", "/api/v1/stream/events", handleStreamEvents(s.subscriber, s.logger))
		route("GET /api/v1/stream/events/{signature}", "/api/v1/stream/events/{signature}", handleStreamEvents(s.subscriber, s.logger))
		s.logger.Info("event streaming endpoints enabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: submissions and streams are bounded by their handlers.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the event subscriber first (disconnects all stream clients)
	if s.subscriber != nil {
		s.subscriber.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
