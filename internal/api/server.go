package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.OriginAllowed))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())
	if deps.Hub != nil {
		// Outside the compressed group so the connection can be hijacked.
		router.Get("/ws", deps.Hub.HandleWebSocket)
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Post("/analyze", handler.Analyze)

		r.Get("/transactions", handler.ListTransactions)
		r.Post("/transactions", handler.IngestTransaction)
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Get("/transactions/{id}/analysis", handler.GetTransactionAnalysis)

		r.Get("/analyses/{id}", handler.GetAnalysis)

		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Put("/alerts/{id}/status", handler.UpdateAlertStatus)

		r.Get("/alert-rules", handler.ListAlertRules)
		r.Post("/alert-rules", handler.CreateAlertRule)

		r.Get("/model", handler.ModelSummary)
		r.Post("/model/train", handler.Train)
		r.Post("/model/evaluate", handler.Evaluate)

		r.Get("/stats", handler.Stats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
