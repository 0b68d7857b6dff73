package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, svc *engine.Service, custom *rules.Engine, version string) *Server {
	handler := NewHandler(repo, cache, bus, svc, custom, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)
		if cfg.RateLimit > 0 {
			window := time.Duration(cfg.RateWindowSecs) * time.Second
			if window <= 0 {
				window = time.Minute
			}
			r.Use(RateLimitMiddleware(cache, cfg.RateLimit, window))
		}

		// Transaction monitoring
		r.Post("/monitor", handler.Monitor)

		// Audit records
		r.Get("/records/{id}", handler.GetRecord)

		// Risk profiles
		r.Post("/profiles", handler.RegisterProfile)
		r.Get("/profiles/{user}", handler.GetProfile)
		r.Get("/profiles/{user}/records", handler.ListUserRecords)
		r.Post("/profiles/{user}/ai-score", handler.BlendAIScore)
		r.Post("/profiles/{user}/unblock", handler.Unblock)

		// Compliance configuration
		r.Post("/config", handler.InitConfig)
		r.Get("/config", handler.GetConfig)
		r.Put("/config", handler.UpdateConfig)

		// Screening lists
		r.Post("/registry", handler.AddHighRiskAddress)
		r.Get("/registry/{address}", handler.GetRegistryEntry)
		r.Post("/whitelist", handler.WhitelistAddress)

		// Custom rule management
		r.Get("/custom-rules", handler.ListCustomRules)
		r.Post("/custom-rules", handler.CreateCustomRule)
		r.Post("/custom-rules/reload", handler.ReloadCustomRules)
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
