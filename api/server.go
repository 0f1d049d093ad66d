package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimiddleware "github.com/transferwatch/indexer-go/api/middleware"
	"github.com/transferwatch/indexer-go/api/websocket"
	"github.com/transferwatch/indexer-go/events"
	"github.com/transferwatch/indexer-go/storage"
)

// Server represents the API server
type Server struct {
	config     *Config
	logger     *zap.Logger
	store      storage.Store
	bus        *events.Bus
	statsCache *StatsCache
	limiter    *apimiddleware.RateLimiter
	router     *chi.Mux
	server     *http.Server
	wsServer   *websocket.Server
}

// NewServer creates a new API server. The bus may be nil when no live
// fan-out is wanted; the /ws endpoint still accepts connections but never
// delivers events.
func NewServer(config *Config, logger *zap.Logger, store storage.Store, bus *events.Bus) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config:     config,
		logger:     logger,
		store:      store,
		bus:        bus,
		statsCache: NewStatsCache(store, config.StatsCacheTTL),
		limiter:    apimiddleware.NewRateLimiter(config.RateLimitCapacity, config.RateLimitRefillPerSecond, logger),
		router:     chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	// Recovery middleware (must be first)
	s.router.Use(apimiddleware.Recovery(s.logger))

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))

	if s.config.EnableCORS {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				origin := r.Header.Get("Origin")
				if origin == "" {
					origin = "*"
				}

				allowed := false
				for _, allowedOrigin := range s.config.AllowedOrigins {
					if allowedOrigin == "*" || allowedOrigin == origin {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Upgrade, Connection")
					w.Header().Set("Access-Control-Max-Age", "300")
				}

				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Query API behind per-client admission control
	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Handler)
		r.Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
	})

	// WebSocket event stream - registered without the rate limiter; the
	// admission cost model is per-request, not per-connection
	s.wsServer = websocket.NewServer(s.bus, s.logger)
	s.router.Get(s.config.WebSocketPath, s.wsServer.ServeHTTP)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.config.Address()),
		zap.String("websocket_path", s.config.WebSocketPath),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if s.wsServer != nil {
		s.wsServer.Stop()
	}
	s.limiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
