// Package api provides a read-only HTTP status API for the chat server
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/registry"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// Server represents the HTTP status server
type Server struct {
	registry   *registry.Registry
	metrics    *metrics.Metrics
	relayLog   *storage.RelayLog
	router     *gin.Engine
	config     *Config
	httpServer *http.Server
	startTime  time.Time
}

// Config holds server configuration
type Config struct {
	Address      string
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		EnableCORS:   true,
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a status server over reg and m. relayLog may be nil.
func NewServer(reg *registry.Registry, m *metrics.Metrics, relayLog *storage.RelayLog, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		registry:  reg,
		metrics:   m,
		relayLog:  relayLog,
		router:    gin.New(),
		config:    config,
		startTime: time.Now(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		users := v1.Group("/users")
		{
			users.GET("", s.handleUsers)
			users.GET("/:username", s.handleUser)
		}

		v1.GET("/stats", s.handleStats)
		v1.GET("/relay/recent", s.handleRelayRecent)
	}

	// Outside versioning
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌐 Status API listening on %s", s.config.Address)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
