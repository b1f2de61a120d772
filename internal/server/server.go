// Package server builds the gin router and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/framecast/internal/config"
	"github.com/mantonx/framecast/internal/logger"
	"github.com/mantonx/framecast/internal/middleware"
	"github.com/mantonx/framecast/internal/server/handlers"
	"gorm.io/gorm"
)

// shutdownTimeout bounds the drain of in-flight requests.
const shutdownTimeout = 5 * time.Second

// RouteRegistrar is a module that exposes HTTP routes.
type RouteRegistrar interface {
	RegisterRoutes(router *gin.Engine)
}

// SetupRouter configures and returns the main router
func SetupRouter(db *gorm.DB, modules ...RouteRegistrar) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorLogger())

	api := r.Group("/api")
	api.GET("/health", handlers.HandleHealthCheck)
	if db != nil {
		api.GET("/db-status", handlers.DBStatus(db))
	}

	for _, m := range modules {
		m.RegisterRoutes(r)
	}
	return r
}

// Server is the HTTP front end.
type Server struct {
	srv *http.Server
}

// New creates a server for handler.
func New(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting framecast server", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
