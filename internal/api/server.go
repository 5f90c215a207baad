package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/service"
)

// Server is the HTTP front for the relay service.
type Server struct {
	cfg    config.ServerConfig
	server *http.Server
}

// NewServer creates the HTTP server around the service facade.
func NewServer(cfg config.ServerConfig, svc *service.Service) *Server {
	handlers := NewHandlers(svc)
	router := SetupRoutes(handlers)

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	log.Printf("[API] Listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
