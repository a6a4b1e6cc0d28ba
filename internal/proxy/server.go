package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/quay/internal/logger"
)

// Server wraps the listening side of the dispatcher.
type Server struct {
	http *http.Server
	log  logger.Logger
}

// NewServer builds the proxy's HTTP server. Read and write timeouts stay
// zero: proxied connections may be long-lived streams or upgraded
// protocols, and severing them on a fixed clock would break them. Idle
// keep-alive connections are still bounded.
func NewServer(addr string, h http.Handler, idleTimeout time.Duration, loggerClient logger.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	return &Server{http: s, log: loggerClient}
}

// Start runs the server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.log.Infof("proxy listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	// http.ErrServerClosed is expected on graceful shutdown.
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight connections within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("proxy shutting down...")
	return s.http.Shutdown(ctx)
}
