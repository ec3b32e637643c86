package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config *Config
	server *http.Server
	svc    *Services
}

func New(ctx context.Context, config *Config) (*Server, error) {
	svc, err := NewServices(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create services: %w", err)
	}

	httpHandler, err := SetupRoutes(config, svc)
	if err != nil {
		svc.Store.Close()
		return nil, err
	}

	return &Server{
		config: config,
		svc:    svc,
		server: &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Services() *Services {
	return s.svc
}

// Start serves until ctx is done or the listener fails, then shuts everything down
func (s *Server) Start(ctx context.Context) error {
	slog.Info("jsonserver start", "addr", s.config.HTTP.Addr, "db", s.config.DbPath, "output", s.config.OutputDir)
	defer slog.Info("jsonserver stop")

	if err := s.svc.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	ln, err := net.Listen("tcp", s.config.HTTP.Addr)
	if err != nil {
		s.shutdown()
		return fmt.Errorf("listen %s: %w", s.config.HTTP.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.serve(ln)
	}()

	select {
	case <-ctx.Done():
		slog.Info("jsonserver shutdown signal")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			s.shutdown()
			return err
		}
	}

	return s.shutdown()
}

func (s *Server) serve(ln net.Listener) error {
	if s.config.HTTP.TLS() {
		slog.Info("server start tls", "addr", ln.Addr().String(), "cert", s.config.HTTP.CertFile, "key", s.config.HTTP.KeyFile)
		return s.server.ServeTLS(ln, s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	slog.Info("server start http", "addr", ln.Addr().String())
	return s.server.Serve(ln)
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop accepting batches first so nothing is applied after the store closes
	httpErr := s.server.Shutdown(ctx)
	svcErr := s.svc.Shutdown(ctx)
	return errors.Join(httpErr, svcErr)
}
