package controlplane

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

type Config struct {
	Addr      string
	Token     string
	RateLimit string
}

// Server is the local HTTP API exposing the sync status and the run journal
type Server struct {
	config *Config
	server *http.Server
	ready  chan struct{}
	addr   string
}

func New(config *Config, status StatusSource, runs RunSource) (*Server, error) {
	routes, err := SetupRoutes(NewHandler(status, runs), &RouteConfig{
		Auth: TokenAuthConfig{
			Token: config.Token,
		},
		RateLimit: config.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("control plane routes: %w", err)
	}

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: routes,
		// Timeouts to prevent slow client attacks
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Connection control
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	return &Server{
		config: config,
		server: httpServer,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the server is listening
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the address the server listens on. Valid after Ready.
func (s *Server) Addr() string {
	return s.addr
}

// Run serves until ctx is cancelled, then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.addr = ln.Addr().String()
	// event streams end with ctx
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	close(s.ready)

	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.addr), "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("control plane stop")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
