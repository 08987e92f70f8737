// Package server exposes the monitoring engine over HTTP. main() builds the
// subsystems, hands them to New, and calls Run.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/config"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"github.com/marcus-qen/connwatch/internal/controlplane/retention"
	cpws "github.com/marcus-qen/connwatch/internal/controlplane/websocket"
	"go.uber.org/zap"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Deps are the subsystems the server routes to. Monitor is required.
type Deps struct {
	Monitor   *monitor.Service
	Hub       *cpws.Hub
	Metrics   *metrics.Metrics
	Retention *retention.Job
	// MCP is mounted at /mcp when non-nil.
	MCP http.Handler
}

// Server is the assembled HTTP surface.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	monitor   *monitor.Service
	hub       *cpws.Hub
	metrics   *metrics.Metrics
	retention *retention.Job
	mcp       http.Handler

	httpServer *http.Server
}

// New builds a Server from config and the already-wired subsystems.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Monitor == nil {
		return nil, errors.New("server: monitor service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.Named("server"),
		monitor:   deps.Monitor,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		retention: deps.Retention,
		mcp:       deps.MCP,
	}

	if s.hub != nil && cfg.AuthToken != "" {
		s.hub.SetAuthenticator(func(token string) bool { return tokenMatches(cfg.AuthToken, token) })
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if cfg.AuthToken != "" {
		handler = tokenMiddleware(cfg.AuthToken, []string{
			"/healthz",
			"/version",
			"/metrics",
			"/ws/*",
		})(handler)
	}
	handler = limitRequestBody(cfg.MaxBodyBytes)(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting connwatch",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("auth", s.cfg.AuthToken != ""),
		zap.Bool("mcp", s.mcp != nil),
		zap.Int("monitored", len(s.monitor.Monitored())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.hub != nil {
		if n := s.hub.CloseAll(); n > 0 {
			s.logger.Info("closed event viewers", zap.Int("count", n))
		}
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close stops the monitoring loops.
func (s *Server) Close(ctx context.Context) error {
	return s.monitor.Close(ctx)
}
