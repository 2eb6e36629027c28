// Package health serves the operational HTTP surface: liveness, readiness,
// and Prometheus metrics.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
)

// Probe reports whether one dependency is ready. A non-nil error marks the
// service degraded and appears in the readiness payload.
type Probe func(ctx context.Context) error

// ServerConfig carries the listen address and probe timeout.
type ServerConfig struct {
	Addr         string
	ProbeTimeout time.Duration
}

// Server exposes /healthz, /readyz, and /metrics.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
	echo   *echo.Echo

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewServer builds the operational server. reg supplies the metrics handler;
// nil falls back to the default registry.
func NewServer(cfg ServerConfig, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		probes: make(map[string]Probe),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware("uns-metadata-sync"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)

	var metricsHandler http.Handler
	if reg != nil {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	} else {
		metricsHandler = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metricsHandler))

	s.echo = e
	return s
}

// RegisterProbe adds or replaces a named readiness probe.
func (s *Server) RegisterProbe(name string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = probe
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.ProbeTimeout)
	defer cancel()

	s.mu.RLock()
	probes := make(map[string]Probe, len(s.probes))
	for name, probe := range s.probes {
		probes[name] = probe
	}
	s.mu.RUnlock()

	checks := make(map[string]string, len(probes))
	degraded := false
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			degraded = true
			continue
		}
		checks[name] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// Run starts the listener and blocks until ctx is cancelled, then shuts the
// server down with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operational HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
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
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	return ctx.Err()
}
