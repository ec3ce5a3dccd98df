// Package server exposes the watch-mode status endpoint: the latest verdict
// as JSON, a liveness gate for external schedulers, and prometheus metrics.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bnema/stackpilot/internal/health"
)

// StatusServer serves the latest health verdict over HTTP
type StatusServer struct {
	echo *echo.Echo
	addr string

	mu      sync.RWMutex
	verdict *health.Verdict
}

// NewStatusServer creates the server; gatherer backs the /metrics endpoint
func NewStatusServer(addr string, gatherer prometheus.Gatherer) *StatusServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &StatusServer{
		echo: e,
		addr: addr,
	}

	e.GET("/status", s.handleStatus)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// SetVerdict publishes the latest verdict
func (s *StatusServer) SetVerdict(v *health.Verdict) {
	s.mu.Lock()
	s.verdict = v
	s.mu.Unlock()
}

func (s *StatusServer) latest() *health.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verdict
}

func (s *StatusServer) handleStatus(c echo.Context) error {
	verdict := s.latest()
	if verdict == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no check pass completed yet",
		})
	}
	return c.JSON(http.StatusOK, verdict)
}

func (s *StatusServer) handleHealthz(c echo.Context) error {
	verdict := s.latest()
	if verdict == nil || !verdict.IsHealthy() {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}

// Start runs the server in the background
func (s *StatusServer) Start() {
	go func() {
		log.Info("Status server listening", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			log.Error("Status server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server
func (s *StatusServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
