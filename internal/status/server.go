package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/labels"
	"aire/internal/logger"
	"aire/internal/monitor"
	"aire/pkg/health"
	"aire/pkg/middleware"
	"aire/pkg/ratelimit"
	"aire/pkg/tracing"
)

// Options are the read-only views the server exposes.
type Options struct {
	InstanceID string
	Monitor    *monitor.Monitor
	Labels     *labels.Directory
	Health     *health.CheckerRegistry
	Limiter    *ratelimit.Limiter
	Tracing    bool
	// StaleAfter flags connected tasks that have been silent this long.
	StaleAfter time.Duration
}

type Server struct {
	cfg    config.ServerConfig
	opts   Options
	log    logger.Logger
	router *gin.Engine
	server *http.Server
}

type statusResponse struct {
	InstanceID string             `json:"instance_id"`
	Uptime     string             `json:"uptime"`
	Totals     monitor.Totals     `json:"totals"`
	Tasks      []monitor.Snapshot `json:"tasks"`
	Stale      []string           `json:"stale,omitempty"`
}

type deviceResponse struct {
	DeviceID string `json:"device_id"`
	Label    string `json:"label"`
}

func NewServer(cfg config.ServerConfig, opts Options, log logger.Logger) *Server {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = constants.DefaultStaleAfter
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if opts.Tracing {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(log, "/health", "/health/live", "/metrics"))
	if opts.Limiter != nil {
		router.Use(opts.Limiter.Middleware())
	}

	s := &Server{
		cfg:    cfg,
		opts:   opts,
		log:    log,
		router: router,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/status/devices", s.handleDevices)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.opts.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}

	h := s.opts.Health.Check(c.Request.Context())
	statusCode := http.StatusOK
	if h.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, h)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{InstanceID: s.opts.InstanceID, Tasks: []monitor.Snapshot{}}
	if m := s.opts.Monitor; m != nil {
		resp.Tasks = m.Snapshot()
		resp.Totals = monitor.Sum(resp.Tasks)
		resp.Uptime = m.Uptime().Truncate(time.Second).String()
		for _, key := range m.Stale(s.opts.StaleAfter) {
			resp.Stale = append(resp.Stale, key.String())
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDevices(c *gin.Context) {
	devices := []deviceResponse{}
	if d := s.opts.Labels; d != nil {
		for _, id := range d.Devices() {
			devices = append(devices, deviceResponse{DeviceID: id, Label: d.Label(id)})
		}
	}
	c.JSON(http.StatusOK, devices)
}

// Run serves until ctx is done and then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.InfowCtx(ctx, "Status server listening", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("status server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errChan:
		return err
	}
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.HTTPShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown error: %w", err)
	}
	return nil
}
