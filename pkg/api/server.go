// Package api serves the read-only lease status API used while watching.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"leaselock/pkg/api/middleware"
	"leaselock/pkg/auth"
	"leaselock/pkg/election"
	"leaselock/pkg/scheduler"
)

// Elector is the read side of *election.Election.
type Elector interface {
	State() election.State
	Last() *election.Decision
	Inspect(ctx context.Context) (election.Observation, error)
	Config() election.Config
}

// TickSource reports the latest watch tick.
type TickSource interface {
	Last() *scheduler.Tick
}

// Config holds API server configuration.
type Config struct {
	Addr     string
	Election Elector
	Watch    TickSource // optional
	Log      *zap.Logger
	// Tokens, when set, guards /api/v1 with bearer tokens. /health and /metrics stay open.
	Tokens *auth.TokenService

	// InspectRate bounds how often /api/v1/lease/holder reaches the store.
	InspectRate  rate.Limit
	InspectBurst int
	// UnhealthyAfter is the number of consecutive failed ticks that turns /health red.
	UnhealthyAfter int
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener

	election       Elector
	watch          TickSource
	tokens         *auth.TokenService
	log            *zap.Logger
	unhealthyAfter int
	startedAt      time.Time
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.InspectRate == 0 {
		cfg.InspectRate = rate.Every(time.Second)
	}
	if cfg.InspectBurst <= 0 {
		cfg.InspectBurst = 5
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 3
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	router.Use(middleware.Logger(cfg.Log))

	s := &Server{
		router:         router,
		election:       cfg.Election,
		watch:          cfg.Watch,
		tokens:         cfg.Tokens,
		log:            cfg.Log,
		unhealthyAfter: cfg.UnhealthyAfter,
		startedAt:      time.Now().UTC(),
	}
	s.registerRoutes(rate.NewLimiter(cfg.InspectRate, cfg.InspectBurst))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the address so callers learn about port conflicts before serving.
func (s *Server) Listen() (string, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return ln.Addr().String(), nil
}

// Start serves until Shutdown. It binds first if Listen was not called.
func (s *Server) Start() error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("status API listening", zap.String("addr", s.listener.Addr().String()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API stopped: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("status API shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(inspect *rate.Limiter) {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if s.tokens != nil {
		v1.Use(middleware.BearerAuth(s.tokens))
	}
	{
		v1.GET("/lease", s.lease)
		v1.GET("/lease/holder", middleware.RateLimit(inspect), s.holder)
		v1.GET("/watch", s.lastTick)
	}
}

// health is red once the watch loop has failed UnhealthyAfter ticks in a row.
func (s *Server) health(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	body := gin.H{
		"state":      s.election.State(),
		"machine_id": s.election.Config().MachineID,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.watch != nil {
		if t := s.watch.Last(); t != nil {
			body["consecutive_failures"] = t.ConsecutiveFailures
			if t.ConsecutiveFailures >= s.unhealthyAfter {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
	}
	body["status"] = status
	c.JSON(code, body)
}

// lease handles GET /api/v1/lease with this machine's latest decision.
func (s *Server) lease(c *gin.Context) {
	cfg := s.election.Config()
	c.JSON(http.StatusOK, gin.H{
		"machine_id":     cfg.MachineID,
		"key":            cfg.Key,
		"policy":         cfg.Policy,
		"lease_duration": cfg.LeaseDuration.String(),
		"state":          s.election.State(),
		"decision":       s.election.Last(),
	})
}

// holder handles GET /api/v1/lease/holder by reading the store.
func (s *Server) holder(c *gin.Context) {
	obs, err := s.election.Inspect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{"observation": obs}
	if obs.Err != nil {
		body["error"] = obs.Err.Error()
	}
	if obs.FetchErr != nil {
		body["fetch_error"] = obs.FetchErr.Error()
	}
	c.JSON(http.StatusOK, body)
}

// lastTick handles GET /api/v1/watch.
func (s *Server) lastTick(c *gin.Context) {
	if s.watch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch loop not running"})
		return
	}
	t := s.watch.Last()
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tick yet"})
		return
	}
	c.JSON(http.StatusOK, t)
}
