package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"volume-core/internal/engine"
	"volume-core/internal/events"
	"volume-core/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures the operator API server.
type Options struct {
	Engine         engine.Service
	Bus            *events.Bus
	Metrics        *monitor.Metrics
	Auth           AuthConfig
	CORSOrigin     string
	RequestTimeout time.Duration
	// RateLimit/RateBurst are per client IP. Zero uses 20 req/s, burst 50.
	RateLimit rate.Limit
	RateBurst int
	Log       *zap.Logger
}

// Server wires HTTP endpoints around the engine facade.
type Server struct {
	Router  *gin.Engine
	engine  engine.Service
	bus     *events.Bus
	metrics *monitor.Metrics
	auth    AuthConfig
	limiter *ipLimiter
	log     *zap.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if !opts.Auth.Enabled() {
		log.Warn("JWT_SECRET not set, operator API is unauthenticated")
	}

	s := &Server{
		Router:  gin.New(),
		engine:  opts.Engine,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		auth:    opts.Auth,
		limiter: newIPLimiter(opts.RateLimit, opts.RateBurst),
		log:     log,
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(log, opts.Metrics))
	s.Router.Use(RateLimitMiddleware(s.limiter, log))
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout))
	s.Router.Use(CORSMiddleware(opts.CORSOrigin))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.auth))
		{
			protected.GET("/status", s.getSystemStatus)
			protected.GET("/units", s.getUnits)
			protected.GET("/pairs", s.getPairs)
			protected.GET("/pairs/:id", s.getPair)
			protected.GET("/blocked", s.getBlockedUsers)
			protected.DELETE("/blocked/:id", s.unblockUser)
			protected.GET("/risk/:user", s.getRiskMetrics)
			protected.POST("/risk/:user/resume", s.resumeRisk)
			protected.GET("/balance/:user", s.getBalance)
			protected.GET("/progress/:user", s.getProgress)
			protected.POST("/scheduler/stop", s.stopScheduler)
			protected.GET("/ws", s.websocket)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("operator API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
