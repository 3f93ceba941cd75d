package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-engine/internal/engine"
	"strategy-engine/internal/events"
	"strategy-engine/internal/monitor"
)

// Config carries the API settings taken from the process config.
type Config struct {
	JWTSecret            string
	CORSOrigins          []string
	OperatorUser         string
	OperatorPasswordHash string
	RatePerSec           float64
	RateBurst            int
	RequestTimeout       time.Duration
	Logger               *zap.Logger
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics

	cfg    Config
	logger *zap.Logger
}

func NewServer(eng engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger.Named("api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(newIPLimiters(cfg.RatePerSec, cfg.RateBurst), logger))
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	s := &Server{
		Router:  r,
		Engine:  eng,
		Bus:     bus,
		Metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.POST("/auth/login", s.login)

		// The event stream is long lived and skips the request timeout.
		api.GET("/ws", AuthMiddleware(s.cfg.JWTSecret), s.websocket)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.cfg.JWTSecret))
		protected.Use(TimeoutMiddleware(s.cfg.RequestTimeout))
		{
			protected.GET("/strategies", s.getStrategies)

			protected.GET("/subscriptions", s.listSubscriptions)
			protected.GET("/subscriptions/:id", s.getSubscriptionStatus)
			protected.GET("/subscriptions/:id/orders", s.getSubscriptionOrders)
			protected.POST("/subscriptions/:id/start", s.startSubscription)
			protected.POST("/subscriptions/:id/stop", s.stopSubscription)

			protected.POST("/backtests", s.createBacktest)
			protected.GET("/backtests", s.listBacktests)
			protected.GET("/backtests/:id", s.getBacktest)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
