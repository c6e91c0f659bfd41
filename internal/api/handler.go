package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tradesim-core/internal/balance"
	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/market"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/reconciliation"
	"tradesim-core/internal/settlement"
	"tradesim-core/internal/trading"
	"tradesim-core/internal/withdrawal"
	"tradesim-core/pkg/config"
)

// Deps are the services the HTTP layer drives. Feed, Metrics and Gatherer
// may be nil.
type Deps struct {
	Store       domain.Store
	Bus         *events.Bus
	Ledger      *balance.Ledger
	Trading     *trading.Service
	Engine      *settlement.Engine
	Recon       *reconciliation.Service
	Withdrawals *withdrawal.Service
	Feed        *market.Feed
	Metrics     *monitor.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// Server wires HTTP endpoints around the trading services.
type Server struct {
	Router      *gin.Engine
	Config      *config.Config
	Store       domain.Store
	Bus         *events.Bus
	Ledger      *balance.Ledger
	Trading     *trading.Service
	Engine      *settlement.Engine
	Recon       *reconciliation.Service
	Withdrawals *withdrawal.Service
	Feed        *market.Feed
	Metrics     *monitor.Metrics
	Logger      *zap.Logger
	JWTSecret   string

	limiter  *ipLimiter
	gatherer prometheus.Gatherer
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		Router:      gin.New(),
		Config:      cfg,
		Store:       deps.Store,
		Bus:         deps.Bus,
		Ledger:      deps.Ledger,
		Trading:     deps.Trading,
		Engine:      deps.Engine,
		Recon:       deps.Recon,
		Withdrawals: deps.Withdrawals,
		Feed:        deps.Feed,
		Metrics:     deps.Metrics,
		Logger:      logger.Named("api"),
		JWTSecret:   cfg.JWTSecret,
		limiter:     newIPLimiter(20, 50),
		gatherer:    gatherer,
	}

	// Middleware stack (order matters!)
	s.Router.Use(ginzap.RecoveryWithZap(s.Logger, true)) // Panic recovery (first)
	s.Router.Use(RequestIDMiddleware())                  // Request ID tracking
	s.Router.Use(ginzap.Ginzap(s.Logger, time.RFC3339, true))
	s.Router.Use(MetricsMiddleware(s.Metrics))
	s.Router.Use(RateLimitMiddleware(s.limiter, s.Logger))
	s.Router.Use(TimeoutMiddleware(30 * time.Second))
	s.Router.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.Router.Group("/api/v1")
	{
		api.GET("/tiers", s.getTiers)
		api.GET("/instruments", s.getInstruments)
		api.GET("/market/tickers", s.getTickers)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/me", s.getMe)
			protected.GET("/balance", s.getBalance)
			protected.GET("/balance/history", s.getBalanceHistory)

			protected.POST("/trades", s.openTrade)
			protected.GET("/trades", s.listTrades)
			protected.GET("/trades/:id", s.getTrade)

			protected.POST("/withdrawals", s.requestWithdrawal)
			protected.GET("/withdrawals", s.listWithdrawals)
		}

		admin := api.Group("/admin")
		admin.Use(AuthMiddleware(s.JWTSecret), AdminMiddleware(s.Store))
		{
			admin.GET("/trades", s.adminListTrades)
			admin.POST("/trades/:id/resolve", s.adminResolveTrade)
			admin.GET("/users", s.adminListUsers)
			admin.POST("/users/:id/balance", s.adminAdjustBalance)
			admin.POST("/users/:id/credit", s.adminAdjustCredit)
			admin.POST("/users/:id/role", s.adminSetRole)
			admin.GET("/withdrawals", s.adminListWithdrawals)
			admin.POST("/withdrawals/:id/status", s.adminUpdateWithdrawal)
			admin.POST("/reconcile", s.adminReconcile)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if s.Store != nil {
		if err := s.Store.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "degraded", "database": err.Error()}
		}
	}
	c.JSON(status, body)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Accept-Language", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
