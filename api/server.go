package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gridtrader/crypto"
	"gridtrader/logger"
	"gridtrader/manager"
	"gridtrader/market"
	"gridtrader/metrics"
	"gridtrader/store"
)

// MarketData quote, history and search lookups; satisfied by *market.Service
type MarketData interface {
	Quote(ctx context.Context, symbol string) (*market.Quote, error)
	History(ctx context.Context, symbol string, start, end time.Time) ([]market.Candle, error)
	Search(ctx context.Context, query string, limit int) ([]market.SearchResult, error)
}

// Options server settings
type Options struct {
	Port                int
	RegistrationEnabled bool
	RateLimit           float64 // requests per second per client; 0 disables
	RateBurst           int
	StreamInterval      time.Duration
	DataKey             string // seals TOTP secrets at rest; empty stores them as is
}

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	opts       Options
	secrets    *crypto.SecretBox

	store      *store.Store
	market     MarketData
	portfolios *manager.PortfolioManager
	grids      *manager.GridManager
	alerts     *manager.AlertManager
	backtests  *manager.BacktestManager
}

// NewServer creates the API server and its routes
func NewServer(st *store.Store, md MarketData, portfolios *manager.PortfolioManager, grids *manager.GridManager,
	alerts *manager.AlertManager, backtests *manager.BacktestManager, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 5 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(metrics.GinMiddleware())
	if opts.RateLimit > 0 {
		router.Use(newClientLimiter(opts.RateLimit, opts.RateBurst).middleware())
	}

	s := &Server{
		router:     router,
		opts:       opts,
		secrets:    crypto.NewSecretBox(opts.DataKey),
		store:      st,
		market:     md,
		portfolios: portfolios,
		grids:      grids,
		alerts:     alerts,
		backtests:  backtests,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router (tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes Setup routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.POST("/register", s.handleRegister)
		api.POST("/login", s.handleLogin)

		protected := api.Group("/", s.authMiddleware())
		{
			protected.POST("/logout", s.handleLogout)

			// account
			protected.GET("/me", s.handleMe)
			protected.PUT("/me/profile", s.handleUpdateProfile)
			protected.POST("/me/otp/setup", s.handleOTPSetup)
			protected.POST("/me/otp/enable", s.handleOTPEnable)

			protected.GET("/tokens", s.handleListTokens)
			protected.POST("/tokens", s.handleCreateToken)
			protected.DELETE("/tokens/:id", s.handleRevokeToken)

			// portfolios
			protected.GET("/portfolios", s.handleListPortfolios)
			protected.POST("/portfolios", s.handleCreatePortfolio)
			protected.GET("/portfolios/:id", s.handleGetPortfolio)
			protected.PUT("/portfolios/:id", s.handleUpdatePortfolio)
			protected.DELETE("/portfolios/:id", s.handleDeletePortfolio)
			protected.GET("/portfolios/:id/holdings", s.handleHoldings)
			protected.GET("/portfolios/:id/transactions", s.handleListTransactions)
			protected.POST("/portfolios/:id/transactions", s.handleCreateTransaction)
			protected.GET("/portfolios/:id/performance", s.handlePerformance)
			protected.POST("/portfolios/:id/refresh", s.handleRefreshPortfolio)

			// grids
			protected.GET("/grids", s.handleListGrids)
			protected.POST("/grids", s.handleCreateGrid)
			protected.POST("/grids/preview", s.handlePreviewGrid)
			protected.GET("/grids/:id", s.handleGetGrid)
			protected.DELETE("/grids/:id", s.handleCancelGrid)
			protected.POST("/grids/:id/pause", s.handlePauseGrid)
			protected.POST("/grids/:id/resume", s.handleResumeGrid)
			protected.POST("/grids/:id/cancel", s.handleCancelGrid)
			protected.POST("/grids/:id/rebalance", s.handleRebalanceGrid)
			protected.GET("/grids/:id/orders", s.handleGridOrders)

			// market data
			protected.GET("/market/quote/:symbol", s.handleQuote)
			protected.GET("/market/history/:symbol", s.handleHistory)
			protected.GET("/market/search", s.handleSearch)
			protected.GET("/market/stream", s.handleQuoteStream)

			// alerts
			protected.GET("/alerts", s.handleListAlerts)
			protected.POST("/alerts", s.handleCreateAlert)
			protected.DELETE("/alerts/:id", s.handleDeleteAlert)

			// backtests
			protected.POST("/backtest", s.handleBacktest)
			protected.GET("/backtest", s.handleListBacktests)
		}
	}
}

// handleHealth Health check
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	db := "ok"
	if err := s.store.Ping(); err != nil {
		status = http.StatusServiceUnavailable
		db = err.Error()
	}
	c.JSON(status, gin.H{
		"status":   http.StatusText(status),
		"database": db,
		"time":     time.Now().UTC(),
	})
}

// Start Start server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	logger.Infof("🌐 API server starting at http://localhost%s", addr)
	logger.Infof("📊 API Documentation:")
	logger.Infof("  • GET  /api/health                 - Health check")
	logger.Infof("  • POST /api/register, /api/login   - Accounts")
	logger.Infof("  • /api/portfolios[/:id/...]        - Portfolios, holdings, transactions")
	logger.Infof("  • /api/grids[/:id/...]             - Grid strategies")
	logger.Infof("  • /api/market/{quote,history,search,stream}")
	logger.Infof("  • /api/alerts, /api/backtest")
	logger.Infof("  • GET  /metrics                    - Prometheus metrics")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown Gracefully shutdown server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

