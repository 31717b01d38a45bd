// Package api exposes the service over HTTP: market snapshot endpoints,
// the per-symbol market data WebSocket, operator admin endpoints and the
// health check.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"market-analytics/config"
	"market-analytics/internal/analysis"
	"market-analytics/internal/auth"
	"market-analytics/internal/binance"
	"market-analytics/internal/bus"
	"market-analytics/internal/database"
	"market-analytics/internal/logging"
	"market-analytics/internal/window"
)

const (
	// New WebSocket connections per second allowed from one address,
	// with a small burst for page reloads.
	wsConnectRate  rate.Limit = 1
	wsConnectBurst            = 5
)

// wsLimiter throttles WebSocket connection attempts per client address.
type wsLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newWSLimiter(limit rate.Limit, burst int) *wsLimiter {
	return &wsLimiter{
		visitors: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// allow reports whether the address may open another connection.
func (l *wsLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.visitors[addr]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.visitors[addr] = limiter
	}
	return limiter.Allow()
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig

	store     *database.RedisSnapshotStore
	windows   *window.Store
	analytics *analysis.Service
	stream    *binance.MarketStreamClient
	tickBus   bus.TickBus
	archiver  *database.HistoryArchiver // nil when the history archive is disabled

	hub       *MarketHub
	hubCancel context.CancelFunc

	jwtManager   *auth.JWTManager
	authHandlers *auth.Handlers
	authEnabled  bool

	wsLimiter *wsLimiter
	logger    *logging.Logger
}

// NewServer wires the HTTP layer. The archiver may be nil when the
// Postgres history archive is disabled; history endpoints then report
// the feature as unavailable.
func NewServer(
	cfg config.ServerConfig,
	authCfg config.AuthConfig,
	broadcastCfg config.BroadcastConfig,
	store *database.RedisSnapshotStore,
	windows *window.Store,
	analytics *analysis.Service,
	stream *binance.MarketStreamClient,
	tickBus bus.TickBus,
	archiver *database.HistoryArchiver,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	if origins := config.ParseOriginList(cfg.AllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	authEnabled := authCfg.Enabled && authCfg.JWTSecret != ""
	var jwtManager *auth.JWTManager
	var authHandlers *auth.Handlers
	if authEnabled {
		jwtManager = auth.NewJWTManager(authCfg.JWTSecret, authCfg.TokenDuration)
		authHandlers = auth.NewHandlers(authCfg, jwtManager, logger)
	}

	server := &Server{
		router:       router,
		cfg:          cfg,
		store:        store,
		windows:      windows,
		analytics:    analytics,
		stream:       stream,
		tickBus:      tickBus,
		archiver:     archiver,
		hub:          NewMarketHub(store, broadcastCfg.Interval, broadcastCfg.Symbols, logger),
		jwtManager:   jwtManager,
		authHandlers: authHandlers,
		authEnabled:  authEnabled,
		wsLimiter:    newWSLimiter(wsConnectRate, wsConnectBurst),
		logger:       logger.WithComponent("APIServer"),
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Auth status is always available; the token mint only when enabled.
	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authEnabled})
	})
	if s.authEnabled {
		s.router.POST("/api/auth/token", s.authHandlers.IssueToken)
	}

	api := s.router.Group("/api")
	{
		// Market data endpoints (public)
		market := api.Group("/market")
		{
			// Static route must be registered before the :symbol route.
			market.GET("/symbols", s.handleGetSymbols)
			market.GET("/:symbol", s.handleGetSnapshot)
			market.GET("/:symbol/history", s.handleGetHistory)
		}

		// Operator endpoints (token-guarded when auth is enabled)
		admin := api.Group("/admin")
		if s.authEnabled {
			admin.Use(auth.Middleware(s.jwtManager))
		}
		{
			admin.GET("/stats", s.handleAdminStats)
			admin.DELETE("/snapshot/:symbol", s.handleDeleteSnapshot)
			admin.POST("/window/:symbol/reset", s.handleResetWindow)
		}
	}

	// Market data WebSocket
	s.router.GET("/ws/market/:symbol", s.handleMarketWS)
}

// Start runs the broadcast hub and serves HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown disconnects WebSocket subscribers and drains HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// Hub returns the market WebSocket hub.
func (s *Server) Hub() *MarketHub {
	return s.hub
}

// handleHealth reports component health. The response is always 200; the
// service keeps serving cached snapshots while a backend is down, so
// degradation is a status field rather than an HTTP failure.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	redisConfigured := s.store != nil && s.store.GetClient() != nil
	redisHealthy := !redisConfigured || s.store.IsRedisAvailable()

	postgresHealthy := true
	if s.archiver != nil {
		postgresHealthy = s.archiver.HealthCheck(ctx) == nil
	}

	streamConnected := s.stream != nil && s.stream.IsConnected()

	status := "healthy"
	if !redisHealthy || !postgresHealthy || !streamConnected {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"redis":     redisHealthy,
		"postgres":  postgresHealthy,
		"stream":    streamConnected,
		"clients":   s.hub.ClientCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
