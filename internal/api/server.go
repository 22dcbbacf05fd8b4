package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/health"
	"github.com/replicon-project/replicon/internal/journal"
	"github.com/replicon-project/replicon/internal/replication"
	"github.com/replicon-project/replicon/internal/scheduler"
	"github.com/replicon-project/replicon/internal/transport"
)

// SessionStore is the journal view the API reads.
type SessionStore interface {
	Recent(ctx context.Context, limit int) ([]journal.Session, error)
	Summary(ctx context.Context) (journal.Summary, error)
}

// Deps are the components the API exposes. Only Host is required.
type Deps struct {
	Host     *replication.Host
	Journal  SessionStore
	Tasks    func() []scheduler.TaskStats
	Health   *health.Monitor
	Gatherer prometheus.Gatherer
}

// Server is the admin REST API over a running host.
type Server struct {
	cfg     *config.Config
	deps    Deps
	started time.Time
	logger  zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
		logger:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR so a restarted host can rebind immediately.
	lc := transport.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(AdminHeaders("replicon"))

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must stay false with a "*" origin
		MaxAge:           12 * time.Hour,
	}))

	limiter := NewRouteLimiter(apiCfg.RateLimitRPS, apiCfg.ControlRateLimitRPS)
	reads := limiter.Middleware(ScopeRead)

	public := router.Group("/api/public", reads)
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	api := router.Group("/api")
	read := api.Group("", reads)
	{
		read.GET("/status", s.handleStatus)
		read.GET("/health", s.handleHealth)
		read.GET("/connections", s.handleListConnections)
		read.GET("/connections/:id", s.handleGetConnection)
		read.GET("/entities", s.handleListEntities)
		read.GET("/sessions", s.handleListSessions)
		read.GET("/config", s.handleGetConfig)
	}
	control := api.Group("", limiter.Middleware(ScopeControl))
	{
		control.POST("/connections/:id/groups/:group", s.handleJoinGroup)
		control.DELETE("/connections/:id/groups/:group", s.handleLeaveGroup)
		control.POST("/connections/:id/disconnect", s.handleDisconnect)
		control.POST("/config/network", s.handleSetNetworkField)
	}

	if s.deps.Gatherer != nil {
		router.GET("/metrics", reads, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "replicon admin API is running"})
	})

	return router
}
