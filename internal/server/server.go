package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/service"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Runtime *Runtime
	Jobs    *service.JobService
}

func NewServer(cfg *config.Config, rt *Runtime, logger *zap.Logger) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Create router
	router := gin.New()

	// Create server
	srv := &Server{
		Config:  cfg,
		DB:      rt.DB,
		Router:  router,
		Logger:  logger,
		Runtime: rt,
		Jobs:    rt.Jobs,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", s.handleHealth)

	// API routes
	api := s.Router.Group("/api/v1")
	{
		research := api.Group("/research")
		{
			research.POST("", s.handleCreateResearch)
			research.GET("", s.handleListResearch)
			research.GET("/:id", s.handleGetResearch)
			research.DELETE("/:id", s.handleDeleteResearch)
		}

		curation := api.Group("/curation")
		{
			curation.POST("", s.handleCreateCuration)
			curation.GET("", s.handleListCuration)
			curation.GET("/:id", s.handleGetCuration)
			curation.POST("/:id/approve", s.handleApproveBrief)
		}

		production := api.Group("/production")
		{
			production.POST("", s.handleCreateProduction)
			production.GET("", s.handleListProduction)
			production.GET("/:id", s.handleGetProduction)
			production.GET("/curation/:id", s.handleGetProductionByCuration)
		}

		api.GET("/stats", s.handleStats)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	}

	// Check database connectivity
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		s.Logger.Warn("Health check failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}

	c.JSON(status, body)
}

// Start runs the background loops of the runtime and serves HTTP until shutdown.
func (s *Server) Start(ctx context.Context, opts StartOptions) error {
	s.Runtime.Start(ctx, opts)

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	// Create HTTP server
	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	// Start server with or without TLS
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.Runtime.Stop()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
