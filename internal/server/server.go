// Package server
//
// @title Session Bridge API
// @version 1.0
// @description Cookie-backed auth sessions for server-rendered pages and RPC
// @host localhost:8080
// @BasePath /
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/branchd-dev/sessionbridge/internal/auth"
	"github.com/branchd-dev/sessionbridge/internal/config"
	"github.com/branchd-dev/sessionbridge/internal/models"
	"github.com/branchd-dev/sessionbridge/internal/rpc"
	"github.com/branchd-dev/sessionbridge/internal/ssr"
	"github.com/branchd-dev/sessionbridge/internal/workers"
)

// Server represents the HTTP server
type Server struct {
	router    *gin.Engine
	db        *gorm.DB
	config    *config.Config
	logger    zerolog.Logger
	validator *validator.Validate
	auth      ssr.Options
	verifier  *auth.Verifier
	rpc       *rpc.Router
	retention *workers.Retention
	version   string
}

// New creates a new server instance
func New(cfg *config.Config, zlog zerolog.Logger, version string) (*Server, error) {
	db, err := initDatabase(cfg, zlog)
	if err != nil {
		return nil, err
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}

	authLogger := zlog.With().Str("component", "auth").Logger()
	authOpts := ssr.Options{
		URL: cfg.Auth.URL,
		Key: cfg.Auth.AnonKey,
		Cookie: ssr.CookieOptions{
			Domain: cfg.Cookie.Domain,
			Secure: cfg.Cookie.Secure,
		},
		Logger: &authLogger,
	}

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret); err != nil {
			return nil, err
		}
		zlog.Info().Msg("Verifying access tokens locally")
	}

	var retention *workers.Retention
	if cfg.Retention.Schedule != "" {
		if retention, err = workers.NewRetention(db, cfg.Retention.Schedule, cfg.Retention.Days, zlog); err != nil {
			return nil, err
		}
	}

	validate := validator.New()

	server := &Server{
		db:        db,
		config:    cfg,
		logger:    zlog,
		validator: validate,
		auth:      authOpts,
		verifier:  verifier,
		retention: retention,
		version:   version,
	}

	server.rpc = rpc.NewRouter(rpc.Deps{
		Auth:      authOpts,
		DB:        db,
		Logger:    zlog.With().Str("component", "rpc").Logger(),
		Validator: validate,
	})
	rpc.RegisterDefaults(server.rpc)
	zlog.Debug().Strs("procedures", server.rpc.Names()).Msg("RPC procedures registered")

	server.setupRouter()

	return server, nil
}

// initDatabase initializes the database connection with production settings
func initDatabase(cfg *config.Config, zlog zerolog.Logger) (*gorm.DB, error) {
	const (
		maxOpenConns    = 8
		maxIdleConns    = 4
		connMaxLifetime = 300 * time.Second
		busyTimeout     = 5000 // ms
	)

	db, err := gorm.Open(sqlite.Open(cfg.Database.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL must be set first
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=1",
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			zlog.Warn().Str("pragma", pragma).Err(err).Msg("Failed to apply pragma")
		}
	}

	return db, nil
}

// setupRouter configures the Gin router with routes and middleware
func (s *Server) setupRouter() {
	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	if len(s.config.HTTP.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:     s.config.HTTP.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Health check endpoint (no auth required)
	s.router.GET("/health", s.healthCheck)

	// Session endpoints write cookies on the response themselves
	s.router.POST("/auth/login", s.login)
	s.router.POST("/auth/logout", s.logout)

	// Procedures build their own client from the request cookies
	s.router.POST("/rpc/:procedure", s.rpc.Handler())

	// Page routes run behind the edge bridge, which refreshes the session
	// before the handler sees the request
	api := s.router.Group("/api")
	api.Use(ssr.Middleware(s.auth, s.logger.With().Str("component", "edge").Logger()))
	{
		api.GET("/session", s.getSession)

		authed := api.Group("")
		authed.Use(RequireUser(s.logger, s.verifier))
		{
			authed.GET("/me", s.getCurrentUser)
		}
	}
}

// loggingMiddleware creates a custom logging middleware using zerolog
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := s.logger.Info()
		if len(c.Errors) > 0 {
			event = s.logger.Warn().Str("errors", c.Errors.String())
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

// @Router /health [get]
// @Success 200 {object} map[string]interface{}
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "online",
		"timestamp": time.Now().UTC(),
		"service":   "sessionbridge",
		"version":   s.version,
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetDB returns the database connection
func (s *Server) GetDB() *gorm.DB {
	return s.db
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.HTTP.Address,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.retention != nil {
		s.retention.Start()
		defer s.retention.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Error().Err(err).Msg("HTTP server error")
			s.closeDB()
			return err
		}
	case <-ctx.Done():
		s.logger.Info().Msg("Received shutdown signal, shutting down gracefully...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
		return err
	}

	s.closeDB()
	s.logger.Info().Msg("Server shutdown complete")
	return nil
}

// closeDB flushes WAL writes
func (s *Server) closeDB() {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing database")
	}
}

func init() {
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
