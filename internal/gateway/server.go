package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	gwmiddleware "github.com/crowdclass/elastictier/internal/gateway/middleware"
)

// ServerConfig holds configuration for the gateway HTTP server.
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	MaxBodySize     string
	RateLimit       rate.Limit
	RateBurst       int
}

// DefaultServerConfig returns default gateway configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8000,
		ShutdownTimeout: 10 * time.Second,
		MaxBodySize:     "10M",
		RateLimit:       100,
		RateBurst:       200,
	}
}

// Server is the inbound job submission server.
type Server struct {
	echo    *echo.Echo
	config  *ServerConfig
	handler *ClassifyHandler
}

// NewServer creates the gateway server.
func NewServer(config *ServerConfig, handler *ClassifyHandler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(io.Discard)

	s := &Server{
		echo:    e,
		config:  config,
		handler: handler,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(gwmiddleware.Logger())
	s.echo.Use(middleware.BodyLimit(s.config.MaxBodySize))
	s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:  s.config.RateLimit,
			Burst: s.config.RateBurst,
		},
	)))
}

func (s *Server) setupRoutes() {
	s.echo.POST("/", s.handler.Classify)
	s.echo.GET("/healthz", s.healthCheck)
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.config.Port))
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance for testing.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
