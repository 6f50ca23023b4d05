// Package server provides the HTTP API for datasheetd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ohmlabs/datasheetd/internal/engine"
	"github.com/ohmlabs/datasheetd/internal/index"
	"github.com/ohmlabs/datasheetd/internal/synthesizer"
)

// Engine answers queries; implemented by engine.Engine.
type Engine interface {
	Ask(ctx context.Context, query, queryContext string) (engine.Answer, error)
	AskStream(ctx context.Context, query, queryContext string, fn synthesizer.StreamFunc) error
	CacheStatus(ctx context.Context) string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// RateLimit is the sustained request rate per second for the query
	// endpoints. Zero disables rate limiting.
	RateLimit float64
	RateBurst int
}

// Server provides the HTTP endpoints for datasheetd.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(eng Engine, logger *zap.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "0.0.0.0",
			Port: 8000,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ask := s.echo.Group("")
	if s.config.RateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
		ask.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				if !limiter.Allow() {
					return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
				}
				return next(c)
			}
		})
	}
	ask.POST("/ask", s.handleAsk)
	ask.POST("/ask-stream", s.handleAskStream)
}

// AskRequest is the request body for POST /ask and POST /ask-stream.
type AskRequest struct {
	Query string `json:"query"`
	// Context narrows the answer, e.g. the board or part family the
	// question is about.
	Context string `json:"context,omitempty"`
}

// RootResponse is the response body for GET /.
type RootResponse struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleRoot identifies the service.
func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, RootResponse{
		Service:   "datasheetd",
		Version:   s.config.Version,
		Timestamp: time.Now().UTC(),
	})
}

// handleHealth reports daemon and cache backend health.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Services: map[string]string{
			"cache": s.engine.CacheStatus(c.Request().Context()),
		},
	})
}

// handleAsk answers a query in one response.
func (s *Server) handleAsk(c echo.Context) error {
	req, err := s.bindAsk(c)
	if err != nil {
		return err
	}

	answer, err := s.engine.Ask(c.Request().Context(), req.Query, req.Context)
	if err != nil {
		return s.mapEngineError(err)
	}
	return c.JSON(http.StatusOK, answer)
}

// handleAskStream answers a query as a plain-text fragment stream.
func (s *Server) handleAskStream(c echo.Context) error {
	req, err := s.bindAsk(c)
	if err != nil {
		return err
	}

	res := c.Response()
	started := false
	err = s.engine.AskStream(c.Request().Context(), req.Query, req.Context, func(_ context.Context, fragment []byte) error {
		if !started {
			res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
			res.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := res.Write(fragment); err != nil {
			return err
		}
		res.Flush()
		return nil
	})
	if err != nil {
		if started {
			// Headers are gone; terminate the stream mid-body.
			s.logger.Error("stream aborted", zap.Error(err))
			return nil
		}
		return s.mapEngineError(err)
	}
	return nil
}

func (s *Server) bindAsk(c echo.Context) (AskRequest, error) {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid ask request", zap.Error(err))
		return AskRequest{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return AskRequest{}, echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	return req, nil
}

// mapEngineError converts pipeline errors to HTTP status codes.
func (s *Server) mapEngineError(err error) error {
	switch {
	case errors.Is(err, engine.ErrEmptyQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, index.ErrIndexUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "index unavailable")
	case errors.Is(err, engine.ErrGenerationTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "answer generation timed out")
	default:
		s.logger.Error("query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "query processing failed")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
