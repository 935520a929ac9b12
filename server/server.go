// Package server exposes the relay over HTTP: an SSE streaming endpoint, a
// cancel endpoint, and API-key management for the settings flow.
//
// Authentication is an upstream concern (the deployment terminates it at a
// gateway); this server only extracts the authenticated user id from the
// X-User-ID header and rejects requests without one.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"flowrelay/model"
	"flowrelay/provider"
	"flowrelay/relay"
	"flowrelay/storage"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	userHeader = "X-User-ID"
	userKey    = "flowrelay.user"
)

// Server wires the orchestrator, registry and key store behind echo.
type Server struct {
	orchestrator *relay.Orchestrator
	registry     *provider.Registry
	keys         *storage.KeyStore
	logger       *slog.Logger
	app          *echo.Echo
	addr         string
}

// New constructs the HTTP server.
func New(addr string, orchestrator *relay.Orchestrator, registry *provider.Registry, keys *storage.KeyStore, logger *slog.Logger) (*Server, error) {
	if orchestrator == nil {
		return nil, errors.New("orchestrator must not be nil")
	}
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if keys == nil {
		return nil, errors.New("key store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%d", maxBodyBytes)))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		orchestrator: orchestrator,
		registry:     registry,
		keys:         keys,
		logger:       logger,
		app:          e,
		addr:         addr,
	}
	srv.registerRoutes()
	return srv, nil
}

func (s *Server) registerRoutes() {
	s.app.GET("/healthz", s.handleHealth)

	authed := s.app.Group("/v1", s.requireUser)
	authed.POST("/llm/stream", s.handleStream)
	authed.DELETE("/llm/stream/:nodeId", s.handleCancel)
	authed.POST("/settings/keys", s.handleAddKey)
	authed.GET("/settings/keys", s.handleListKeys)
	authed.DELETE("/settings/keys/:id", s.handleDeleteKey)
	authed.PATCH("/settings/keys/:id", s.handleUpdateKey)
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server", "addr", s.addr)

	httpServer := &http.Server{
		Addr:        s.addr,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No WriteTimeout: SSE responses stay open as long as a vendor
		// streams; the relay's own idle timeout bounds them.
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// requireUser extracts the authenticated user id set by the upstream
// gateway.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(userHeader)
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"activeStreams": s.orchestrator.Active(),
	})
}

// handleStream admits a generation request and streams chunks back as SSE.
// Resolution failures are returned as plain JSON errors before any SSE
// framing is written; once streaming starts, failure is delivered in-band
// as the terminal chunk.
func (s *Server) handleStream(c echo.Context) error {
	var req model.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	sink := newSSESink(c.Response())
	handle, err := s.orchestrator.Admit(c.Request().Context(), userID(c), req, sink)
	if err != nil {
		return resolutionHTTPError(err)
	}

	// Block until the stream reaches a terminal state; the sink has
	// already received the final chunk by then. Client disconnects cancel
	// via the request context.
	<-handle.Done()
	return nil
}

func (s *Server) handleCancel(c echo.Context) error {
	s.orchestrator.Cancel(c.Param("nodeId"))
	// Cancellation is idempotent, so unknown ids are fine.
	return c.NoContent(http.StatusNoContent)
}

// resolutionHTTPError maps the relay's error taxonomy onto HTTP statuses.
func resolutionHTTPError(err error) error {
	switch {
	case errors.Is(err, relay.ErrDuplicateStream):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrUnsupportedProvider):
		// Known vendor with no adapter wired: a server configuration
		// problem, not the client's fault.
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	case errors.Is(err, provider.ErrUnknownModel),
		errors.Is(err, model.ErrNoCredential),
		errors.Is(err, relay.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
