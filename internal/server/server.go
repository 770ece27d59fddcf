// Package server exposes match hosting over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/match"
	"github.com/nfrund/tabletop/internal/middleware"
	"github.com/nfrund/tabletop/internal/presence"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/storage"
)

// Reloader reloads one rules file by name.
type Reloader interface {
	Reload(name string) error
}

// Rules enables rules uploads. Files are saved into Dir of Store and then
// handed to Reloader.
type Rules struct {
	Store    storage.Store
	Dir      string
	Reloader Reloader
	MaxBytes int64
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Manager        *match.Manager
	Catalog        *game.Catalog
	Events         pubsub.Subscriber
	Rules          *Rules
	Presence       *presence.Service
	Tracer         trace.Tracer
	Logger         *slog.Logger
	AllowedOrigins []string
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E       *echo.Echo
	manager *match.Manager
	catalog *game.Catalog
	events  pubsub.Subscriber
	rules    *Rules
	presence *presence.Service
	stream   *streamer
	logger  *slog.Logger
}

// New builds a server with every route registered.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("server")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	setupErrorHandling(e)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Tracing(tracer))

	s := &Server{
		E:       e,
		manager: deps.Manager,
		catalog: deps.Catalog,
		events:  deps.Events,
		rules:    deps.Rules,
		presence: deps.Presence,
		logger:   logger,
	}
	s.stream = newStreamer(deps.Manager, deps.Events, deps.Presence, deps.AllowedOrigins, logger)
	s.RegisterRoutes()
	return s
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes websocket streams and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.closeAll()
	return s.E.Shutdown(ctx)
}
