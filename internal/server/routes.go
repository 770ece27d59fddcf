package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/tabletop/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	creates := middleware.RateLimiter(2, 5)

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	api := s.E.Group("/api")
	api.GET("/games", s.listGames)
	if s.rules != nil {
		api.POST("/rules", s.uploadRules, creates)
	}

	api.GET("/matches", s.listMatches)
	api.POST("/matches", s.createMatch, creates)
	api.GET("/matches/:id", s.getMatch)
	api.DELETE("/matches/:id", s.closeMatch)
	api.GET("/matches/:id/view", s.viewMatch)
	api.GET("/matches/:id/events", s.matchEvents)
	api.POST("/matches/:id/commands", s.submitCommand)
	api.POST("/matches/:id/undo", s.undoMatch)
	api.POST("/matches/:id/reset", s.resetMatch)
	api.POST("/matches/:id/verify", s.verifyMatch)
	api.GET("/matches/:id/presence", s.matchPresence)
	api.GET("/matches/:id/ws", s.stream.serve)
}
