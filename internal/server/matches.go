package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/game"
	"github.com/nfrund/tabletop/internal/match"
)

// CommandRequest is the body of POST /api/matches/:id/commands.
type CommandRequest struct {
	Type     string         `json:"type" validate:"required,max=64,eventname"`
	PlayerID string         `json:"playerId" validate:"required,max=64"`
	Payload  domain.Payload `json:"payload"`
}

// ResetRequest is the body of POST /api/matches/:id/reset.
type ResetRequest struct {
	Seed string `json:"seed" validate:"max=256"`
}

// EventsResponse is a page of the match event stream.
type EventsResponse struct {
	Epoch   int                       `json:"epoch"`
	Entries []engine.EventStreamEntry `json:"entries"`
}

func (s *Server) listGames(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.List())
}

func (s *Server) listMatches(c echo.Context) error {
	infos, err := s.manager.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, infos)
}

func (s *Server) createMatch(c echo.Context) error {
	var req match.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	h, err := s.manager.Create(ctx, req)
	if err != nil {
		return err
	}
	info, err := h.Info(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, info)
}

// host finds the running match, restoring it from storage when needed.
func (s *Server) host(c echo.Context) (*match.Host, error) {
	id := c.Param("id")
	if h, err := s.manager.Get(id); err == nil {
		return h, nil
	}
	return s.manager.Restore(c.Request().Context(), id)
}

func (s *Server) getMatch(c echo.Context) error {
	h, err := s.host(c)
	if err != nil {
		return err
	}
	info, err := h.Info(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) closeMatch(c echo.Context) error {
	purge, _ := strconv.ParseBool(c.QueryParam("purge"))
	if err := s.manager.Close(c.Request().Context(), c.Param("id"), purge); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) viewMatch(c echo.Context) error {
	h, err := s.host(c)
	if err != nil {
		return err
	}
	view, err := h.View(c.Request().Context(), domain.PlayerID(c.QueryParam("player")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) matchEvents(c echo.Context) error {
	from, err := parseFrom(c.QueryParam("from"))
	if err != nil {
		return err
	}
	h, err := s.host(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	entries, err := h.Events(ctx, from, domain.PlayerID(c.QueryParam("player")))
	if err != nil {
		return err
	}
	info, err := h.Info(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []engine.EventStreamEntry{}
	}
	return c.JSON(http.StatusOK, EventsResponse{Epoch: info.Epoch, Entries: entries})
}

func (s *Server) submitCommand(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	h, err := s.host(c)
	if err != nil {
		return err
	}
	out, err := h.Submit(c.Request().Context(), domain.Command{
		Type:     req.Type,
		PlayerID: domain.PlayerID(req.PlayerID),
		Payload:  req.Payload,
	})
	if err != nil {
		return err
	}
	return respondOutcome(c, out)
}

func respondOutcome(c echo.Context, out game.Outcome) error {
	if !out.Accepted() {
		return c.JSON(http.StatusUnprocessableEntity, RejectionResponse{
			Code:      string(out.Rejection.Reason),
			Rejection: out.Rejection,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) undoMatch(c echo.Context) error {
	h, err := s.host(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.Undo(ctx); err != nil {
		return err
	}
	info, err := h.Info(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) resetMatch(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	h, err := s.host(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	seed := req.Seed
	if seed == "" {
		seed = uuid.NewString()
	}
	if err := h.Reset(ctx, seed); err != nil {
		return err
	}
	info, err := h.Info(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) verifyMatch(c echo.Context) error {
	h, err := s.host(c)
	if err != nil {
		return err
	}
	if err := h.Verify(c.Request().Context()); err != nil {
		return c.JSON(http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// PresenceResponse lists the seated players with a live stream.
type PresenceResponse struct {
	Match  string            `json:"match"`
	Online []domain.PlayerID `json:"online"`
}

func (s *Server) matchPresence(c echo.Context) error {
	h, err := s.host(c)
	if err != nil {
		return err
	}
	resp := PresenceResponse{Match: h.ID(), Online: []domain.PlayerID{}}
	if s.presence != nil {
		resp.Online = s.presence.Online(h.ID())
	}
	return c.JSON(http.StatusOK, resp)
}

func parseFrom(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	from, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || from < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "from must be a non-negative event id")
	}
	return from, nil
}
