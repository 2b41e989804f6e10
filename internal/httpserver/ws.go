package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfehr/auxroom/internal/apperrors"
)

// handleSessionStream upgrades to WebSocket and streams session snapshots.
// The client receives the current snapshot immediately, then one frame per
// accepted change; after a reconnect the first frame is always a fresh
// snapshot, never a diff.
func (s *Server) handleSessionStream(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	if _, err := s.verifier.Parse(token); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid session id")
	}

	machine, ok := s.registry.Get(sessionID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	// Initial snapshot so the client never waits for the first change. It
	// rides the hub's per-client writer; the writer goroutine is the only
	// thing that ever writes to the connection.
	var initial []byte
	if snap, err := machine.Snapshot(c.Request().Context()); err == nil {
		initial, _ = json.Marshal(newStreamEvent(snap, s.clock.Now()))
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	if err := s.hub.Register(sessionID, conn, initial); err != nil {
		return nil // hub already closed the connection
	}
	defer s.hub.Unregister(sessionID, conn)

	// Read loop: the stream is one-way, but reading drives control frames
	// (pong, close) and detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			slog.Debug("WebSocket client disconnected", "session_id", sessionID, "error", err)
			return nil
		}
	}
}
