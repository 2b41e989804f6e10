package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfehr/auxroom/internal/apperrors"
	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/identity"
	"github.com/nfehr/auxroom/internal/session"
)

const devTokenTTL = 24 * time.Hour

func (s *Server) handleDevToken(c echo.Context) error {
	var req devTokenRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.UserID == uuid.Nil {
		req.UserID = uuid.New()
	}

	token, err := identity.Issue(s.config.JWTSecret, req.UserID, devTokenTTL)
	if err != nil {
		return apperrors.InternalError("failed to mint token", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"token": token, "user_id": req.UserID})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	userID, err := identity.UserID(c)
	if err != nil {
		return err
	}

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Title == "" {
		return apperrors.ValidationError("title is required")
	}
	if req.Visibility == "" {
		req.Visibility = domain.VisibilityInviteOnly
	}
	if req.Visibility != domain.VisibilityPublic && req.Visibility != domain.VisibilityInviteOnly {
		return apperrors.ValidationError("visibility must be public or invite")
	}
	if req.Mode == "" {
		req.Mode = domain.ModeHost
	}
	if req.Mode != domain.ModeHost && req.Mode != domain.ModeParty {
		return apperrors.ValidationError("mode must be host or party")
	}
	for _, ref := range req.Tracks {
		if len(ref.Locators) == 0 {
			return apperrors.ValidationError("every track needs at least one streaming locator")
		}
	}

	machine, coord := s.spawnMachine(session.Setup{
		Title:      req.Title,
		HostID:     userID,
		Visibility: req.Visibility,
		Mode:       req.Mode,
		Tracks:     req.Tracks,
	})
	if err := machine.Start(c.Request().Context()); err != nil {
		machine.Stop()
		return err
	}

	snap, err := machine.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}

	s.registry.Add(machine)
	s.registry.IndexJoinCode(snap.Join.JoinCode, machine.Handle())
	s.watchSession(machine.Handle(), coord)

	return c.JSON(http.StatusCreated, newSessionResponse(snap, s.clock.Now(), true))
}

// handleListPublicSessions lists discoverable sessions. Sessions hosted on
// this instance come straight from their machines; the store index covers
// sessions running on other instances.
func (s *Server) handleListPublicSessions(c echo.Context) error {
	ctx := c.Request().Context()

	local := s.registry.Snapshots(ctx)
	seen := make(map[uuid.UUID]struct{}, len(local))
	out := make([]sessionResponse, 0, len(local))
	for _, snap := range local {
		seen[snap.Details.SessionID] = struct{}{}
		out = append(out, newSessionResponse(snap, s.clock.Now(), false))
	}

	ids, err := s.store.ListPublic(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		doc, err := s.store.GetDocument(ctx, id)
		if err != nil {
			continue
		}
		if doc.State() != domain.SessionActive {
			continue
		}
		out = append(out, newSessionResponse(doc, s.clock.Now(), false))
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(c echo.Context) error {
	userID, err := identity.UserID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid session id")
	}

	var snap *domain.Session
	if machine, ok := s.registry.Get(id); ok {
		snap, err = machine.Snapshot(c.Request().Context())
	} else {
		snap, err = s.store.GetDocument(c.Request().Context(), id)
	}
	if err != nil {
		return err
	}

	inside := snap.IsHost(userID) || snap.HasListener(userID)
	return c.JSON(http.StatusOK, newSessionResponse(snap, s.clock.Now(), inside))
}

func (s *Server) handleJoinSession(c echo.Context) error {
	userID, err := identity.UserID(c)
	if err != nil {
		return err
	}

	var req joinSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	machine, err := s.resolveJoinTarget(c, req)
	if err != nil {
		return err
	}

	if err := machine.Join(c.Request().Context(), userID, req.JoinCode); err != nil {
		return err
	}

	snap, err := machine.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newSessionResponse(snap, s.clock.Now(), true))
}

// resolveJoinTarget finds the machine a join request addresses: by join code
// for invite flows, by session id for public discovery.
func (s *Server) resolveJoinTarget(c echo.Context, req joinSessionRequest) (*session.Machine, error) {
	if req.JoinCode != "" {
		if machine, ok := s.registry.GetByCode(req.JoinCode); ok {
			return machine, nil
		}
		id, err := s.store.LookupJoinCode(c.Request().Context(), req.JoinCode)
		if err != nil {
			return nil, err
		}
		if machine, ok := s.registry.Get(id); ok {
			return machine, nil
		}
		return nil, s.missingMachineError(c, id)
	}

	if req.SessionID != uuid.Nil {
		if machine, ok := s.registry.Get(req.SessionID); ok {
			return machine, nil
		}
		return nil, s.missingMachineError(c, req.SessionID)
	}

	return nil, apperrors.ValidationError("either join_code or session_id is required")
}

// missingMachineError distinguishes a session that ended from one that never
// existed when no local machine serves it.
func (s *Server) missingMachineError(c echo.Context, id uuid.UUID) error {
	doc, err := s.store.GetDocument(c.Request().Context(), id)
	if err == nil && doc.State() == domain.SessionEnded {
		return domain.ErrSessionEnded
	}
	return domain.ErrSessionNotFound
}

func (s *Server) handleLeaveSession(c echo.Context) error {
	userID, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}
	if err := machine.Leave(c.Request().Context(), userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEndSession(c echo.Context) error {
	userID, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}

	past, err := machine.End(c.Request().Context(), userID)
	if err != nil {
		return err
	}

	s.releaseSession(machine.Handle(), "session ended")
	machine.Stop()

	return c.JSON(http.StatusOK, newPastSessionResponse(past))
}

func (s *Server) handlePlaybackCommand(c echo.Context) error {
	userID, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}

	var req playbackRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	cmd, err := domain.ParseCommand(req.Command)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}

	if err := machine.Apply(c.Request().Context(), userID, cmd); err != nil {
		return err
	}

	snap, err := machine.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, playbackStateFrom(snap, s.clock.Now()))
}

func (s *Server) handlePlaybackState(c echo.Context) error {
	_, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}

	snap, err := machine.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, playbackStateFrom(snap, s.clock.Now()))
}

func playbackStateFrom(snap *domain.Session, now time.Time) playbackStateResponse {
	resp := playbackStateResponse{
		PlayState:            snap.Log.CurrentState(),
		ElapsedRuntimeMillis: snap.Log.ElapsedRuntimeMillis(now),
		Events:               snap.Log.Len(),
	}
	if last, ok := snap.Log.Last(); ok {
		resp.LastCommand = last.Command.String()
	}
	return resp
}

func (s *Server) handleAppendTrack(c echo.Context) error {
	userID, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}

	var req appendTrackRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if len(req.Content.Locators) == 0 {
		return apperrors.ValidationError("track needs at least one streaming locator")
	}

	track, err := machine.AppendTrack(c.Request().Context(), userID, req.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, track)
}

func (s *Server) handleRemoveTrack(c echo.Context) error {
	userID, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}

	position, err := strconv.Atoi(c.Param("position"))
	if err != nil {
		return apperrors.ValidationError("invalid queue position")
	}

	if err := machine.RemoveTrack(c.Request().Context(), userID, position); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMoveTrack(c echo.Context) error {
	userID, machine, err := s.authedMachine(c)
	if err != nil {
		return err
	}

	from, err := strconv.Atoi(c.Param("position"))
	if err != nil {
		return apperrors.ValidationError("invalid queue position")
	}
	var req moveTrackRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	if err := machine.MoveTrack(c.Request().Context(), userID, from, req.To); err != nil {
		return err
	}

	snap, err := machine.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"queue": snap.Queue.Tracks()})
}

func (s *Server) handleListPastSessions(c echo.Context) error {
	if s.past == nil {
		return apperrors.NotFoundError("archive is not configured")
	}
	userID, err := identity.UserID(c)
	if err != nil {
		return err
	}

	records, err := s.past.ListPastSessionsByHost(c.Request().Context(), userID)
	if err != nil {
		return err
	}

	out := make([]pastSessionResponse, 0, len(records))
	for _, past := range records {
		out = append(out, newPastSessionResponse(past))
	}
	return c.JSON(http.StatusOK, map[string]any{"past_sessions": out})
}

func (s *Server) handleGetPastSession(c echo.Context) error {
	if s.past == nil {
		return apperrors.NotFoundError("archive is not configured")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid session id")
	}

	past, err := s.past.GetPastSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPastSessionResponse(past))
}

// authedMachine resolves the authenticated caller and the local machine for
// the :id route parameter.
func (s *Server) authedMachine(c echo.Context) (uuid.UUID, *session.Machine, error) {
	userID, err := identity.UserID(c)
	if err != nil {
		return uuid.Nil, nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, nil, apperrors.ValidationError("invalid session id")
	}
	machine, ok := s.registry.Get(id)
	if !ok {
		return uuid.Nil, nil, domain.ErrSessionNotFound
	}
	return userID, machine, nil
}
