package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfehr/auxroom/internal/apperrors"
)

func (s *Server) registerRoutes() {
	// Observability endpoints, no auth.
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Dev-only token mint; production deployments get tokens from the
	// identity provider.
	if s.config.AppEnv != "production" {
		s.echo.POST("/auth/dev-token", s.handleDevToken, apperrors.Middleware())
	}

	api := s.echo.Group("/api", apperrors.Middleware(), s.verifier.Middleware())

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListPublicSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.POST("/sessions/join", s.handleJoinSession, s.joinRateLimiter())
	api.POST("/sessions/:id/leave", s.handleLeaveSession)
	api.POST("/sessions/:id/end", s.handleEndSession)

	api.POST("/sessions/:id/playback", s.handlePlaybackCommand)
	api.GET("/sessions/:id/playback", s.handlePlaybackState)

	api.POST("/sessions/:id/queue", s.handleAppendTrack)
	api.DELETE("/sessions/:id/queue/:position", s.handleRemoveTrack)
	api.POST("/sessions/:id/queue/:position/move", s.handleMoveTrack)

	api.GET("/past-sessions", s.handleListPastSessions)
	api.GET("/past-sessions/:id", s.handleGetPastSession)

	// WebSocket stream; authenticates via token query parameter since
	// browser WebSocket clients cannot set headers.
	s.echo.GET("/ws/sessions/:id", s.handleSessionStream)
}
