// Package httpserver exposes the session coordinator over HTTP: a JSON API
// for session lifecycle, queue, and playback operations, and a WebSocket
// stream of session snapshots.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/nfehr/auxroom/internal/config"
	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/identity"
	"github.com/nfehr/auxroom/internal/session"
	"github.com/nfehr/auxroom/internal/syncer"
)

// PastSessionReader serves the archive's read side. Nil when the deployment
// runs without a database.
type PastSessionReader interface {
	GetPastSession(ctx context.Context, sessionID uuid.UUID) (*domain.PastSession, error)
	ListPastSessionsByHost(ctx context.Context, hostID uuid.UUID) ([]*domain.PastSession, error)
}

// Pinger is a connectivity probe for the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	clock    clockwork.Clock
	store    domain.SessionStore
	registry *session.Registry
	backend  domain.PlaybackBackend
	archiver session.Archiver
	past     PastSessionReader
	pinger   Pinger
	verifier *identity.Verifier
	hub      *Hub
	upgrader websocket.Upgrader

	mu     sync.Mutex
	unsubs map[uuid.UUID]syncer.Unsubscribe
}

// Deps carries the server's collaborators. Archiver, Past, and Pinger may
// be nil.
type Deps struct {
	Store    domain.SessionStore
	Registry *session.Registry
	Backend  domain.PlaybackBackend
	Archiver session.Archiver
	Past     PastSessionReader
	Pinger   Pinger
	Clock    clockwork.Clock
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true, LogURI: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("Request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	srv := &Server{
		echo:     e,
		config:   cfg,
		clock:    deps.Clock,
		store:    deps.Store,
		registry: deps.Registry,
		backend:  deps.Backend,
		archiver: deps.Archiver,
		past:     deps.Past,
		pinger:   deps.Pinger,
		verifier: identity.NewVerifier(cfg.JWTSecret),
		hub:      NewHub(deps.Clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		unsubs: make(map[uuid.UUID]syncer.Unsubscribe),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// spawnMachine builds a machine with its own coordinator against the shared
// store. Each session has exactly one coordinator; they never share state.
func (s *Server) spawnMachine(setup session.Setup) (*session.Machine, *syncer.Coordinator) {
	coord := syncer.New(s.store, s.clock, s.config.PublishTimeout)
	m := session.NewMachine(setup, coord, s.backend, s.archiver, s.clock)
	return m, coord
}

// watchSession forwards every accepted snapshot of a session to its
// WebSocket audience, plus change-feed status transitions so clients can
// show a degraded-sync indicator.
func (s *Server) watchSession(sessionID uuid.UUID, coord *syncer.Coordinator) {
	unsubSnap := coord.OnUpdate(func(snap *domain.Session) {
		data, err := json.Marshal(newStreamEvent(snap, s.clock.Now()))
		if err != nil {
			slog.Error("Failed to encode stream event", "session_id", sessionID, "error", err)
			return
		}
		s.hub.Broadcast(sessionID, data)
	})
	unsubStat := coord.OnStatus(func(status syncer.Status) {
		slog.Warn("Session change feed status changed", "session_id", sessionID, "status", status)
		data, err := json.Marshal(newStatusEvent(status))
		if err != nil {
			return
		}
		s.hub.Broadcast(sessionID, data)
	})

	s.mu.Lock()
	s.unsubs[sessionID] = func() {
		unsubSnap()
		unsubStat()
	}
	s.mu.Unlock()
}

// releaseSession tears down the stream fan-out after a session ends.
func (s *Server) releaseSession(sessionID uuid.UUID, reason string) {
	s.mu.Lock()
	unsub, ok := s.unsubs[sessionID]
	delete(s.unsubs, sessionID)
	s.mu.Unlock()

	if ok {
		unsub()
	}
	s.hub.CloseSession(sessionID, reason)
	s.registry.Remove(sessionID)
}

func (s *Server) joinRateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.config.JoinRatePerSecond),
			Burst:     s.config.JoinBurst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
	})
}
