package httpserver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/nfehr/auxroom/internal/metrics"
)

const (
	maxClientsPerSession = 100
	writeDeadline        = 5 * time.Second
	pingInterval         = 30 * time.Second
	pongDeadline         = 60 * time.Second
	messageBufferSize    = 16
)

// clientWriter serializes all writes to one WebSocket connection and keeps
// the connection alive with pings.
type clientWriter struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan []byte
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClientWriter(conn *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, messageBufferSize),
		doneCh: make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WSPingFailures.Inc()
				return
			}
		case <-cw.doneCh:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing, used when the
// session ends while clients are still connected.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.conn.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.conn.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.conn.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

type sessionClients map[*websocket.Conn]*clientWriter

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	sessionID uuid.UUID
	conn      *websocket.Conn
	initial   []byte
	errCh     chan error
}

type unregisterCmd struct {
	baseHubCmd
	sessionID uuid.UUID
	conn      *websocket.Conn
}

type broadcastCmd struct {
	baseHubCmd
	sessionID uuid.UUID
	data      []byte
}

type closeSessionCmd struct {
	baseHubCmd
	sessionID uuid.UUID
	reason    string
}

type clientCountCmd struct {
	baseHubCmd
	sessionID uuid.UUID
	replyCh   chan int
}

type hubStopCmd struct {
	baseHubCmd
}

// Hub fans session updates out to the WebSocket clients of each session.
// Updates are pushed when session state changes, not on a tick: a session
// with nobody touching the queue produces no traffic beyond pings.
type Hub struct {
	cmdCh   chan hubCmd
	clock   clockwork.Clock
	clients map[uuid.UUID]sessionClients
}

func NewHub(clock clockwork.Clock) *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		clock:   clock,
		clients: make(map[uuid.UUID]sessionClients),
	}
	go h.run()
	return h
}

// Register adds a client connection to a session's audience. A non-nil
// initial frame is queued on the client's writer before any broadcast can
// reach it; all frames for a connection go through that single writer.
func (h *Hub) Register(sessionID uuid.UUID, conn *websocket.Conn, initial []byte) error {
	errCh := make(chan error, 1)
	h.cmdCh <- registerCmd{sessionID: sessionID, conn: conn, initial: initial, errCh: errCh}
	return <-errCh
}

// Unregister removes a client connection.
func (h *Hub) Unregister(sessionID uuid.UUID, conn *websocket.Conn) {
	h.cmdCh <- unregisterCmd{sessionID: sessionID, conn: conn}
}

// Broadcast pushes an encoded update to every client of a session. Slow
// clients are evicted rather than allowed to stall the rest.
func (h *Hub) Broadcast(sessionID uuid.UUID, data []byte) {
	h.cmdCh <- broadcastCmd{sessionID: sessionID, data: data}
}

// CloseSession disconnects a session's audience with a close reason.
func (h *Hub) CloseSession(sessionID uuid.UUID, reason string) {
	h.cmdCh <- closeSessionCmd{sessionID: sessionID, reason: reason}
}

// ClientCount returns the number of connected clients for a session.
func (h *Hub) ClientCount(sessionID uuid.UUID) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- clientCountCmd{sessionID: sessionID, replyCh: replyCh}
	return <-replyCh
}

// Stop closes every connection and shuts the hub down.
func (h *Hub) Stop() {
	h.cmdCh <- hubStopCmd{}
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c.sessionID, c.conn)
		case broadcastCmd:
			h.handleBroadcast(c)
		case closeSessionCmd:
			h.handleCloseSession(c)
		case clientCountCmd:
			c.replyCh <- len(h.clients[c.sessionID])
		case hubStopCmd:
			h.handleStop()
			return
		default:
			slog.Warn("Hub received unknown command", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	clients, exists := h.clients[c.sessionID]
	if !exists {
		clients = make(sessionClients)
		h.clients[c.sessionID] = clients
	}

	if len(clients) >= maxClientsPerSession {
		_ = c.conn.Close()
		c.errCh <- fmt.Errorf("max clients per session (%d) reached", maxClientsPerSession)
		return
	}

	cw := newClientWriter(c.conn, h.clock)
	if c.initial != nil {
		cw.sendCh <- c.initial
	}
	clients[c.conn] = cw
	metrics.WSConnectedClients.Inc()
	slog.Debug("WebSocket client registered", "session_id", c.sessionID, "total", len(clients))
	c.errCh <- nil
}

func (h *Hub) handleUnregister(sessionID uuid.UUID, conn *websocket.Conn) {
	clients, exists := h.clients[sessionID]
	if !exists {
		return
	}
	cw, exists := clients[conn]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, conn)
	metrics.WSConnectedClients.Dec()
	if len(clients) == 0 {
		delete(h.clients, sessionID)
	}
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	clients, exists := h.clients[c.sessionID]
	if !exists {
		return
	}

	var slow []*websocket.Conn
	for conn, cw := range clients {
		select {
		case cw.sendCh <- c.data:
		default:
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		slog.Warn("Evicting slow WebSocket client", "session_id", c.sessionID)
		metrics.WSSlowClientsEvicted.Inc()
		h.handleUnregister(c.sessionID, conn)
	}
}

func (h *Hub) handleCloseSession(c closeSessionCmd) {
	clients, exists := h.clients[c.sessionID]
	if !exists {
		return
	}
	delete(h.clients, c.sessionID)

	for _, cw := range clients {
		cw.stopGraceful(c.reason)
		metrics.WSConnectedClients.Dec()
	}
}

func (h *Hub) handleStop() {
	for sessionID, clients := range h.clients {
		for _, cw := range clients {
			cw.stop()
			metrics.WSConnectedClients.Dec()
		}
		delete(h.clients, sessionID)
	}
}
