// Package session owns the session lifecycle: the Setup → Active → Ended
// state machine, membership, permission gating, and the coordination of
// queue and event-log mutations as single consistent units.
//
// All session state is confined to one goroutine per Machine. Every
// operation enters as a typed command on the actor's channel; coordinator
// callbacks hand remote snapshots into the same channel before any state is
// touched.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/metrics"
	"github.com/nfehr/auxroom/internal/syncer"
)

const commandBuffer = 64

// Archiver persists the immutable record of an ended session.
type Archiver interface {
	ArchivePastSession(ctx context.Context, past *domain.PastSession) error
}

// Setup is the host-curated draft a session starts from. Nothing is
// persisted until Start succeeds.
type Setup struct {
	Title      string
	HostID     uuid.UUID
	Visibility domain.Visibility
	Mode       domain.Mode
	Tracks     []domain.ContentRef
}

type machineCmd interface{ isMachineCmd() }

type baseMachineCmd struct{}

func (baseMachineCmd) isMachineCmd() {}

type startCmd struct {
	baseMachineCmd
	ctx   context.Context
	reply chan error
}

type joinCmd struct {
	baseMachineCmd
	ctx    context.Context
	userID uuid.UUID
	code   string
	reply  chan error
}

type leaveCmd struct {
	baseMachineCmd
	ctx    context.Context
	userID uuid.UUID
	reply  chan error
}

type endCmd struct {
	baseMachineCmd
	ctx    context.Context
	userID uuid.UUID
	reply  chan endResult
}

type endResult struct {
	past *domain.PastSession
	err  error
}

type playbackCmd struct {
	baseMachineCmd
	ctx     context.Context
	userID  uuid.UUID
	command domain.PlaybackCommand
	reply   chan error
}

type appendTrackCmd struct {
	baseMachineCmd
	ctx     context.Context
	userID  uuid.UUID
	content domain.ContentRef
	reply   chan appendTrackResult
}

type appendTrackResult struct {
	track domain.Track
	err   error
}

type removeTrackCmd struct {
	baseMachineCmd
	ctx      context.Context
	userID   uuid.UUID
	position int
	reply    chan error
}

type moveTrackCmd struct {
	baseMachineCmd
	ctx      context.Context
	userID   uuid.UUID
	from, to int
	reply    chan error
}

type snapshotCmd struct {
	baseMachineCmd
	reply chan *domain.Session
}

type adoptRemoteCmd struct {
	baseMachineCmd
	snapshot *domain.Session
}

type stopCmd struct {
	baseMachineCmd
}

// Machine is the session actor. One Machine owns one Session aggregate for
// its whole lifetime; nothing else mutates it.
type Machine struct {
	handle   uuid.UUID
	cmdCh    chan machineCmd
	clock    clockwork.Clock
	coord    *syncer.Coordinator
	backend  domain.PlaybackBackend
	archiver Archiver

	sess         *domain.Session
	unsubUpdates syncer.Unsubscribe
	done         chan struct{}
}

// NewMachine builds a Machine in Setup state from a host's draft and starts
// its actor goroutine. backend and archiver may be nil.
func NewMachine(setup Setup, coord *syncer.Coordinator, backend domain.PlaybackBackend, archiver Archiver, clock clockwork.Clock) *Machine {
	sess := &domain.Session{
		Details: domain.SessionDetails{
			Title:  setup.Title,
			HostID: setup.HostID,
		},
		Join: domain.JoinDetails{Visibility: setup.Visibility},
		Mode: setup.Mode,
	}
	for _, ref := range setup.Tracks {
		sess.Queue.Append(ref)
	}

	m := &Machine{
		handle:   uuid.New(),
		cmdCh:    make(chan machineCmd, commandBuffer),
		clock:    clock,
		coord:    coord,
		backend:  backend,
		archiver: archiver,
		sess:     sess,
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Handle is the stable identifier of this machine. It becomes the session
// id when Start succeeds.
func (m *Machine) Handle() uuid.UUID { return m.handle }

// Start transitions Setup → Active: assigns the session id and join code,
// seeds the event log with the initial pause, and persists the complete
// document. On store failure the machine stays in Setup and no partial
// session reaches the store.
func (m *Machine) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, startCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// Join admits a listener. The join code is the sole gate for invite-only
// sessions.
func (m *Machine) Join(ctx context.Context, userID uuid.UUID, code string) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, joinCmd{ctx: ctx, userID: userID, code: code, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// Leave removes the caller's listener entry. The host cannot leave; ending
// the session is a distinct operation.
func (m *Machine) Leave(ctx context.Context, userID uuid.UUID) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, leaveCmd{ctx: ctx, userID: userID, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// End transitions Active → Ended: host only, sets EndedAt, archives the
// final snapshot, and tears the subscription down.
func (m *Machine) End(ctx context.Context, userID uuid.UUID) (*domain.PastSession, error) {
	reply := make(chan endResult, 1)
	if err := m.send(ctx, endCmd{ctx: ctx, userID: userID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.past, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Apply runs a playback command. Host always; listeners only in party mode.
// The event is appended only after the playback backend acknowledges.
func (m *Machine) Apply(ctx context.Context, userID uuid.UUID, cmd domain.PlaybackCommand) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, playbackCmd{ctx: ctx, userID: userID, command: cmd, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// AppendTrack adds content at the end of the queue.
func (m *Machine) AppendTrack(ctx context.Context, userID uuid.UUID, content domain.ContentRef) (domain.Track, error) {
	reply := make(chan appendTrackResult, 1)
	if err := m.send(ctx, appendTrackCmd{ctx: ctx, userID: userID, content: content, reply: reply}); err != nil {
		return domain.Track{}, err
	}
	select {
	case res := <-reply:
		return res.track, res.err
	case <-ctx.Done():
		return domain.Track{}, ctx.Err()
	}
}

// RemoveTrack deletes the track at position and reindexes the rest.
func (m *Machine) RemoveTrack(ctx context.Context, userID uuid.UUID, position int) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, removeTrackCmd{ctx: ctx, userID: userID, position: position, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// MoveTrack relocates the track at from to position to, renumbering the
// displaced range as one atomic batch.
func (m *Machine) MoveTrack(ctx context.Context, userID uuid.UUID, from, to int) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, moveTrackCmd{ctx: ctx, userID: userID, from: from, to: to, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// Snapshot returns a deep copy of the current session state.
func (m *Machine) Snapshot(ctx context.Context) (*domain.Session, error) {
	reply := make(chan *domain.Session, 1)
	if err := m.send(ctx, snapshotCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts the actor down. Pending commands are abandoned.
func (m *Machine) Stop() {
	select {
	case m.cmdCh <- stopCmd{}:
		<-m.done
	case <-m.done:
	}
}

func (m *Machine) send(ctx context.Context, cmd machineCmd) error {
	select {
	case m.cmdCh <- cmd:
		return nil
	case <-m.done:
		return domain.ErrInvalidState
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) run() {
	defer close(m.done)

	for cmd := range m.cmdCh {
		switch c := cmd.(type) {
		case startCmd:
			c.reply <- m.handleStart(c.ctx)
		case joinCmd:
			c.reply <- m.handleJoin(c)
		case leaveCmd:
			c.reply <- m.handleLeave(c)
		case endCmd:
			past, err := m.handleEnd(c)
			c.reply <- endResult{past: past, err: err}
		case playbackCmd:
			c.reply <- m.handlePlayback(c)
		case appendTrackCmd:
			track, err := m.handleAppendTrack(c)
			c.reply <- appendTrackResult{track: track, err: err}
		case removeTrackCmd:
			c.reply <- m.handleRemoveTrack(c)
		case moveTrackCmd:
			c.reply <- m.handleMoveTrack(c)
		case snapshotCmd:
			c.reply <- m.sess.Clone()
		case adoptRemoteCmd:
			m.handleAdoptRemote(c.snapshot)
		case stopCmd:
			m.teardown()
			return
		default:
			slog.Warn("Session machine received unknown command", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (m *Machine) handleStart(ctx context.Context) error {
	if m.sess.State() != domain.SessionSetup {
		return domain.ErrInvalidState
	}
	if m.sess.Queue.Len() == 0 {
		return domain.ErrEmptyQueue
	}

	code, err := NewJoinCode()
	if err != nil {
		return err
	}

	now := m.clock.Now()
	candidate := m.sess.Clone()
	candidate.Details.SessionID = m.handle
	candidate.Details.CreatedAt = now
	candidate.Join.JoinCode = code
	candidate.Log.Append(domain.Pause(), candidate.Details.HostID.String(), now)

	accepted, err := m.coord.Publish(ctx, candidate)
	if err != nil {
		// Still in Setup; nothing partial reached the store.
		return err
	}

	m.sess = accepted
	m.coord.Subscribe(m.handle)
	m.unsubUpdates = m.coord.OnUpdate(m.enqueueRemote)
	metrics.ActiveSessions.Inc()

	m.pushQueueToBackend(ctx)
	slog.Info("Session started",
		"session_id", m.handle,
		"host_id", m.sess.Details.HostID,
		"tracks", m.sess.Queue.Len(),
	)
	return nil
}

func (m *Machine) handleJoin(c joinCmd) error {
	if m.sess.State() != domain.SessionActive {
		metrics.JoinAttemptsTotal.WithLabelValues("invalid_state").Inc()
		if m.sess.State() == domain.SessionEnded {
			return domain.ErrSessionEnded
		}
		return domain.ErrInvalidState
	}
	if err := m.sess.VerifyJoin(c.code); err != nil {
		metrics.JoinAttemptsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	candidate := m.sess.Clone()
	if err := candidate.AddListener(c.userID, m.clock.Now()); err != nil {
		metrics.JoinAttemptsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	accepted, err := m.coord.Publish(c.ctx, candidate, domain.FieldListeners)
	if err != nil {
		metrics.JoinAttemptsTotal.WithLabelValues("store_error").Inc()
		return err
	}
	m.sess = accepted
	metrics.JoinAttemptsTotal.WithLabelValues("ok").Inc()
	metrics.SessionListeners.WithLabelValues(m.handle.String()).Set(float64(len(m.sess.Listeners)))
	return nil
}

func (m *Machine) handleLeave(c leaveCmd) error {
	if m.sess.State() != domain.SessionActive {
		return domain.ErrInvalidState
	}
	if m.sess.IsHost(c.userID) {
		return fmt.Errorf("%w: host must end the session instead of leaving", domain.ErrNotAuthorized)
	}

	candidate := m.sess.Clone()
	candidate.RemoveListener(c.userID)

	accepted, err := m.coord.Publish(c.ctx, candidate, domain.FieldListeners)
	if err != nil {
		return err
	}
	m.sess = accepted
	metrics.SessionListeners.WithLabelValues(m.handle.String()).Set(float64(len(m.sess.Listeners)))
	return nil
}

func (m *Machine) handleEnd(c endCmd) (*domain.PastSession, error) {
	if m.sess.State() != domain.SessionActive {
		return nil, domain.ErrInvalidState
	}
	if !m.sess.IsHost(c.userID) {
		return nil, fmt.Errorf("%w: only the host may end a session", domain.ErrNotAuthorized)
	}

	candidate := m.sess.Clone()
	past, err := candidate.End(m.clock.Now())
	if err != nil {
		return nil, err
	}

	accepted, err := m.coord.Publish(c.ctx, candidate)
	if err != nil {
		return nil, err
	}
	m.sess = accepted

	if m.archiver != nil {
		if err := m.archiver.ArchivePastSession(c.ctx, past); err != nil {
			slog.Error("Failed to archive past session", "session_id", m.handle, "error", err)
		}
	}

	m.teardownSubscription()
	metrics.ActiveSessions.Dec()
	metrics.SessionListeners.DeleteLabelValues(m.handle.String())
	slog.Info("Session ended", "session_id", m.handle, "listeners", len(m.sess.Listeners))
	return past, nil
}

func (m *Machine) handlePlayback(c playbackCmd) error {
	if m.sess.State() != domain.SessionActive {
		return domain.ErrInvalidState
	}
	if !m.sess.CanControl(c.userID) {
		return domain.ErrNotAuthorized
	}

	// The log records reality, not intent: the backend must acknowledge
	// before the event is appended.
	if m.backend != nil {
		if err := m.backend.ApplyCommand(c.ctx, c.command); err != nil {
			return fmt.Errorf("playback backend rejected %s: %w", c.command, err)
		}
	}

	candidate := m.sess.Clone()
	candidate.Log.Append(c.command, c.userID.String(), m.clock.Now())

	accepted, err := m.coord.Publish(c.ctx, candidate, domain.FieldLog)
	if err != nil {
		m.forceResync(c.ctx, "write_failed")
		return err
	}
	m.sess = accepted
	metrics.PlaybackCommandsTotal.WithLabelValues(string(c.command.Verb)).Inc()
	return nil
}

func (m *Machine) handleAppendTrack(c appendTrackCmd) (domain.Track, error) {
	if m.sess.State() != domain.SessionActive {
		return domain.Track{}, domain.ErrInvalidState
	}
	if !m.sess.CanControl(c.userID) {
		return domain.Track{}, domain.ErrNotAuthorized
	}

	candidate := m.sess.Clone()
	track := candidate.Queue.Append(c.content)

	accepted, err := m.coord.Publish(c.ctx, candidate, domain.FieldQueue)
	if err != nil {
		m.forceResync(c.ctx, "write_failed")
		return domain.Track{}, err
	}
	m.sess = accepted
	metrics.QueueMutationsTotal.WithLabelValues("append").Inc()
	m.pushQueueToBackend(c.ctx)
	return track, nil
}

func (m *Machine) handleRemoveTrack(c removeTrackCmd) error {
	if m.sess.State() != domain.SessionActive {
		return domain.ErrInvalidState
	}
	if !m.sess.CanControl(c.userID) {
		return domain.ErrNotAuthorized
	}

	candidate := m.sess.Clone()
	if err := candidate.Queue.Remove(c.position); err != nil {
		return err
	}

	accepted, err := m.coord.Publish(c.ctx, candidate, domain.FieldQueue)
	if err != nil {
		m.forceResync(c.ctx, "write_failed")
		return err
	}
	m.sess = accepted
	metrics.QueueMutationsTotal.WithLabelValues("remove").Inc()
	m.pushQueueToBackend(c.ctx)
	return nil
}

func (m *Machine) handleMoveTrack(c moveTrackCmd) error {
	if m.sess.State() != domain.SessionActive {
		return domain.ErrInvalidState
	}
	if !m.sess.CanControl(c.userID) {
		return domain.ErrNotAuthorized
	}

	candidate := m.sess.Clone()
	if err := candidate.Queue.Move(c.from, c.to); err != nil {
		// A move that cannot renumber cleanly means our copy of the queue
		// diverged from the store; reload rather than trust it.
		m.forceResync(c.ctx, "queue_inconsistent")
		return err
	}

	accepted, err := m.coord.Publish(c.ctx, candidate, domain.FieldQueue)
	if err != nil {
		m.forceResync(c.ctx, "write_failed")
		return err
	}
	m.sess = accepted
	metrics.QueueMutationsTotal.WithLabelValues("move").Inc()
	m.pushQueueToBackend(c.ctx)
	return nil
}

// handleAdoptRemote replaces local state with a validated remote snapshot.
// The coordinator already unioned the event log and dropped stale
// sequences; the actor only guards against out-of-order delivery.
func (m *Machine) handleAdoptRemote(snapshot *domain.Session) {
	if snapshot.Details.SessionID != m.handle {
		return
	}
	if snapshot.Seq <= m.sess.Seq {
		return
	}
	m.sess = snapshot
	metrics.SessionListeners.WithLabelValues(m.handle.String()).Set(float64(len(m.sess.Listeners)))
}

// enqueueRemote is the coordinator observer. It must never block: it may be
// invoked from inside this actor's own publish call.
func (m *Machine) enqueueRemote(snapshot *domain.Session) {
	select {
	case m.cmdCh <- adoptRemoteCmd{snapshot: snapshot}:
	case <-m.done:
	default:
		// Buffer full: drop. The next change note triggers a fresh resync.
	}
}

func (m *Machine) forceResync(ctx context.Context, reason string) {
	snap, err := m.coord.ForceResync(ctx, m.handle, reason)
	if err != nil {
		slog.Error("Forced resync failed", "session_id", m.handle, "reason", reason, "error", err)
		return
	}
	if snap.Seq >= m.sess.Seq {
		m.sess = snap
	}
}

func (m *Machine) pushQueueToBackend(ctx context.Context) {
	if m.backend == nil {
		return
	}
	if err := m.backend.UpdateQueue(ctx, m.sess.Queue.Locators()); err != nil {
		slog.Warn("Failed to push queue to playback backend", "session_id", m.handle, "error", err)
	}
}

func (m *Machine) teardownSubscription() {
	if m.unsubUpdates != nil {
		m.unsubUpdates()
		m.unsubUpdates = nil
	}
	m.coord.Unsubscribe()
}

func (m *Machine) teardown() {
	m.teardownSubscription()
	if m.sess.State() == domain.SessionActive {
		metrics.ActiveSessions.Dec()
		metrics.SessionListeners.DeleteLabelValues(m.handle.String())
	}
}
