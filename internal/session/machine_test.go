package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/session"
	"github.com/nfehr/auxroom/internal/storetest"
	"github.com/nfehr/auxroom/internal/syncer"
)

type fakeBackend struct {
	mu        sync.Mutex
	applied   []domain.PlaybackCommand
	queues    [][]domain.StreamingLocator
	failApply error
}

func (f *fakeBackend) ApplyCommand(_ context.Context, cmd domain.PlaybackCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply != nil {
		return f.failApply
	}
	f.applied = append(f.applied, cmd)
	return nil
}

func (f *fakeBackend) CurrentPositionMillis(context.Context) (int64, error) { return 0, nil }

func (f *fakeBackend) CurrentTrackLocator(context.Context) (*domain.StreamingLocator, error) {
	return nil, nil
}

func (f *fakeBackend) UpdateQueue(_ context.Context, locators []domain.StreamingLocator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, locators)
	return nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	past []*domain.PastSession
}

func (f *fakeArchiver) ArchivePastSession(_ context.Context, p *domain.PastSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.past = append(f.past, p)
	return nil
}

type fixture struct {
	machine  *session.Machine
	store    *storetest.MemStore
	clock    *clockwork.FakeClock
	backend  *fakeBackend
	archiver *fakeArchiver
	hostID   uuid.UUID
}

func song(title string) domain.ContentRef {
	return domain.ContentRef{
		Kind:  domain.KindSong,
		Title: title,
		Locators: []domain.StreamingLocator{
			{Platform: domain.PlatformSpotify, ExternalID: "spotify:track:" + title},
		},
	}
}

func newFixture(t *testing.T, visibility domain.Visibility, mode domain.Mode, tracks ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    storetest.NewMemStore(),
		clock:    clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)),
		backend:  &fakeBackend{},
		archiver: &fakeArchiver{},
		hostID:   uuid.New(),
	}
	setup := session.Setup{
		Title:      "test session",
		HostID:     f.hostID,
		Visibility: visibility,
		Mode:       mode,
	}
	for _, title := range tracks {
		setup.Tracks = append(setup.Tracks, song(title))
	}
	coord := syncer.New(f.store, f.clock, time.Second)
	f.machine = session.NewMachine(setup, coord, f.backend, f.archiver, f.clock)
	t.Cleanup(f.machine.Stop)
	return f
}

func (f *fixture) start(t *testing.T) *domain.Session {
	t.Helper()
	require.NoError(t, f.machine.Start(context.Background()))
	snap, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestStartRequiresNonEmptyQueue(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost)
	assert.ErrorIs(t, f.machine.Start(context.Background()), domain.ErrEmptyQueue)
}

func TestStartAssignsIdentityAndSeedsLog(t *testing.T) {
	f := newFixture(t, domain.VisibilityInviteOnly, domain.ModeHost, "A", "B")
	snap := f.start(t)

	assert.Equal(t, domain.SessionActive, snap.State())
	assert.Equal(t, f.machine.Handle(), snap.Details.SessionID)
	assert.Len(t, snap.Join.JoinCode, 6)
	require.Equal(t, 1, snap.Log.Len())
	last, ok := snap.Log.Last()
	require.True(t, ok)
	assert.Equal(t, domain.Pause(), last.Command)
	assert.Equal(t, domain.StatePaused, snap.Log.CurrentState())

	stored, err := f.store.GetDocument(context.Background(), snap.Details.SessionID)
	require.NoError(t, err)
	assert.Equal(t, snap.Join.JoinCode, stored.Join.JoinCode)
	assert.Equal(t, 2, stored.Queue.Len())
}

func TestStartFailureStaysInSetup(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")

	f.store.FailWrites = true
	err := f.machine.Start(context.Background())
	assert.ErrorIs(t, err, syncer.ErrWriteFailed)

	snap, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SessionSetup, snap.State())

	f.store.FailWrites = false
	require.NoError(t, f.machine.Start(context.Background()))
}

func TestJoinCodeGating(t *testing.T) {
	f := newFixture(t, domain.VisibilityInviteOnly, domain.ModeHost, "A")
	snap := f.start(t)
	listener := uuid.New()

	err := f.machine.Join(context.Background(), listener, "WRONG!")
	assert.ErrorIs(t, err, domain.ErrBadJoinCode)

	after, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, after.Listeners, "rejected join must not add a listener")

	require.NoError(t, f.machine.Join(context.Background(), listener, snap.Join.JoinCode))
	after, err = f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, after.Listeners, 1)
	assert.Equal(t, listener, after.Listeners[0].UserID)
}

func TestJoinMembershipRules(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")
	f.start(t)
	listener := uuid.New()

	assert.ErrorIs(t, f.machine.Join(context.Background(), f.hostID, ""), domain.ErrNotAuthorized)

	require.NoError(t, f.machine.Join(context.Background(), listener, ""))
	assert.ErrorIs(t, f.machine.Join(context.Background(), listener, ""), domain.ErrAlreadyJoined)
}

func TestHostCannotLeave(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")
	f.start(t)

	assert.ErrorIs(t, f.machine.Leave(context.Background(), f.hostID), domain.ErrNotAuthorized)
}

func TestListenerLeave(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")
	f.start(t)
	listener := uuid.New()

	require.NoError(t, f.machine.Join(context.Background(), listener, ""))
	require.NoError(t, f.machine.Leave(context.Background(), listener))

	snap, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Listeners)
}

func TestPlaybackPermissions(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A", "B")
	f.start(t)
	listener := uuid.New()
	stranger := uuid.New()
	require.NoError(t, f.machine.Join(context.Background(), listener, ""))

	require.NoError(t, f.machine.Apply(context.Background(), f.hostID, domain.Play()))
	assert.ErrorIs(t, f.machine.Apply(context.Background(), listener, domain.Pause()), domain.ErrNotAuthorized)
	assert.ErrorIs(t, f.machine.Apply(context.Background(), stranger, domain.Pause()), domain.ErrNotAuthorized)
}

func TestPartyModeLiftsHostOnlyRestriction(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeParty, "A", "B", "C")
	f.start(t)
	listener := uuid.New()
	stranger := uuid.New()
	require.NoError(t, f.machine.Join(context.Background(), listener, ""))

	require.NoError(t, f.machine.Apply(context.Background(), listener, domain.Play()))
	require.NoError(t, f.machine.MoveTrack(context.Background(), listener, 2, 0))

	assert.ErrorIs(t, f.machine.Apply(context.Background(), stranger, domain.Play()), domain.ErrNotAuthorized)
}

func TestPlaybackEventAppendedOnlyAfterBackendAck(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")
	f.start(t)

	f.backend.failApply = assert.AnError
	err := f.machine.Apply(context.Background(), f.hostID, domain.Play())
	require.Error(t, err)

	snap, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Log.Len(), "rejected command must not be logged")
	assert.Equal(t, domain.StatePaused, snap.Log.CurrentState())

	f.backend.failApply = nil
	require.NoError(t, f.machine.Apply(context.Background(), f.hostID, domain.Play()))
	snap, err = f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Log.Len())
	assert.Equal(t, domain.StatePlaying, snap.Log.CurrentState())
}

func TestSkipCommandCarriesDelta(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")
	f.start(t)

	require.NoError(t, f.machine.Apply(context.Background(), f.hostID, domain.Skip(30)))

	snap, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	last, ok := snap.Log.Last()
	require.True(t, ok)
	assert.Equal(t, "skip-30", last.Command.String())
	assert.Equal(t, domain.StatePaused, snap.Log.CurrentState(), "skip must not change play state")
}

func TestMoveTrackReordersAndPersists(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A", "B", "C", "D", "E")
	snap := f.start(t)

	require.NoError(t, f.machine.MoveTrack(context.Background(), f.hostID, 2, 0))

	stored, err := f.store.GetDocument(context.Background(), snap.Details.SessionID)
	require.NoError(t, err)
	got := make([]string, 0, 5)
	for _, tr := range stored.Queue.Tracks() {
		got = append(got, tr.Content.Title)
	}
	assert.Equal(t, []string{"C", "A", "B", "D", "E"}, got)
}

func TestQueueMutationsPushBackendQueue(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A", "B")
	f.start(t)

	added, err := f.machine.AppendTrack(context.Background(), f.hostID, song("C"))
	require.NoError(t, err)
	assert.Equal(t, 2, added.Position)

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	require.NotEmpty(t, f.backend.queues)
	last := f.backend.queues[len(f.backend.queues)-1]
	assert.Len(t, last, 3)
}

func TestWriteFailureDoesNotMutateLocalQueue(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A", "B", "C")
	f.start(t)

	f.store.FailWrites = true
	err := f.machine.MoveTrack(context.Background(), f.hostID, 2, 0)
	assert.ErrorIs(t, err, syncer.ErrWriteFailed)

	snap, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	got := make([]string, 0, 3)
	for _, tr := range snap.Queue.Tracks() {
		got = append(got, tr.Content.Title)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got, "failed publish must leave the local queue untouched")
}

func TestTerminalImmutability(t *testing.T) {
	f := newFixture(t, domain.VisibilityInviteOnly, domain.ModeHost, "A", "B")
	snap := f.start(t)

	_, err := f.machine.End(context.Background(), f.hostID)
	require.NoError(t, err)

	storedBefore, err := f.store.GetDocument(context.Background(), snap.Details.SessionID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.machine.Apply(context.Background(), f.hostID, domain.Play()), domain.ErrInvalidState)
	assert.ErrorIs(t, f.machine.MoveTrack(context.Background(), f.hostID, 0, 1), domain.ErrInvalidState)
	_, err = f.machine.AppendTrack(context.Background(), f.hostID, song("C"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	storedAfter, err := f.store.GetDocument(context.Background(), snap.Details.SessionID)
	require.NoError(t, err)
	assert.Equal(t, storedBefore.Seq, storedAfter.Seq, "rejected mutations must not touch the stored document")
}

func TestEndSessionMidPlayback(t *testing.T) {
	f := newFixture(t, domain.VisibilityInviteOnly, domain.ModeHost, "A", "B", "C")
	snap := f.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.machine.Join(context.Background(), uuid.New(), snap.Join.JoinCode))
	}
	require.NoError(t, f.machine.Apply(context.Background(), f.hostID, domain.Play()))

	before, err := f.machine.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatePlaying, before.Log.CurrentState())
	require.Len(t, before.Listeners, 3)

	past, err := f.machine.End(context.Background(), f.hostID)
	require.NoError(t, err)
	require.NotNil(t, past)
	assert.NotNil(t, past.Details.EndedAt)
	assert.Equal(t, before.Queue.Tracks(), past.Queue, "archive must match the final queue")

	f.archiver.mu.Lock()
	require.Len(t, f.archiver.past, 1)
	f.archiver.mu.Unlock()

	err = f.machine.Join(context.Background(), uuid.New(), snap.Join.JoinCode)
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestOnlyHostMayEnd(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeParty, "A")
	f.start(t)
	listener := uuid.New()
	require.NoError(t, f.machine.Join(context.Background(), listener, ""))

	_, err := f.machine.End(context.Background(), listener)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized, "party mode does not extend to ending the session")
}

func TestRemoteSnapshotAdoption(t *testing.T) {
	f := newFixture(t, domain.VisibilityPublic, domain.ModeHost, "A")
	snap := f.start(t)

	f.store.Mutate(snap.Details.SessionID, func(doc *domain.Session) {
		doc.Details.Title = "renamed elsewhere"
		doc.Seq = snap.Seq + 1
	})

	require.Eventually(t, func() bool {
		current, err := f.machine.Snapshot(context.Background())
		return err == nil && current.Details.Title == "renamed elsewhere"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewJoinCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := session.NewJoinCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			assert.Contains(t, "ABCDEFGHJKMNPQRSTUVWXYZ23456789", string(r))
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}
