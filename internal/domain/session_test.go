package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSession(t *testing.T) *Session {
	t.Helper()
	s := &Session{
		Details: SessionDetails{
			SessionID: uuid.New(),
			Title:     "friday night",
			HostID:    uuid.New(),
			CreatedAt: time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC),
		},
		Join: JoinDetails{Visibility: VisibilityInviteOnly, JoinCode: "AB12CD"},
		Mode: ModeHost,
	}
	s.Queue.Append(song("A"))
	s.Log.Append(Pause(), s.Details.HostID.String(), s.Details.CreatedAt)
	return s
}

func TestSessionStateDerivation(t *testing.T) {
	var setup Session
	assert.Equal(t, SessionSetup, setup.State())

	s := activeSession(t)
	assert.Equal(t, SessionActive, s.State())

	_, err := s.End(time.Now())
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, s.State())
}

func TestAddListenerRules(t *testing.T) {
	s := activeSession(t)
	now := time.Now()
	user := uuid.New()

	require.NoError(t, s.AddListener(user, now))
	assert.True(t, s.HasListener(user))

	assert.ErrorIs(t, s.AddListener(user, now), ErrAlreadyJoined)
	assert.Len(t, s.Listeners, 1)

	assert.ErrorIs(t, s.AddListener(s.Details.HostID, now), ErrNotAuthorized)
	assert.False(t, s.HasListener(s.Details.HostID))

	_, err := s.End(now)
	require.NoError(t, err)
	assert.ErrorIs(t, s.AddListener(uuid.New(), now), ErrSessionEnded)
}

func TestVerifyJoin(t *testing.T) {
	s := activeSession(t)

	assert.ErrorIs(t, s.VerifyJoin("WRONG1"), ErrBadJoinCode)
	assert.NoError(t, s.VerifyJoin("AB12CD"))

	s.Join.Visibility = VisibilityPublic
	assert.NoError(t, s.VerifyJoin(""), "public sessions need no code")

	_, err := s.End(time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.VerifyJoin("AB12CD"), ErrSessionEnded)
}

func TestEndIsTerminal(t *testing.T) {
	s := activeSession(t)
	endedAt := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	past, err := s.End(endedAt)
	require.NoError(t, err)
	require.NotNil(t, past)
	assert.Equal(t, endedAt, *s.Details.EndedAt)
	assert.Equal(t, s.Queue.Tracks(), past.Queue)

	_, err = s.End(endedAt.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, endedAt, *s.Details.EndedAt, "EndedAt transitions once")
}

func TestCanControl(t *testing.T) {
	s := activeSession(t)
	listener := uuid.New()
	stranger := uuid.New()
	require.NoError(t, s.AddListener(listener, time.Now()))

	assert.True(t, s.CanControl(s.Details.HostID))
	assert.False(t, s.CanControl(listener))
	assert.False(t, s.CanControl(stranger))

	s.Mode = ModeParty
	assert.True(t, s.CanControl(listener), "party mode lifts the host-only restriction")
	assert.False(t, s.CanControl(stranger), "party mode only covers joined listeners")
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := activeSession(t)
	require.NoError(t, s.AddListener(uuid.New(), time.Now()))

	cp := s.Clone()
	cp.Queue.Append(song("B"))
	cp.Log.Append(Play(), "x", time.Now())
	cp.Listeners = append(cp.Listeners, Listener{UserID: uuid.New()})
	ended := time.Now()
	cp.Details.EndedAt = &ended

	assert.Equal(t, 1, s.Queue.Len())
	assert.Equal(t, 1, s.Log.Len())
	assert.Len(t, s.Listeners, 1)
	assert.Nil(t, s.Details.EndedAt)
}
