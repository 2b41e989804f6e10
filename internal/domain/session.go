package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Visibility controls who may discover and join a session.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityInviteOnly Visibility = "invite"
)

// Mode controls listener privileges. In party mode listeners share the
// host's queue and playback rights; otherwise the host is the sole authority.
type Mode string

const (
	ModeHost  Mode = "host"
	ModeParty Mode = "party"
)

// SessionState is the lifecycle phase of a session.
type SessionState string

const (
	SessionSetup  SessionState = "setup"
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// SessionDetails is the immutable identity of a session. Only EndedAt
// changes, once, when the host ends the session.
type SessionDetails struct {
	SessionID uuid.UUID  `json:"session_id"`
	Title     string     `json:"title"`
	HostID    uuid.UUID  `json:"host_id"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// JoinDetails gates entry to a session. The join code is assigned once at
// activation and is the sole external lookup key for joining.
type JoinDetails struct {
	Visibility Visibility `json:"visibility"`
	JoinCode   string     `json:"join_code"`
}

// Listener is a joined participant. Listeners form a set keyed by UserID.
type Listener struct {
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Session is the aggregate root the synchronization engine operates on.
// It is confined to a single owning goroutine; consumers only ever see
// deep copies produced by Clone.
type Session struct {
	Details   SessionDetails
	Join      JoinDetails
	Mode      Mode
	Queue     TrackQueue
	Log       EventLog
	Listeners []Listener

	// Seq is the monotonic document sequence number stamped by the
	// synchronization coordinator on every accepted write.
	Seq uint64
}

// State derives the lifecycle phase. A session without an id has never been
// persisted and is still in setup.
func (s *Session) State() SessionState {
	switch {
	case s.Details.SessionID == uuid.Nil:
		return SessionSetup
	case s.Details.EndedAt != nil:
		return SessionEnded
	default:
		return SessionActive
	}
}

// IsHost reports whether the user is the session host.
func (s *Session) IsHost(userID uuid.UUID) bool {
	return s.Details.HostID == userID
}

// HasListener reports whether the user has joined as a listener.
func (s *Session) HasListener(userID uuid.UUID) bool {
	for _, l := range s.Listeners {
		if l.UserID == userID {
			return true
		}
	}
	return false
}

// CanControl reports whether the user may issue playback and queue
// mutations. The host always can; listeners only in party mode.
func (s *Session) CanControl(userID uuid.UUID) bool {
	if s.IsHost(userID) {
		return true
	}
	return s.Mode == ModeParty && s.HasListener(userID)
}

// AddListener admits a user, enforcing the membership rules: the session
// must be active, the host never appears as a listener, and a user joins at
// most once. Join-code verification happens before this is called.
func (s *Session) AddListener(userID uuid.UUID, at time.Time) error {
	switch s.State() {
	case SessionEnded:
		return ErrSessionEnded
	case SessionSetup:
		return ErrInvalidState
	}
	if s.IsHost(userID) {
		return fmt.Errorf("%w: host cannot join as listener", ErrNotAuthorized)
	}
	if s.HasListener(userID) {
		return ErrAlreadyJoined
	}
	s.Listeners = append(s.Listeners, Listener{UserID: userID, JoinedAt: at})
	return nil
}

// RemoveListener drops a user's membership. Removing an absent user is a
// no-op so a late leave after an end cannot fail loudly.
func (s *Session) RemoveListener(userID uuid.UUID) {
	for i, l := range s.Listeners {
		if l.UserID == userID {
			s.Listeners = append(s.Listeners[:i], s.Listeners[i+1:]...)
			return
		}
	}
}

// VerifyJoin checks the discovery gate: public sessions admit anyone, invite
// only sessions require the matching join code.
func (s *Session) VerifyJoin(code string) error {
	if s.State() == SessionEnded {
		return ErrSessionEnded
	}
	if s.Join.Visibility == VisibilityPublic {
		return nil
	}
	if code != s.Join.JoinCode {
		return ErrBadJoinCode
	}
	return nil
}

// End marks the session terminal and returns the immutable archive record.
// EndedAt transitions exactly once; a second call fails with ErrInvalidState.
func (s *Session) End(at time.Time) (*PastSession, error) {
	if s.State() != SessionActive {
		return nil, ErrInvalidState
	}
	ended := at
	s.Details.EndedAt = &ended
	return &PastSession{
		Details: s.Details,
		Queue:   s.Queue.Tracks(),
		Events:  s.Log.Len(),
	}, nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	cp := &Session{
		Details:   s.Details,
		Join:      s.Join,
		Mode:      s.Mode,
		Queue:     s.Queue.Clone(),
		Log:       s.Log.Clone(),
		Listeners: append([]Listener(nil), s.Listeners...),
		Seq:       s.Seq,
	}
	if s.Details.EndedAt != nil {
		ended := *s.Details.EndedAt
		cp.Details.EndedAt = &ended
	}
	return cp
}

// PastSession is the read-only archive of an ended session: the final
// details and queue frozen at the moment of ending.
type PastSession struct {
	Details SessionDetails `json:"details"`
	Queue   []Track        `json:"queue"`
	Events  int            `json:"events"`
}
