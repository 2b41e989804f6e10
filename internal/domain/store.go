package domain

import (
	"context"

	"github.com/google/uuid"
)

// Field names a sub-document of the session aggregate for partial writes.
type Field string

const (
	FieldDetails   Field = "details"
	FieldJoin      Field = "join"
	FieldMode      Field = "mode"
	FieldQueue     Field = "queue"
	FieldLog       Field = "log"
	FieldListeners Field = "listeners"
)

// ChangeNote announces that a session document changed. Seq is the document
// sequence number after the write; consumers deduplicate on it.
type ChangeNote struct {
	SessionID uuid.UUID
	Seq       uint64
}

// ChangeListener is a standing change-notification channel for one session.
// Close is idempotent.
type ChangeListener interface {
	Notes() <-chan ChangeNote
	Close()
}

// SessionStore is the logical contract the synchronization engine requires
// from the backing document store: strongly consistent per-document reads,
// field-targeted atomic writes, and change notification.
type SessionStore interface {
	// GetDocument reads the full session document.
	// Returns ErrSessionNotFound for unknown ids.
	GetDocument(ctx context.Context, sessionID uuid.UUID) (*Session, error)

	// SetDocument writes the full session document. With merge set, fields
	// absent from the document are left untouched; otherwise the write
	// replaces the whole document.
	SetDocument(ctx context.Context, session *Session, merge bool) error

	// UpdateFields writes only the named sub-documents, atomically, together
	// with the sequence-number bump. The queue move algorithm depends on
	// this all-or-nothing commit.
	UpdateFields(ctx context.Context, session *Session, fields ...Field) error

	// AddChangeListener opens a standing change feed for the session.
	AddChangeListener(ctx context.Context, sessionID uuid.UUID) (ChangeListener, error)

	// LookupJoinCode resolves a join code to a session id.
	// Returns ErrSessionNotFound for unknown or retired codes.
	LookupJoinCode(ctx context.Context, code string) (uuid.UUID, error)

	// ListPublic lists the ids of joinable public sessions.
	ListPublic(ctx context.Context) ([]uuid.UUID, error)
}
