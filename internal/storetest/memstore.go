// Package storetest provides an in-memory SessionStore for tests.
package storetest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nfehr/auxroom/internal/domain"
)

// ErrInjected is returned by a MemStore configured to fail.
var ErrInjected = errors.New("injected store failure")

// MemStore is an in-memory, change-notifying SessionStore. Writes notify
// every registered listener synchronously into a buffered channel.
type MemStore struct {
	mu           sync.Mutex
	docs         map[uuid.UUID]*domain.Session
	codes        map[string]uuid.UUID
	listeners    map[uuid.UUID]map[int]*memListener
	nextListener int

	// FailWrites and FailReads inject failures for error-path tests.
	FailWrites bool
	FailReads  bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:      make(map[uuid.UUID]*domain.Session),
		codes:     make(map[string]uuid.UUID),
		listeners: make(map[uuid.UUID]map[int]*memListener),
	}
}

func (m *MemStore) GetDocument(_ context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return nil, ErrInjected
	}
	doc, ok := m.docs[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return doc.Clone(), nil
}

func (m *MemStore) SetDocument(_ context.Context, session *domain.Session, _ bool) error {
	m.mu.Lock()
	if m.FailWrites {
		m.mu.Unlock()
		return ErrInjected
	}
	id := session.Details.SessionID
	m.docs[id] = session.Clone()
	if session.Join.JoinCode != "" {
		m.codes[session.Join.JoinCode] = id
	}
	note := domain.ChangeNote{SessionID: id, Seq: session.Seq}
	m.mu.Unlock()

	m.notify(note)
	return nil
}

func (m *MemStore) UpdateFields(_ context.Context, session *domain.Session, fields ...domain.Field) error {
	m.mu.Lock()
	if m.FailWrites {
		m.mu.Unlock()
		return ErrInjected
	}
	id := session.Details.SessionID
	doc, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	next := doc.Clone()
	for _, f := range fields {
		switch f {
		case domain.FieldDetails:
			next.Details = session.Details
		case domain.FieldJoin:
			next.Join = session.Join
		case domain.FieldMode:
			next.Mode = session.Mode
		case domain.FieldQueue:
			next.Queue = session.Queue.Clone()
		case domain.FieldListeners:
			next.Listeners = append([]domain.Listener(nil), session.Listeners...)
		case domain.FieldLog:
			next.Log = session.Log.Clone()
		}
	}
	next.Seq = session.Seq
	m.docs[id] = next
	note := domain.ChangeNote{SessionID: id, Seq: next.Seq}
	m.mu.Unlock()

	m.notify(note)
	return nil
}

func (m *MemStore) AddChangeListener(_ context.Context, sessionID uuid.UUID) (domain.ChangeListener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return nil, ErrInjected
	}
	l := &memListener{
		store:     m,
		sessionID: sessionID,
		ch:        make(chan domain.ChangeNote, 64),
	}
	if m.listeners[sessionID] == nil {
		m.listeners[sessionID] = make(map[int]*memListener)
	}
	l.id = m.nextListener
	m.nextListener++
	m.listeners[sessionID][l.id] = l
	return l, nil
}

func (m *MemStore) LookupJoinCode(_ context.Context, code string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	if !ok {
		return uuid.Nil, domain.ErrSessionNotFound
	}
	return id, nil
}

func (m *MemStore) ListPublic(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for id, doc := range m.docs {
		if doc.Join.Visibility == domain.VisibilityPublic && doc.Details.EndedAt == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// Mutate applies fn to the stored document outside the coordinator path,
// simulating a concurrent remote writer.
func (m *MemStore) Mutate(sessionID uuid.UUID, fn func(*domain.Session)) {
	m.mu.Lock()
	doc, ok := m.docs[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	next := doc.Clone()
	fn(next)
	m.docs[sessionID] = next
	note := domain.ChangeNote{SessionID: sessionID, Seq: next.Seq}
	m.mu.Unlock()

	m.notify(note)
}

// DropListeners closes every change listener for a session, simulating the
// store dropping its subscribers mid-feed.
func (m *MemStore) DropListeners(sessionID uuid.UUID) {
	m.mu.Lock()
	targets := make([]*memListener, 0, len(m.listeners[sessionID]))
	for _, l := range m.listeners[sessionID] {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	for _, l := range targets {
		l.Close()
	}
}

func (m *MemStore) notify(note domain.ChangeNote) {
	m.mu.Lock()
	targets := make([]*memListener, 0)
	for _, l := range m.listeners[note.SessionID] {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	for _, l := range targets {
		select {
		case l.ch <- note:
		default:
		}
	}
}

type memListener struct {
	store     *MemStore
	sessionID uuid.UUID
	id        int
	ch        chan domain.ChangeNote
	closeOnce sync.Once
}

func (l *memListener) Notes() <-chan domain.ChangeNote { return l.ch }

func (l *memListener) Close() {
	l.closeOnce.Do(func() {
		l.store.mu.Lock()
		delete(l.store.listeners[l.sessionID], l.id)
		l.store.mu.Unlock()
		close(l.ch)
	})
}

var _ domain.SessionStore = (*MemStore)(nil)
