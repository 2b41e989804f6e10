// Package syncer mediates between local session state and the remote
// session store: it pushes local mutations, follows the store's change
// feed, reconciles divergent snapshots, and fans accepted snapshots out to
// local observers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/metrics"
	"github.com/nfehr/auxroom/internal/retry"
)

var (
	// ErrWriteFailed marks a publish the store did not confirm. Local state
	// is never mutated on this error; the caller decides to retry or resync.
	ErrWriteFailed = errors.New("session write failed")

	// ErrConnectionLost marks a broken change feed. The coordinator keeps
	// reconnecting with backoff and resyncs once the feed is back.
	ErrConnectionLost = errors.New("session store connection lost")
)

// Status is the coordinator's view of the change feed.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// SnapshotObserver receives every accepted session snapshot, local and
// remote. Snapshots are deep copies; observers may keep them.
type SnapshotObserver func(*domain.Session)

// StatusObserver receives change-feed status transitions.
type StatusObserver func(Status)

// Unsubscribe detaches an observer. Safe to call more than once.
type Unsubscribe func()

var reconnectPolicy = retry.Policy{
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
}

// Coordinator owns the store connection for one session. It is the only
// component that talks to the session store.
type Coordinator struct {
	store   domain.SessionStore
	clock   clockwork.Clock
	timeout time.Duration

	mu            sync.Mutex
	last          *domain.Session
	snapObservers map[int]SnapshotObserver
	statObservers map[int]StatusObserver
	nextObserver  int

	resyncGroup singleflight.Group

	subMu     sync.Mutex
	subCancel context.CancelFunc
	subDone   chan struct{}
}

// New creates a coordinator. timeout bounds every one-shot store operation.
func New(store domain.SessionStore, clock clockwork.Clock, timeout time.Duration) *Coordinator {
	return &Coordinator{
		store:         store,
		clock:         clock,
		timeout:       timeout,
		snapObservers: make(map[int]SnapshotObserver),
		statObservers: make(map[int]StatusObserver),
	}
}

// OnUpdate registers an observer for accepted snapshots.
func (c *Coordinator) OnUpdate(fn SnapshotObserver) Unsubscribe {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.snapObservers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.snapObservers, id)
			c.mu.Unlock()
		})
	}
}

// OnStatus registers an observer for change-feed status transitions.
func (c *Coordinator) OnStatus(fn StatusObserver) Unsubscribe {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.statObservers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.statObservers, id)
			c.mu.Unlock()
		})
	}
}

// Last returns the most recently accepted snapshot, or nil before the first
// publish or resync.
func (c *Coordinator) Last() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.Clone()
}

// Publish stamps the next document sequence number on a copy of sess and
// writes it to the store: the full document when no fields are named, or a
// field-targeted atomic write otherwise. On success the server-confirmed
// snapshot is returned, accepted as the latest, and fanned out to
// observers. On failure nothing local changes and ErrWriteFailed is
// returned wrapping the cause.
func (c *Coordinator) Publish(ctx context.Context, sess *domain.Session, fields ...domain.Field) (*domain.Session, error) {
	next := sess.Clone()

	c.mu.Lock()
	if c.last != nil && c.last.Seq >= next.Seq {
		next.Seq = c.last.Seq
	}
	c.mu.Unlock()
	next.Seq++

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	var err error
	if len(fields) == 0 {
		err = c.store.SetDocument(ctx, next, false)
	} else {
		err = c.store.UpdateFields(ctx, next, fields...)
	}
	metrics.PublishDuration.Observe(c.clock.Since(start).Seconds())

	if err != nil {
		metrics.PublishesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	metrics.PublishesTotal.WithLabelValues("ok").Inc()

	c.accept(next)
	return next.Clone(), nil
}

// Subscribe follows the session's change feed until Unsubscribe is called.
// Feed loss is surfaced to status observers; reconnection backs off
// exponentially, and every (re)connect starts with a full resync so no
// change slips through a gap in the feed.
func (c *Coordinator) Subscribe(sessionID uuid.UUID) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.subCancel = cancel
	c.subDone = done

	// done is passed in rather than re-read from the struct: Unsubscribe
	// nils the field before the goroutine unwinds.
	go c.followFeed(ctx, sessionID, done)
}

// Unsubscribe tears the change feed down. Idempotent; safe on a coordinator
// that never subscribed.
func (c *Coordinator) Unsubscribe() {
	c.subMu.Lock()
	cancel, done := c.subCancel, c.subDone
	c.subCancel, c.subDone = nil, nil
	c.subMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// ForceResync fetches a fresh snapshot from the store, validates it, merges
// the event log, and fans it out. Concurrent callers are collapsed into a
// single store read.
func (c *Coordinator) ForceResync(ctx context.Context, sessionID uuid.UUID, reason string) (*domain.Session, error) {
	v, err, _ := c.resyncGroup.Do(sessionID.String(), func() (any, error) {
		metrics.ResyncsTotal.WithLabelValues(reason).Inc()

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		doc, err := c.store.GetDocument(ctx, sessionID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
		if err != nil {
			// A resync exists to recover from a failure; when the recovery
			// read itself fails the store is unreachable.
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		if err := validateSnapshot(doc); err != nil {
			return nil, err
		}
		return c.reconcile(doc), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

func (c *Coordinator) followFeed(ctx context.Context, sessionID uuid.UUID, done chan struct{}) {
	defer close(done)

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			c.notifyStatus(StatusDisconnected)
		}
		first = false

		listener, err := retry.Do(ctx, c.clock, reconnectPolicy,
			func(error) retry.Action { return retry.Retry },
			func() (domain.ChangeListener, error) {
				metrics.ReconnectsTotal.Inc()
				return c.store.AddChangeListener(ctx, sessionID)
			})
		if err != nil {
			// Only context cancellation ends the unbounded retry.
			return
		}

		// A standing feed does not resume mid-stream: start from a fresh
		// snapshot, then follow notes.
		if _, err := c.ForceResync(ctx, sessionID, "reconnect"); err != nil {
			slog.Warn("Resync after connect failed", "session_id", sessionID, "error", err)
		}
		c.notifyStatus(StatusConnected)

		c.drainNotes(ctx, sessionID, listener)
		listener.Close()
	}
}

func (c *Coordinator) drainNotes(ctx context.Context, sessionID uuid.UUID, listener domain.ChangeListener) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-listener.Notes():
			if !ok {
				slog.Warn("Change feed closed", "session_id", sessionID)
				return
			}
			c.mu.Lock()
			stale := c.last != nil && note.Seq <= c.last.Seq
			c.mu.Unlock()
			if stale {
				metrics.StaleSnapshotsDropped.Inc()
				continue
			}
			if _, err := c.ForceResync(ctx, sessionID, "change_note"); err != nil {
				slog.Error("Failed to fetch changed snapshot", "session_id", sessionID, "error", err)
			}
		}
	}
}

// reconcile applies the document-level last-writer-wins rule with the
// event-log exception: a remote snapshot replaces local state wholesale,
// but the append-only log is unioned so concurrently emitted commands are
// never lost. Stale snapshots (older sequence) are dropped.
func (c *Coordinator) reconcile(remote *domain.Session) *domain.Session {
	c.mu.Lock()
	if c.last != nil {
		if remote.Seq < c.last.Seq {
			metrics.StaleSnapshotsDropped.Inc()
			last := c.last.Clone()
			c.mu.Unlock()
			return last
		}
		before := remote.Log.Len()
		remote.Log = UnionLogs(c.last.Log, remote.Log)
		if added := remote.Log.Len() - before; added > 0 {
			metrics.LogEventsMerged.Add(float64(added))
		}
	}
	c.last = remote.Clone()
	c.mu.Unlock()

	c.fanOut(remote)
	return remote.Clone()
}

func (c *Coordinator) accept(snapshot *domain.Session) {
	c.mu.Lock()
	c.last = snapshot.Clone()
	c.mu.Unlock()
	c.fanOut(snapshot)
}

func (c *Coordinator) fanOut(snapshot *domain.Session) {
	c.mu.Lock()
	observers := make([]SnapshotObserver, 0, len(c.snapObservers))
	for _, fn := range c.snapObservers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot.Clone())
	}
}

func (c *Coordinator) notifyStatus(status Status) {
	c.mu.Lock()
	observers := make([]StatusObserver, 0, len(c.statObservers))
	for _, fn := range c.statObservers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// validateSnapshot runs basic shape validation on a remote snapshot before
// it may replace local state.
func validateSnapshot(s *domain.Session) error {
	if s.Details.SessionID == uuid.Nil {
		return fmt.Errorf("%w: snapshot without session id", domain.ErrQueueInconsistent)
	}
	if _, err := domain.NewTrackQueue(s.Queue.Tracks()); err != nil {
		return err
	}
	if s.Details.EndedAt == nil && s.Log.Len() == 0 {
		return fmt.Errorf("%w: active session with empty event log", domain.ErrQueueInconsistent)
	}
	return nil
}
