package redisstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nfehr/auxroom/internal/domain"
)

// wireNote is the Pub/Sub payload announcing a document write.
type wireNote struct {
	SessionID uuid.UUID `json:"session_id"`
	Seq       uint64    `json:"seq"`
}

// publishNote enqueues the change announcement onto the same pipeline as the
// write, so a committed write always carries its notification.
func (s *Store) publishNote(ctx context.Context, pipe goredis.Pipeliner, session *domain.Session) {
	note := wireNote{SessionID: session.Details.SessionID, Seq: session.Seq}
	data, err := json.Marshal(note)
	if err != nil {
		slog.Error("Failed to marshal change note", "session_id", note.SessionID, "error", err)
		return
	}
	pipe.Publish(ctx, changeChannel(session.Details.SessionID), data)
}

// changeListener adapts a Redis Pub/Sub subscription to the
// domain.ChangeListener contract.
type changeListener struct {
	sub       *goredis.PubSub
	notes     chan domain.ChangeNote
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ domain.ChangeListener = (*changeListener)(nil)

func (l *changeListener) Notes() <-chan domain.ChangeNote { return l.notes }

// Close unsubscribes and closes the note channel. Idempotent.
func (l *changeListener) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.sub.Close()
	})
}

// AddChangeListener opens a standing change feed for one session. The
// returned listener's channel closes when the feed is lost or Close is
// called; the coordinator treats a closed channel as a disconnect and
// reconnects with backoff.
func (s *Store) AddChangeListener(ctx context.Context, sessionID uuid.UUID) (domain.ChangeListener, error) {
	sub := s.rdb.Subscribe(ctx, changeChannel(sessionID))

	// Surface subscription failures here instead of as an instantly closed
	// channel, so the caller's retry policy can see the error.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	l := &changeListener{
		sub:    sub,
		notes:  make(chan domain.ChangeNote, 16),
		cancel: cancel,
	}

	go func() {
		defer close(l.notes)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var note wireNote
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					slog.Warn("Dropping malformed change note", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case l.notes <- domain.ChangeNote{SessionID: note.SessionID, Seq: note.Seq}:
				default:
					// Receiver is behind. Dropping is safe: every note
					// triggers a full snapshot read, not an incremental one.
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return l, nil
}
