package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nfehr/auxroom/internal/domain"
)

const (
	fieldDetails   = "details"
	fieldJoin      = "join"
	fieldMode      = "mode"
	fieldQueue     = "queue"
	fieldLog       = "log"
	fieldListeners = "listeners"
	fieldSeq       = "seq"
)

// endedSessionTTL keeps ended session documents readable long enough for
// clients to observe the terminal state before the key expires.
const endedSessionTTL = 24 * time.Hour

// Store implements domain.SessionStore on Redis. Each session is one hash
// whose fields are the JSON-encoded sub-documents plus the sequence counter,
// so partial writes touch only the named fields and commit atomically with
// the sequence bump.
type Store struct {
	rdb *goredis.Client
}

var _ domain.SessionStore = (*Store)(nil)

func NewStore(client *Client) *Store {
	return &Store{rdb: client.rdb}
}

func sessionKey(id uuid.UUID) string   { return "auxsession:" + id.String() }
func joinCodeKey(code string) string   { return "auxjoin:" + code }
func changeChannel(id uuid.UUID) string { return "auxsession.changed:" + id.String() }

const publicIndexKey = "auxsession.public"

// GetDocument reads and decodes the full session document.
func (s *Store) GetDocument(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	raw, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session document: %w", err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return decodeDocument(raw)
}

// SetDocument writes the full session document and maintains the join-code
// key and public index alongside it. With merge set, fields absent from the
// hash stay untouched; otherwise the previous hash is replaced outright.
func (s *Store) SetDocument(ctx context.Context, session *domain.Session, merge bool) error {
	values, err := encodeFields(session, allFields...)
	if err != nil {
		return err
	}
	values[fieldSeq] = strconv.FormatUint(session.Seq, 10)

	sk := sessionKey(session.Details.SessionID)
	ended := session.State() == domain.SessionEnded

	pipe := s.rdb.TxPipeline()
	if !merge {
		pipe.Del(ctx, sk)
	}
	pipe.HSet(ctx, sk, values)

	if ended {
		// Terminal: the code is retired and the session leaves discovery.
		if session.Join.JoinCode != "" {
			pipe.Del(ctx, joinCodeKey(session.Join.JoinCode))
		}
		pipe.SRem(ctx, publicIndexKey, session.Details.SessionID.String())
		pipe.Expire(ctx, sk, endedSessionTTL)
	} else {
		if session.Join.JoinCode != "" {
			pipe.Set(ctx, joinCodeKey(session.Join.JoinCode), session.Details.SessionID.String(), 0)
		}
		if session.Join.Visibility == domain.VisibilityPublic {
			pipe.SAdd(ctx, publicIndexKey, session.Details.SessionID.String())
		} else {
			pipe.SRem(ctx, publicIndexKey, session.Details.SessionID.String())
		}
	}

	s.publishNote(ctx, pipe, session)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write session document: %w", err)
	}
	return nil
}

// UpdateFields writes only the named sub-documents together with the
// sequence bump, as one transaction.
func (s *Store) UpdateFields(ctx context.Context, session *domain.Session, fields ...domain.Field) error {
	if len(fields) == 0 {
		return errors.New("no fields to update")
	}

	values, err := encodeFields(session, fields...)
	if err != nil {
		return err
	}
	values[fieldSeq] = strconv.FormatUint(session.Seq, 10)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(session.Details.SessionID), values)
	s.publishNote(ctx, pipe, session)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update session fields: %w", err)
	}
	return nil
}

// LookupJoinCode resolves a join code to a session id.
func (s *Store) LookupJoinCode(ctx context.Context, code string) (uuid.UUID, error) {
	result, err := s.rdb.Get(ctx, joinCodeKey(code)).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve join code: %w", err)
	}

	id, err := uuid.Parse(result)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt join code mapping for %q: %w", code, err)
	}
	return id, nil
}

// ListPublic lists the ids of discoverable public sessions.
func (s *Store) ListPublic(ctx context.Context) ([]uuid.UUID, error) {
	members, err := s.rdb.SMembers(ctx, publicIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list public sessions: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var allFields = []domain.Field{
	domain.FieldDetails,
	domain.FieldJoin,
	domain.FieldMode,
	domain.FieldQueue,
	domain.FieldLog,
	domain.FieldListeners,
}

func encodeFields(session *domain.Session, fields ...domain.Field) (map[string]any, error) {
	values := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		var (
			data []byte
			err  error
		)
		switch f {
		case domain.FieldDetails:
			data, err = json.Marshal(session.Details)
		case domain.FieldJoin:
			data, err = json.Marshal(session.Join)
		case domain.FieldMode:
			data, err = json.Marshal(session.Mode)
		case domain.FieldQueue:
			data, err = json.Marshal(session.Queue)
		case domain.FieldLog:
			data, err = json.Marshal(session.Log)
		case domain.FieldListeners:
			listeners := session.Listeners
			if listeners == nil {
				listeners = []domain.Listener{}
			}
			data, err = json.Marshal(listeners)
		default:
			return nil, fmt.Errorf("unknown session field %q", f)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode session field %q: %w", f, err)
		}
		values[string(f)] = string(data)
	}
	return values, nil
}

func decodeDocument(raw map[string]string) (*domain.Session, error) {
	sess := &domain.Session{}

	if v, ok := raw[fieldDetails]; ok {
		if err := json.Unmarshal([]byte(v), &sess.Details); err != nil {
			return nil, fmt.Errorf("corrupt session details: %w", err)
		}
	}
	if v, ok := raw[fieldJoin]; ok {
		if err := json.Unmarshal([]byte(v), &sess.Join); err != nil {
			return nil, fmt.Errorf("corrupt join details: %w", err)
		}
	}
	if v, ok := raw[fieldMode]; ok {
		if err := json.Unmarshal([]byte(v), &sess.Mode); err != nil {
			return nil, fmt.Errorf("corrupt session mode: %w", err)
		}
	}
	if v, ok := raw[fieldQueue]; ok {
		if err := json.Unmarshal([]byte(v), &sess.Queue); err != nil {
			return nil, fmt.Errorf("corrupt track queue: %w", err)
		}
	}
	if v, ok := raw[fieldLog]; ok {
		if err := json.Unmarshal([]byte(v), &sess.Log); err != nil {
			return nil, fmt.Errorf("corrupt event log: %w", err)
		}
	}
	if v, ok := raw[fieldListeners]; ok {
		if err := json.Unmarshal([]byte(v), &sess.Listeners); err != nil {
			return nil, fmt.Errorf("corrupt listener set: %w", err)
		}
	}
	if v, ok := raw[fieldSeq]; ok {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt sequence number %q: %w", v, err)
		}
		sess.Seq = seq
	}

	return sess, nil
}
