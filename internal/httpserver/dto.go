package httpserver

import (
	"time"

	"github.com/google/uuid"

	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/syncer"
)

type createSessionRequest struct {
	Title      string              `json:"title"`
	Visibility domain.Visibility   `json:"visibility"`
	Mode       domain.Mode         `json:"mode"`
	Tracks     []domain.ContentRef `json:"tracks"`
}

type joinSessionRequest struct {
	SessionID uuid.UUID `json:"session_id,omitempty"`
	JoinCode  string    `json:"join_code,omitempty"`
}

type playbackRequest struct {
	Command string `json:"command"`
}

type appendTrackRequest struct {
	Content domain.ContentRef `json:"content"`
}

type moveTrackRequest struct {
	To int `json:"to"`
}

type devTokenRequest struct {
	UserID uuid.UUID `json:"user_id,omitempty"`
}

type listenerResponse struct {
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

type sessionResponse struct {
	SessionID            uuid.UUID          `json:"session_id"`
	Title                string             `json:"title"`
	HostID               uuid.UUID          `json:"host_id"`
	CreatedAt            time.Time          `json:"created_at"`
	EndedAt              *time.Time         `json:"ended_at,omitempty"`
	State                string             `json:"state"`
	Visibility           domain.Visibility  `json:"visibility"`
	Mode                 domain.Mode        `json:"mode"`
	JoinCode             string             `json:"join_code,omitempty"`
	Queue                []domain.Track     `json:"queue"`
	Listeners            []listenerResponse `json:"listeners"`
	PlayState            domain.PlayState   `json:"play_state"`
	ElapsedRuntimeMillis int64              `json:"elapsed_runtime_millis"`
	Seq                  uint64             `json:"seq"`
}

// newSessionResponse renders a snapshot. The join code is only included for
// callers already inside the session; discovery listings omit it.
func newSessionResponse(snap *domain.Session, now time.Time, includeJoinCode bool) sessionResponse {
	resp := sessionResponse{
		SessionID:            snap.Details.SessionID,
		Title:                snap.Details.Title,
		HostID:               snap.Details.HostID,
		CreatedAt:            snap.Details.CreatedAt,
		EndedAt:              snap.Details.EndedAt,
		State:                string(snap.State()),
		Visibility:           snap.Join.Visibility,
		Mode:                 snap.Mode,
		Queue:                snap.Queue.Tracks(),
		Listeners:            make([]listenerResponse, 0, len(snap.Listeners)),
		PlayState:            snap.Log.CurrentState(),
		ElapsedRuntimeMillis: snap.Log.ElapsedRuntimeMillis(now),
		Seq:                  snap.Seq,
	}
	if includeJoinCode {
		resp.JoinCode = snap.Join.JoinCode
	}
	for _, l := range snap.Listeners {
		resp.Listeners = append(resp.Listeners, listenerResponse{UserID: l.UserID, JoinedAt: l.JoinedAt})
	}
	return resp
}

type playbackStateResponse struct {
	PlayState            domain.PlayState `json:"play_state"`
	ElapsedRuntimeMillis int64            `json:"elapsed_runtime_millis"`
	LastCommand          string           `json:"last_command,omitempty"`
	Events               int              `json:"events"`
}

type pastSessionResponse struct {
	SessionID uuid.UUID      `json:"session_id"`
	Title     string         `json:"title"`
	HostID    uuid.UUID      `json:"host_id"`
	CreatedAt time.Time      `json:"created_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Queue     []domain.Track `json:"queue"`
	Events    int            `json:"events"`
}

func newPastSessionResponse(past *domain.PastSession) pastSessionResponse {
	resp := pastSessionResponse{
		SessionID: past.Details.SessionID,
		Title:     past.Details.Title,
		HostID:    past.Details.HostID,
		CreatedAt: past.Details.CreatedAt,
		Queue:     past.Queue,
		Events:    past.Events,
	}
	if past.Details.EndedAt != nil {
		resp.EndedAt = *past.Details.EndedAt
	}
	return resp
}

// streamEvent is the WebSocket frame pushed on every accepted snapshot.
type streamEvent struct {
	Type    string          `json:"type"`
	Session sessionResponse `json:"session"`
}

func newStreamEvent(snap *domain.Session, now time.Time) streamEvent {
	return streamEvent{Type: "session", Session: newSessionResponse(snap, now, false)}
}

// statusEvent tells stream clients whether the coordinator is following the
// store's change feed or running on local state while it reconnects.
type statusEvent struct {
	Type   string        `json:"type"`
	Status syncer.Status `json:"status"`
}

func newStatusEvent(status syncer.Status) statusEvent {
	return statusEvent{Type: "sync_status", Status: status}
}
