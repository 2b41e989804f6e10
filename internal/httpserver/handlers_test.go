package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfehr/auxroom/internal/config"
	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/identity"
	"github.com/nfehr/auxroom/internal/session"
	"github.com/nfehr/auxroom/internal/storetest"
)

const testJWTSecret = "test-secret-test-secret-test-secret!"

type serverFixture struct {
	server *Server
	store  *storetest.MemStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := &config.Config{
		AppEnv:            "test",
		Port:              "0",
		JWTSecret:         testJWTSecret,
		PublishTimeout:    time.Second,
		JoinRatePerSecond: 1000,
		JoinBurst:         1000,
	}
	store := storetest.NewMemStore()
	srv := NewServer(cfg, Deps{
		Store:    store,
		Registry: session.NewRegistry(),
		Clock:    clockwork.NewRealClock(),
	})
	t.Cleanup(func() {
		srv.registry.StopAll()
		srv.hub.Stop()
	})
	return &serverFixture{server: srv, store: store}
}

func (f *serverFixture) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := identity.Issue(testJWTSecret, userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func trackRefs(titles ...string) []domain.ContentRef {
	out := make([]domain.ContentRef, 0, len(titles))
	for _, title := range titles {
		out = append(out, domain.ContentRef{
			Kind:     domain.KindSong,
			Title:    title,
			Locators: []domain.StreamingLocator{{Platform: domain.PlatformSpotify, ExternalID: "sp:" + title}},
		})
	}
	return out
}

func (f *serverFixture) createSession(t *testing.T, token string, req createSessionRequest) sessionResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions", token, req)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return decodeJSON[sessionResponse](t, rec)
}

func TestCreateSessionReturnsActiveSessionWithJoinCode(t *testing.T) {
	f := newServerFixture(t)
	host := uuid.New()

	resp := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "road trip",
		Tracks: trackRefs("A", "B", "C"),
	})

	assert.Equal(t, "active", resp.State)
	assert.Equal(t, host, resp.HostID)
	assert.Len(t, resp.JoinCode, 6)
	assert.Len(t, resp.Queue, 3)
	assert.Equal(t, domain.StatePaused, resp.PlayState)
	assert.Equal(t, domain.VisibilityInviteOnly, resp.Visibility)
}

func TestCreateSessionRequiresAuth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", "", createSessionRequest{
		Title:  "nope",
		Tracks: trackRefs("A"),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSessionRejectsEmptyQueue(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", f.token(t, uuid.New()), createSessionRequest{
		Title: "empty",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinByCode(t *testing.T) {
	f := newServerFixture(t)
	host, listener := uuid.New(), uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "invite only",
		Tracks: trackRefs("A"),
	})

	rec := f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, listener), joinSessionRequest{
		JoinCode: created.JoinCode,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	joined := decodeJSON[sessionResponse](t, rec)
	require.Len(t, joined.Listeners, 1)
	assert.Equal(t, listener, joined.Listeners[0].UserID)
}

func TestJoinWithWrongCodeIsRejected(t *testing.T) {
	f := newServerFixture(t)
	host := uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "invite only",
		Tracks: trackRefs("A"),
	})

	wrong := "AAAAAA"
	if wrong == created.JoinCode {
		wrong = "BBBBBB"
	}
	rec := f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, uuid.New()), joinSessionRequest{
		SessionID: created.SessionID,
		JoinCode:  wrong,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown code resolves to nothing")
}

func TestJoinPublicSessionByID(t *testing.T) {
	f := newServerFixture(t)
	host := uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:      "open house",
		Visibility: domain.VisibilityPublic,
		Tracks:     trackRefs("A"),
	})

	rec := f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, uuid.New()), joinSessionRequest{
		SessionID: created.SessionID,
	})
	assert.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
}

func TestPlaybackCommandFlow(t *testing.T) {
	f := newServerFixture(t)
	host := uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "controls",
		Tracks: trackRefs("A", "B"),
	})
	base := "/api/sessions/" + created.SessionID.String()

	rec := f.do(t, http.MethodPost, base+"/playback", f.token(t, host), playbackRequest{Command: "play"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	state := decodeJSON[playbackStateResponse](t, rec)
	assert.Equal(t, domain.StatePlaying, state.PlayState)
	assert.Equal(t, "play", state.LastCommand)

	rec = f.do(t, http.MethodPost, base+"/playback", f.token(t, host), playbackRequest{Command: "skip-30"})
	require.Equal(t, http.StatusOK, rec.Code)
	state = decodeJSON[playbackStateResponse](t, rec)
	assert.Equal(t, domain.StatePlaying, state.PlayState, "skip does not change play state")
	assert.Equal(t, "skip-30", state.LastCommand)
}

func TestListenerPlaybackDeniedInHostMode(t *testing.T) {
	f := newServerFixture(t)
	host, listener := uuid.New(), uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "host only",
		Tracks: trackRefs("A"),
	})
	rec := f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, listener), joinSessionRequest{
		JoinCode: created.JoinCode,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+created.SessionID.String()+"/playback",
		f.token(t, listener), playbackRequest{Command: "pause"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPartyModeListenerControls(t *testing.T) {
	f := newServerFixture(t)
	host, listener := uuid.New(), uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "party",
		Mode:   domain.ModeParty,
		Tracks: trackRefs("A", "B", "C"),
	})
	rec := f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, listener), joinSessionRequest{
		JoinCode: created.JoinCode,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	base := "/api/sessions/" + created.SessionID.String()
	rec = f.do(t, http.MethodPost, base+"/playback", f.token(t, listener), playbackRequest{Command: "play"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/queue/2/move", f.token(t, listener), moveTrackRequest{To: 0})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
}

func TestQueueEndpoints(t *testing.T) {
	f := newServerFixture(t)
	host := uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "queue ops",
		Tracks: trackRefs("A", "B", "C", "D", "E"),
	})
	base := "/api/sessions/" + created.SessionID.String()
	token := f.token(t, host)

	rec := f.do(t, http.MethodPost, base+"/queue", token, appendTrackRequest{Content: trackRefs("F")[0]})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	added := decodeJSON[domain.Track](t, rec)
	assert.Equal(t, 5, added.Position)

	rec = f.do(t, http.MethodPost, base+"/queue/2/move", token, moveTrackRequest{To: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var moved struct {
		Queue []domain.Track `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	titles := make([]string, 0, len(moved.Queue))
	for _, tr := range moved.Queue {
		titles = append(titles, tr.Content.Title)
	}
	assert.Equal(t, []string{"C", "A", "B", "D", "E", "F"}, titles)

	rec = f.do(t, http.MethodDelete, base+"/queue/0", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/queue/9/move", token, moveTrackRequest{To: 0})
	assert.Equal(t, http.StatusConflict, rec.Code, "out-of-range move is a queue conflict")
}

func TestEndSessionFlow(t *testing.T) {
	f := newServerFixture(t)
	host, listener := uuid.New(), uuid.New()
	created := f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "finale",
		Tracks: trackRefs("A", "B"),
	})
	rec := f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, listener), joinSessionRequest{
		JoinCode: created.JoinCode,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	base := "/api/sessions/" + created.SessionID.String()

	rec = f.do(t, http.MethodPost, base+"/end", f.token(t, listener), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the host may end")

	rec = f.do(t, http.MethodPost, base+"/end", f.token(t, host), nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	past := decodeJSON[pastSessionResponse](t, rec)
	assert.False(t, past.EndedAt.IsZero())
	assert.Len(t, past.Queue, 2)

	// The retired join code now reports the session as ended, not missing.
	rec = f.do(t, http.MethodPost, "/api/sessions/join", f.token(t, uuid.New()), joinSessionRequest{
		JoinCode: created.JoinCode,
	})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestListPublicSessions(t *testing.T) {
	f := newServerFixture(t)
	host := uuid.New()
	f.createSession(t, f.token(t, host), createSessionRequest{
		Title:      "discoverable",
		Visibility: domain.VisibilityPublic,
		Tracks:     trackRefs("A"),
	})
	f.createSession(t, f.token(t, host), createSessionRequest{
		Title:  "hidden",
		Tracks: trackRefs("B"),
	})

	// A public session hosted by another instance exists only in the store.
	remote := remotePublicSession(t, "elsewhere")
	require.NoError(t, f.store.SetDocument(context.Background(), remote, false))

	rec := f.do(t, http.MethodGet, "/api/sessions", f.token(t, uuid.New()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Sessions, 2)

	titles := make([]string, 0, len(listing.Sessions))
	for _, sess := range listing.Sessions {
		titles = append(titles, sess.Title)
		assert.Empty(t, sess.JoinCode, "discovery listings never leak join codes")
	}
	assert.ElementsMatch(t, []string{"discoverable", "elsewhere"}, titles)
}

// remotePublicSession builds an active public session document as another
// instance would have written it.
func remotePublicSession(t *testing.T, title string) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		Details: domain.SessionDetails{
			SessionID: uuid.New(),
			Title:     title,
			HostID:    uuid.New(),
			CreatedAt: time.Now().UTC(),
		},
		Join: domain.JoinDetails{Visibility: domain.VisibilityPublic, JoinCode: "ZZZZZZ"},
		Mode: domain.ModeHost,
		Seq:  1,
	}
	sess.Queue.Append(trackRefs("remote")[0])
	sess.Log.Append(domain.Pause(), sess.Details.HostID.String(), sess.Details.CreatedAt)
	return sess
}

func TestPastSessionsWithoutArchive(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/past-sessions", f.token(t, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevTokenEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/dev-token", "", devTokenRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token  string    `json:"token"`
		UserID uuid.UUID `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.UserID)
	assert.True(t, strings.Count(resp.Token, ".") == 2, "JWT has three segments")

	parsed, err := identity.NewVerifier(testJWTSecret).Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, parsed)
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
