// Package relay drives the actual audio player over its HTTP control API.
// The session machine treats it as the source of playback truth: a command
// is only logged once the relay acknowledges it.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nfehr/auxroom/internal/domain"
	"github.com/nfehr/auxroom/internal/metrics"
	"github.com/nfehr/auxroom/internal/retry"
)

const requestTimeout = 5 * time.Second

// Relay implements domain.PlaybackBackend against the player's REST API.
type Relay struct {
	baseURL string
	http    *http.Client
	clock   clockwork.Clock
	policy  retry.Policy
}

var _ domain.PlaybackBackend = (*Relay)(nil)

func New(baseURL string, clock clockwork.Clock) *Relay {
	return &Relay{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		clock:   clock,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

type commandRequest struct {
	Command domain.PlaybackCommand `json:"command"`
}

type positionResponse struct {
	PositionMillis int64 `json:"position_millis"`
}

type queueRequest struct {
	Locators []domain.StreamingLocator `json:"locators"`
}

// ApplyCommand executes a playback command on the player.
func (r *Relay) ApplyCommand(ctx context.Context, cmd domain.PlaybackCommand) error {
	return r.timed("command", func() error {
		return r.doVoid(ctx, http.MethodPost, "/v1/player/command", commandRequest{Command: cmd})
	})
}

// CurrentPositionMillis reads the player's position within the current track.
func (r *Relay) CurrentPositionMillis(ctx context.Context) (int64, error) {
	var resp positionResponse
	err := r.timed("position", func() error {
		return r.doJSON(ctx, http.MethodGet, "/v1/player/position", nil, &resp)
	})
	return resp.PositionMillis, err
}

// CurrentTrackLocator reads which track the player is on, nil when idle.
func (r *Relay) CurrentTrackLocator(ctx context.Context) (*domain.StreamingLocator, error) {
	var loc *domain.StreamingLocator
	err := r.timed("track", func() error {
		return r.doJSON(ctx, http.MethodGet, "/v1/player/track", nil, &loc)
	})
	return loc, err
}

// UpdateQueue replaces the player's upcoming-track list.
func (r *Relay) UpdateQueue(ctx context.Context, locators []domain.StreamingLocator) error {
	if locators == nil {
		locators = []domain.StreamingLocator{}
	}
	return r.timed("queue", func() error {
		return r.doVoid(ctx, http.MethodPut, "/v1/player/queue", queueRequest{Locators: locators})
	})
}

func (r *Relay) timed(operation string, op func() error) error {
	start := time.Now()
	err := op()
	metrics.PlayerRelayDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return err
}

func (r *Relay) doVoid(ctx context.Context, method, path string, body any) error {
	return r.doJSON(ctx, method, path, body, nil)
}

// doJSON performs one relay call with retry on transport errors and 5xx
// responses. 4xx responses are permanent: the player rejected the request.
func (r *Relay) doJSON(ctx context.Context, method, path string, body, out any) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to encode relay request: %w", err))
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.http.Do(req)
		if err != nil {
			return fmt.Errorf("relay request failed: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("relay returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Permanent(fmt.Errorf("relay rejected %s %s: %d %s", method, path, resp.StatusCode, payload))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode relay response: %w", err)
			}
		}
		return nil
	}

	return retry.DoVoid(ctx, r.clock, r.policy, retry.StopOnPermanent, op)
}
