package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Track is one entry in a session's queue. Position is zero-based and
// contiguous within the queue.
type Track struct {
	Position int        `json:"position"`
	Content  ContentRef `json:"content"`
}

// TrackQueue maintains the positional ordering of a session's tracks.
// Every mutation either commits a fully reindexed ordering or leaves the
// queue untouched; observers never see a gap or a duplicate position.
// The zero value is an empty queue ready for use.
type TrackQueue struct {
	tracks []Track
}

// NewTrackQueue builds a queue from an existing ordering, validating
// contiguity. Used when adopting a remote snapshot.
func NewTrackQueue(tracks []Track) (TrackQueue, error) {
	sorted := append([]Track(nil), tracks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	if err := validateContiguous(sorted); err != nil {
		return TrackQueue{}, err
	}
	return TrackQueue{tracks: sorted}, nil
}

// Len returns the number of queued tracks.
func (q *TrackQueue) Len() int { return len(q.tracks) }

// Tracks returns a copy of the queue in position order.
func (q *TrackQueue) Tracks() []Track {
	return append([]Track(nil), q.tracks...)
}

// Get returns the track at the given position.
func (q *TrackQueue) Get(position int) (Track, error) {
	if position < 0 || position >= len(q.tracks) {
		return Track{}, fmt.Errorf("%w: position %d out of range [0,%d)", ErrQueueInconsistent, position, len(q.tracks))
	}
	return q.tracks[position], nil
}

// Append adds content at the end of the queue and returns the new track.
func (q *TrackQueue) Append(content ContentRef) Track {
	t := Track{Position: len(q.tracks), Content: content}
	q.tracks = append(q.tracks, t)
	return t
}

// Remove deletes the track at position and shifts every later track down by
// one. The reindexed ordering is committed as a whole.
func (q *TrackQueue) Remove(position int) error {
	if position < 0 || position >= len(q.tracks) {
		return fmt.Errorf("%w: remove position %d out of range [0,%d)", ErrQueueInconsistent, position, len(q.tracks))
	}

	next := make([]Track, 0, len(q.tracks)-1)
	for _, t := range q.tracks {
		switch {
		case t.Position == position:
			// dropped
		case t.Position > position:
			t.Position--
			next = append(next, t)
		default:
			next = append(next, t)
		}
	}

	if err := validateContiguous(next); err != nil {
		return err
	}
	q.tracks = next
	return nil
}

// Move relocates the track at oldPos to newPos, shifting the displaced range
// by one. Moving toward the front shifts tracks in [newPos, oldPos) up by
// one position; moving toward the back shifts (oldPos, newPos] down by one.
// The renumbered ordering is validated and committed as a whole, or not at
// all.
func (q *TrackQueue) Move(oldPos, newPos int) error {
	n := len(q.tracks)
	if oldPos < 0 || oldPos >= n {
		return fmt.Errorf("%w: move source %d out of range [0,%d)", ErrQueueInconsistent, oldPos, n)
	}
	if newPos < 0 || newPos >= n {
		return fmt.Errorf("%w: move target %d out of range [0,%d)", ErrQueueInconsistent, newPos, n)
	}
	if oldPos == newPos {
		return nil
	}

	movedUp := oldPos > newPos

	next := make([]Track, len(q.tracks))
	for i, t := range q.tracks {
		switch {
		case t.Position == oldPos:
			t.Position = newPos
		case movedUp && t.Position >= newPos && t.Position < oldPos:
			t.Position++
		case !movedUp && t.Position > oldPos && t.Position <= newPos:
			t.Position--
		}
		next[i] = t
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Position < next[j].Position })

	if err := validateContiguous(next); err != nil {
		return err
	}
	q.tracks = next
	return nil
}

// Replace adopts a remote ordering wholesale after validating contiguity.
func (q *TrackQueue) Replace(tracks []Track) error {
	fresh, err := NewTrackQueue(tracks)
	if err != nil {
		return err
	}
	q.tracks = fresh.tracks
	return nil
}

// Clone returns a deep copy of the queue.
func (q *TrackQueue) Clone() TrackQueue {
	return TrackQueue{tracks: q.Tracks()}
}

// Locators returns the primary streaming locator of each queued track in
// position order, the shape the playback backend consumes.
func (q *TrackQueue) Locators() []StreamingLocator {
	out := make([]StreamingLocator, 0, len(q.tracks))
	for _, t := range q.tracks {
		out = append(out, t.Content.Primary())
	}
	return out
}

// MarshalJSON encodes the queue as a plain track array in position order.
func (q TrackQueue) MarshalJSON() ([]byte, error) {
	if q.tracks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(q.tracks)
}

// UnmarshalJSON decodes a track array, enforcing contiguous positions.
func (q *TrackQueue) UnmarshalJSON(data []byte) error {
	var tracks []Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		return err
	}
	fresh, err := NewTrackQueue(tracks)
	if err != nil {
		return err
	}
	q.tracks = fresh.tracks
	return nil
}

func validateContiguous(tracks []Track) error {
	seen := make(map[int]bool, len(tracks))
	for _, t := range tracks {
		if t.Position < 0 || t.Position >= len(tracks) {
			return fmt.Errorf("%w: position %d outside [0,%d)", ErrQueueInconsistent, t.Position, len(tracks))
		}
		if seen[t.Position] {
			return fmt.Errorf("%w: duplicate position %d", ErrQueueInconsistent, t.Position)
		}
		seen[t.Position] = true
	}
	return nil
}
