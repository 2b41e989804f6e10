package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func song(title string) ContentRef {
	return ContentRef{
		Kind:  KindSong,
		Title: title,
		Locators: []StreamingLocator{
			{Platform: PlatformSpotify, ExternalID: "spotify:track:" + title},
		},
	}
}

func queueOf(titles ...string) TrackQueue {
	var q TrackQueue
	for _, title := range titles {
		q.Append(song(title))
	}
	return q
}

func titles(q *TrackQueue) []string {
	out := make([]string, 0, q.Len())
	for _, t := range q.Tracks() {
		out = append(out, t.Content.Title)
	}
	return out
}

func assertContiguous(t *testing.T, q *TrackQueue) {
	t.Helper()
	for i, tr := range q.Tracks() {
		assert.Equal(t, i, tr.Position)
	}
}

func TestQueueAppendAssignsNextPosition(t *testing.T) {
	q := queueOf("A", "B", "C")
	assert.Equal(t, 3, q.Len())
	assertContiguous(t, &q)

	tr := q.Append(song("D"))
	assert.Equal(t, 3, tr.Position)
	assertContiguous(t, &q)
}

func TestQueueMoveTowardFront(t *testing.T) {
	q := queueOf("A", "B", "C", "D", "E")

	require.NoError(t, q.Move(2, 0))

	assert.Equal(t, []string{"C", "A", "B", "D", "E"}, titles(&q))
	assertContiguous(t, &q)
}

func TestQueueMoveTowardBack(t *testing.T) {
	q := queueOf("A", "B", "C", "D", "E")

	require.NoError(t, q.Move(1, 3))

	assert.Equal(t, []string{"A", "C", "D", "B", "E"}, titles(&q))
	assertContiguous(t, &q)
}

func TestQueueMoveInverseRestoresOrder(t *testing.T) {
	tests := []struct{ from, to int }{
		{0, 4}, {4, 0}, {1, 3}, {3, 1}, {2, 2},
	}
	for _, tt := range tests {
		q := queueOf("A", "B", "C", "D", "E")
		original := titles(&q)

		require.NoError(t, q.Move(tt.from, tt.to))
		require.NoError(t, q.Move(tt.to, tt.from))

		assert.Equal(t, original, titles(&q), "move %d→%d then back", tt.from, tt.to)
		assertContiguous(t, &q)
	}
}

func TestQueueMoveSamePositionIsNoOp(t *testing.T) {
	q := queueOf("A", "B", "C")
	require.NoError(t, q.Move(1, 1))
	assert.Equal(t, []string{"A", "B", "C"}, titles(&q))
}

func TestQueueMoveOutOfRange(t *testing.T) {
	q := queueOf("A", "B", "C")

	assert.ErrorIs(t, q.Move(3, 0), ErrQueueInconsistent)
	assert.ErrorIs(t, q.Move(0, -1), ErrQueueInconsistent)
	assert.ErrorIs(t, q.Move(-1, 2), ErrQueueInconsistent)

	// Failed moves leave the queue untouched.
	assert.Equal(t, []string{"A", "B", "C"}, titles(&q))
	assertContiguous(t, &q)
}

func TestQueueRemoveReindexes(t *testing.T) {
	q := queueOf("A", "B", "C", "D")

	require.NoError(t, q.Remove(1))

	assert.Equal(t, []string{"A", "C", "D"}, titles(&q))
	assertContiguous(t, &q)

	assert.ErrorIs(t, q.Remove(3), ErrQueueInconsistent)
	assert.Equal(t, 3, q.Len())
}

func TestQueueContiguityUnderOperationSequences(t *testing.T) {
	q := queueOf("A", "B", "C", "D", "E", "F")

	ops := []func() error{
		func() error { return q.Move(5, 0) },
		func() error { return q.Remove(2) },
		func() error { q.Append(song("G")); return nil },
		func() error { return q.Move(0, 5) },
		func() error { return q.Remove(0) },
		func() error { return q.Move(1, 4) },
		func() error { q.Append(song("H")); return nil },
		func() error { return q.Move(4, 2) },
	}
	for i, op := range ops {
		require.NoError(t, op(), "op %d", i)
		assertContiguous(t, &q)
	}
}

func TestQueueReplaceValidatesContiguity(t *testing.T) {
	q := queueOf("A", "B")

	err := q.Replace([]Track{
		{Position: 0, Content: song("X")},
		{Position: 2, Content: song("Y")},
	})
	assert.ErrorIs(t, err, ErrQueueInconsistent)
	assert.Equal(t, []string{"A", "B"}, titles(&q))

	err = q.Replace([]Track{
		{Position: 1, Content: song("Y")},
		{Position: 0, Content: song("X")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, titles(&q))
}

func TestNewTrackQueueRejectsDuplicatePositions(t *testing.T) {
	_, err := NewTrackQueue([]Track{
		{Position: 0, Content: song("X")},
		{Position: 0, Content: song("Y")},
	})
	assert.ErrorIs(t, err, ErrQueueInconsistent)
}

func TestContentRefIdentity(t *testing.T) {
	a := song("Same Title")
	b := song("Same Title")
	b.Locators[0].ExternalID = "spotify:track:other"

	assert.True(t, a.SameContent(song("Same Title")))
	assert.False(t, a.SameContent(b), "identity is the locator, not the title")
}
