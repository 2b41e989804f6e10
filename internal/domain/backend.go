package domain

import "context"

// PlaybackBackend is the streaming-platform player the session drives.
// Every call can fail; command results feed into the event log only after
// the backend acknowledges.
type PlaybackBackend interface {
	// ApplyCommand forwards a transport command to the platform player.
	ApplyCommand(ctx context.Context, cmd PlaybackCommand) error

	// CurrentPositionMillis reports the player's position in the current track.
	CurrentPositionMillis(ctx context.Context) (int64, error)

	// CurrentTrackLocator reports what the player is actually playing,
	// or nil when idle.
	CurrentTrackLocator(ctx context.Context) (*StreamingLocator, error)

	// UpdateQueue pushes the upcoming track ordering to the player.
	UpdateQueue(ctx context.Context, locators []StreamingLocator) error
}
