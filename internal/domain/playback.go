package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandVerb enumerates the playback transport verbs.
type CommandVerb string

const (
	VerbPlay     CommandVerb = "play"
	VerbPause    CommandVerb = "pause"
	VerbStop     CommandVerb = "stop"
	VerbRestart  CommandVerb = "restart"
	VerbPrevious CommandVerb = "previous"
	VerbNext     CommandVerb = "next"
	VerbSkip     CommandVerb = "skip"
)

// PlaybackCommand is a tagged playback transport command. SkipDelta is the
// relative seek in seconds and is only meaningful when Verb == VerbSkip.
type PlaybackCommand struct {
	Verb      CommandVerb
	SkipDelta int
}

func Play() PlaybackCommand     { return PlaybackCommand{Verb: VerbPlay} }
func Pause() PlaybackCommand    { return PlaybackCommand{Verb: VerbPause} }
func Stop() PlaybackCommand     { return PlaybackCommand{Verb: VerbStop} }
func Restart() PlaybackCommand  { return PlaybackCommand{Verb: VerbRestart} }
func Previous() PlaybackCommand { return PlaybackCommand{Verb: VerbPrevious} }
func Next() PlaybackCommand     { return PlaybackCommand{Verb: VerbNext} }

// Skip builds a relative-seek command of delta seconds (negative seeks back).
func Skip(deltaSeconds int) PlaybackCommand {
	return PlaybackCommand{Verb: VerbSkip, SkipDelta: deltaSeconds}
}

// String renders the wire form: the bare verb, or "skip-<delta>".
func (c PlaybackCommand) String() string {
	if c.Verb == VerbSkip {
		return fmt.Sprintf("skip-%d", c.SkipDelta)
	}
	return string(c.Verb)
}

// MarshalText implements encoding.TextMarshaler.
func (c PlaybackCommand) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *PlaybackCommand) UnmarshalText(text []byte) error {
	parsed, err := ParseCommand(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCommand parses the wire form produced by String.
func ParseCommand(s string) (PlaybackCommand, error) {
	if delta, ok := strings.CutPrefix(s, "skip-"); ok {
		n, err := strconv.Atoi(delta)
		if err != nil {
			return PlaybackCommand{}, fmt.Errorf("invalid skip delta %q: %w", delta, err)
		}
		return Skip(n), nil
	}
	switch CommandVerb(s) {
	case VerbPlay, VerbPause, VerbStop, VerbRestart, VerbPrevious, VerbNext:
		return PlaybackCommand{Verb: CommandVerb(s)}, nil
	case VerbSkip:
		return PlaybackCommand{}, fmt.Errorf("skip command requires a delta")
	}
	return PlaybackCommand{}, fmt.Errorf("unknown playback command %q", s)
}

// IsTrackChange reports whether the command moves playback to a different
// anchor point in the queue. Skip is a relative seek and does not count.
func (c PlaybackCommand) IsTrackChange() bool {
	switch c.Verb {
	case VerbNext, VerbPrevious, VerbRestart:
		return true
	}
	return false
}

// PlayState is the derived play/pause state of a session.
type PlayState string

const (
	StatePlaying    PlayState = "playing"
	StatePaused     PlayState = "paused"
	StateNotPlaying PlayState = "not_playing"
)

// PlaybackEvent records one accepted playback command. Events are immutable
// once appended. Origin is the emitting user id and breaks timestamp ties
// when concurrently emitted logs are merged.
type PlaybackEvent struct {
	Command   PlaybackCommand `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// EventLog is the append-only playback history of a session. The zero value
// is an empty log ready for use. The log never shrinks and existing entries
// are never rewritten.
type EventLog struct {
	events []PlaybackEvent
}

// NewEventLog builds a log from existing events, e.g. a decoded snapshot.
// The slice is copied.
func NewEventLog(events []PlaybackEvent) EventLog {
	return EventLog{events: append([]PlaybackEvent(nil), events...)}
}

// Append records a command at the given instant and returns the new event.
func (l *EventLog) Append(cmd PlaybackCommand, origin string, at time.Time) PlaybackEvent {
	ev := PlaybackEvent{Command: cmd, Timestamp: at, Origin: origin}
	l.events = append(l.events, ev)
	return ev
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int { return len(l.events) }

// Events returns a copy of the recorded events in append order.
func (l *EventLog) Events() []PlaybackEvent {
	return append([]PlaybackEvent(nil), l.events...)
}

// Last returns the most recent event, or false if the log is empty.
func (l *EventLog) Last() (PlaybackEvent, bool) {
	if len(l.events) == 0 {
		return PlaybackEvent{}, false
	}
	return l.events[len(l.events)-1], true
}

// CurrentState derives the play/pause state from the most recent
// state-bearing event. Skip events carry a seek, not a state change, so they
// are transparent here.
func (l *EventLog) CurrentState() PlayState {
	for i := len(l.events) - 1; i >= 0; i-- {
		switch l.events[i].Command.Verb {
		case VerbPlay, VerbNext, VerbPrevious, VerbRestart:
			return StatePlaying
		case VerbPause:
			return StatePaused
		case VerbStop:
			return StateNotPlaying
		case VerbSkip:
			// transparent
		}
	}
	return StateNotPlaying
}

// ElapsedRuntime reports how long the current track has been running,
// anchored at the most recent track-change event (or the log's first event
// when no track change exists). The result is the sum of consecutive
// inter-event deltas from the anchor through the log's end and on to now.
// Returns 0 when fewer than two events exist from the anchor onward.
func (l *EventLog) ElapsedRuntime(now time.Time) time.Duration {
	anchor := l.anchorIndex()
	if anchor < 0 || len(l.events)-anchor < 2 {
		return 0
	}

	var total time.Duration
	for i := anchor; i < len(l.events)-1; i++ {
		total += l.events[i+1].Timestamp.Sub(l.events[i].Timestamp)
	}
	total += now.Sub(l.events[len(l.events)-1].Timestamp)
	return total
}

// ElapsedRuntimeMillis is ElapsedRuntime in whole milliseconds.
func (l *EventLog) ElapsedRuntimeMillis(now time.Time) int64 {
	return l.ElapsedRuntime(now).Milliseconds()
}

func (l *EventLog) anchorIndex() int {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Command.IsTrackChange() {
			return i
		}
	}
	if len(l.events) == 0 {
		return -1
	}
	return 0
}

// Clone returns a deep copy of the log.
func (l *EventLog) Clone() EventLog {
	return NewEventLog(l.events)
}

// MarshalJSON encodes the log as a plain event array.
func (l EventLog) MarshalJSON() ([]byte, error) {
	if l.events == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.events)
}

// UnmarshalJSON decodes an event array produced by MarshalJSON.
func (l *EventLog) UnmarshalJSON(data []byte) error {
	var events []PlaybackEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	l.events = events
	return nil
}
