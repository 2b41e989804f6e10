package syncer

import (
	"sort"

	"github.com/nfehr/auxroom/internal/domain"
)

// eventKey identifies a playback event across replicas. Timestamp plus
// origin plus command is stable under the append-only discipline: a client
// never emits two identical commands at the same instant.
type eventKey struct {
	unixNano int64
	origin   string
	command  string
}

func keyOf(ev domain.PlaybackEvent) eventKey {
	return eventKey{
		unixNano: ev.Timestamp.UnixNano(),
		origin:   ev.Origin,
		command:  ev.Command.String(),
	}
}

// UnionLogs merges two replicas of a session's event log. The result is the
// union of both, ordered by timestamp with ties broken by origin then
// command string, so every replica converges on the same sequence no matter
// the merge order. Nothing is ever dropped: the log is append-only and a
// concurrent writer's events must survive a document-level overwrite.
func UnionLogs(local, remote domain.EventLog) domain.EventLog {
	localEvents := local.Events()
	remoteEvents := remote.Events()

	seen := make(map[eventKey]bool, len(localEvents)+len(remoteEvents))
	merged := make([]domain.PlaybackEvent, 0, len(localEvents)+len(remoteEvents))

	for _, ev := range localEvents {
		k := keyOf(ev)
		if !seen[k] {
			seen[k] = true
			merged = append(merged, ev)
		}
	}
	for _, ev := range remoteEvents {
		k := keyOf(ev)
		if !seen[k] {
			seen[k] = true
			merged = append(merged, ev)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := keyOf(merged[i]), keyOf(merged[j])
		if a.unixNano != b.unixNano {
			return a.unixNano < b.unixNano
		}
		if a.origin != b.origin {
			return a.origin < b.origin
		}
		return a.command < b.command
	})

	return domain.NewEventLog(merged)
}
