// Package domain holds the core model of a listening session: the track
// queue, the append-only playback event log, and the session aggregate,
// plus the interfaces the synchronization engine requires from the session
// store and the playback backend.
package domain
