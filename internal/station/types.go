// SPDX-License-Identifier: MIT

// Package station defines the PulseFM domain model: the station record that
// tracks current and next playback, the song catalog entries, the poll
// lifecycle document, and the cached playback snapshot.
package station

import "time"

// StubbedVoteID names the fallback loop song. It is never consumed: its
// status never advances and it may appear as current or next any number of
// times.
const StubbedVoteID = "stubbed"

// SongStatus is the forward-only lifecycle of a generated song.
type SongStatus string

const (
	SongReady  SongStatus = "ready"
	SongQueued SongStatus = "queued"
	SongPlayed SongStatus = "played"
)

// NextSong is the "next up" slot embedded in the station record.
type NextSong struct {
	VoteID     string `json:"voteId"`
	DurationMs int64  `json:"durationMs"`
}

// Complete reports whether both fields of the slot are usable.
func (n NextSong) Complete() bool {
	return n.VoteID != "" && n.DurationMs > 0
}

// Record is the singleton station document: what is playing right now and
// what plays next. Version is strictly monotonic and only ever advanced by
// a rotation tick.
type Record struct {
	VoteID     string   `json:"voteId"`
	StartAt    int64    `json:"startAt"`
	EndAt      int64    `json:"endAt"`
	DurationMs int64    `json:"durationMs"`
	Version    int64    `json:"version"`
	Next       NextSong `json:"next"`
}

// Song is a catalog entry keyed by its voteId.
type Song struct {
	VoteID     string     `json:"voteId"`
	DurationMs int64      `json:"durationMs"`
	Status     SongStatus `json:"status"`
	CreatedAt  int64      `json:"createdAt"`
}

// PollStatus is the two-state poll lifecycle.
type PollStatus string

const (
	PollOpen   PollStatus = "OPEN"
	PollClosed PollStatus = "CLOSED"
)

// Poll is the singleton poll document. A fresh voteId and version+1 are
// assigned at every open; CLOSED is terminal.
type Poll struct {
	VoteID       string           `json:"voteId"`
	Status       PollStatus       `json:"status"`
	StartAt      int64            `json:"startAt"`
	EndAt        int64            `json:"endAt"`
	DurationMs   int64            `json:"durationMs"`
	Options      []string         `json:"options"`
	Tallies      map[string]int64 `json:"tallies"`
	Version      int64            `json:"version"`
	WinnerOption string           `json:"winnerOption,omitempty"`
	CreatedAt    int64            `json:"createdAt"`
	ClosedAt     int64            `json:"closedAt,omitempty"`
}

// SnapshotSong is the "currentSong" block of the cached snapshot.
type SnapshotSong struct {
	VoteID     string `json:"voteId"`
	StartAt    int64  `json:"startAt"`
	EndAt      int64  `json:"endAt"`
	DurationMs int64  `json:"durationMs"`
}

// SnapshotNext is the "nextSong" block of the cached snapshot.
type SnapshotNext struct {
	VoteID     string `json:"voteId"`
	DurationMs int64  `json:"durationMs"`
}

// SnapshotPoll is the "poll" block of the cached snapshot.
type SnapshotPoll struct {
	VoteID  string     `json:"voteId"`
	Options []string   `json:"options"`
	Version int64      `json:"version"`
	Status  PollStatus `json:"status"`
	EndAt   int64      `json:"endAt"`
}

// Snapshot is the cached KV view of current playback and the open poll.
// It is a cache of DS state: consumers treat it as authoritative only
// within the current playback window.
type Snapshot struct {
	CurrentSong SnapshotSong `json:"currentSong"`
	NextSong    SnapshotNext `json:"nextSong"`
	Poll        SnapshotPoll `json:"poll"`
}

// ToMs converts a time to a millisecond Unix epoch.
func ToMs(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMs converts a millisecond Unix epoch to a time.
func FromMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}
