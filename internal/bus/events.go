// SPDX-License-Identifier: MIT

// Package bus carries the control-plane events between services: playback
// changeovers, poll lifecycle transitions, and tally pings. Delivery is
// at-least-once; consumers dedupe on (voteId, version).
package bus

// Topics.
const (
	TopicPlayback   = "playback"
	TopicVoteEvents = "vote-events"
	TopicTally      = "tally"
)

// Event discriminators.
const (
	EventChangeover      = "CHANGEOVER"
	EventNextSongChanged = "NEXT-SONG-CHANGED"
	EventOpen            = "OPEN"
	EventClose           = "CLOSE"
)

// PlaybackEvent is published on TopicPlayback for CHANGEOVER and
// NEXT-SONG-CHANGED. Version is the station version the event belongs to;
// consumers drop anything below their last seen version.
type PlaybackEvent struct {
	Event      string `json:"event"`
	VoteID     string `json:"voteId,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Version    int64  `json:"version"`
}

// VoteEvent is published on TopicVoteEvents for OPEN and CLOSE.
type VoteEvent struct {
	Event        string `json:"event"`
	VoteID       string `json:"voteId"`
	WinnerOption string `json:"winnerOption,omitempty"`
	EndAt        int64  `json:"endAt,omitempty"`
}

// TallyEvent is published on TopicTally after every admitted vote. It only
// names the poll; subscribers re-read counters themselves.
type TallyEvent struct {
	VoteID string `json:"voteId"`
}
