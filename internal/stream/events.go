// SPDX-License-Identifier: MIT

// Package stream fans playback state out to browsers over SSE: one hub per
// process caching KV reads, one subscriber per connection pacing its own
// emissions.
package stream

import (
	"encoding/json"
	"fmt"
)

// SSE event names.
const (
	EventHello           = "HELLO"
	EventTallySnapshot   = "TALLY_SNAPSHOT"
	EventTallyDelta      = "TALLY_DELTA"
	EventHeartbeat       = "HEARTBEAT"
	EventSongChanged     = "SONG_CHANGED"
	EventVoteClosed      = "VOTE_CLOSED"
	EventNextSongChanged = "NEXT-SONG-CHANGED"
)

// markerKinds is the fixed per-iteration emission order for marker events.
var markerKinds = []string{EventSongChanged, EventVoteClosed, EventNextSongChanged}

type helloPayload struct {
	VoteID       string `json:"voteId"`
	TS           int64  `json:"ts"`
	Version      int64  `json:"version"`
	HeartbeatSec int    `json:"heartbeatSec"`
}

type tallySnapshotPayload struct {
	VoteID       string           `json:"voteId"`
	TS           int64            `json:"ts"`
	Tallies      map[string]int64 `json:"tallies"`
	Status       string           `json:"status"`
	WinnerOption string           `json:"winnerOption,omitempty"`
}

type tallyDeltaPayload struct {
	VoteID    string           `json:"voteId"`
	TS        int64            `json:"ts"`
	Delta     map[string]int64 `json:"delta"`
	Listeners int64            `json:"listeners"`
}

type heartbeatPayload struct {
	VoteID string `json:"voteId"`
	TS     int64  `json:"ts"`
}

type songChangedPayload struct {
	VoteID     string `json:"voteId"`
	DurationMs int64  `json:"durationMs"`
	Version    int64  `json:"version"`
	TS         int64  `json:"ts"`
}

type voteClosedPayload struct {
	VoteID       string `json:"voteId"`
	WinnerOption string `json:"winnerOption,omitempty"`
	TS           int64  `json:"ts"`
}

// encodeFrame renders one SSE frame: event name line, minified JSON data
// line, blank separator.
func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame := make([]byte, 0, len(event)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, event...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
