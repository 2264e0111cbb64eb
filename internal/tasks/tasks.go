// SPDX-License-Identifier: MIT

// Package tasks schedules the delayed self-calls that drive rotation: the
// end-of-song tick and the poll close. Task ids are deterministic per
// playback cycle so a retried enqueue cannot double-fire a rotation.
package tasks

import (
	"fmt"
	"time"
)

// Task kinds, used for logging and metrics labels.
const (
	KindTick      = "tick"
	KindPollClose = "poll-close"
)

// Task is one delayed HTTP POST against the rotation service.
type Task struct {
	ID      string
	Kind    string
	Path    string
	Payload any
	Delay   time.Duration
}

// TickTaskID builds the deterministic id for the rotation tick that ends
// the playback cycle identified by voteID, endAt, and version.
func TickTaskID(voteID string, endAt time.Time, version int64) string {
	return fmt.Sprintf("playback-%s-%d-%d", voteID, endAt.Unix(), version)
}

// CloseTaskID builds the deterministic id for closing the poll opened for
// version.
func CloseTaskID(voteID string, version int64) string {
	return fmt.Sprintf("vote-close-%s-%d", voteID, version)
}
