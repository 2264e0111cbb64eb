// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldTaskID    = "task_id"
	FieldVoteID    = "vote_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTopic     = "topic"
	FieldAction    = "action"
	FieldReason    = "reason"

	// Playback / poll fields
	FieldVersion    = "version"
	FieldOption     = "option"
	FieldWinner     = "winner"
	FieldDurationMs = "duration_ms"
	FieldListeners  = "listeners"
	FieldStatus     = "status"
)
