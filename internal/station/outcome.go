// SPDX-License-Identifier: MIT

package station

// Noop reasons shared by the rotation and poll engines. They travel in HTTP
// responses, so they stay lower_snake tokens.
const (
	ReasonStaleVersion    = "stale_version"
	ReasonMissingState    = "missing_state"
	ReasonVoteMismatch    = "vote_mismatch"
	ReasonVersionMismatch = "version_mismatch"
	ReasonAlreadyClosed   = "already_closed"
	ReasonNextNotStubbed  = "next_not_stubbed"
)

// Outcome actions.
const (
	ActionOK         = "ok"
	ActionNoop       = "noop"
	ActionClosed     = "closed"
	ActionUpdated    = "updated"
	ActionAlreadySet = "already_set"
)

// Outcome is the structured result of a state-changing control-plane
// operation. Exactly one of the constructors below produces it; handlers
// serialize it as-is.
type Outcome struct {
	Action         string `json:"action"`
	Version        int64  `json:"version,omitempty"`
	VoteID         string `json:"voteId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	CurrentVersion int64  `json:"currentVersion,omitempty"`
	RequestVersion int64  `json:"requestVersion,omitempty"`
}

// Committed reports a rotation that advanced the station to version.
func Committed(version int64) Outcome {
	return Outcome{Action: ActionOK, Version: version}
}

// Noop reports an operation that matched a precondition miss.
func Noop(reason string) Outcome {
	return Outcome{Action: ActionNoop, Reason: reason}
}

// Stale reports a tick whose requested version is not ahead of the record.
func Stale(currentVersion, requestVersion int64) Outcome {
	return Outcome{
		Action:         ActionNoop,
		Reason:         ReasonStaleVersion,
		CurrentVersion: currentVersion,
		RequestVersion: requestVersion,
	}
}

// Closed reports an effective poll close.
func Closed(voteID string, version int64) Outcome {
	return Outcome{Action: ActionClosed, VoteID: voteID, Version: version}
}

// Updated reports an effective next-song replacement.
func Updated(voteID string) Outcome {
	return Outcome{Action: ActionUpdated, VoteID: voteID}
}

// AlreadySet reports an idempotent replay of a next-song replacement.
func AlreadySet(voteID string) Outcome {
	return Outcome{Action: ActionAlreadySet, VoteID: voteID}
}

// OK reports whether the operation changed state.
func (o Outcome) OK() bool {
	return o.Action != ActionNoop
}
