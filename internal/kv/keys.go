// SPDX-License-Identifier: MIT

package kv

// Key builders for the PulseFM Redis namespace.

// SnapshotKey is the cached playback snapshot document.
func SnapshotKey() string { return "pulsefm:playback:current" }

// TallyKey is the per-poll option counter hash.
func TallyKey(voteID string) string { return "pulsefm:poll:" + voteID + ":tally" }

// VotedKey is the per-poll session dedupe set.
func VotedKey(voteID string) string { return "pulsefm:poll:" + voteID + ":voted" }

// SessionKey marks one listener session alive for the heartbeat TTL.
func SessionKey(sessionID string) string { return "pulsefm:heartbeat:session:" + sessionID }

// ActiveKey marks the station as having at least one live listener.
func ActiveKey() string { return "pulsefm:heartbeat:active" }

// sessionScanPattern matches all live session keys.
const sessionScanPattern = "pulsefm:heartbeat:session:*"
