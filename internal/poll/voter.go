// SPDX-License-Identifier: MIT

package poll

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/metrics"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
)

// VoteStatus is the admission result of one vote submission.
type VoteStatus string

const (
	VoteOK            VoteStatus = "ok"
	VoteDuplicate     VoteStatus = "duplicate"
	VoteNotCurrent    VoteStatus = "vote_not_current"
	VoteNotOpen       VoteStatus = "vote_not_open"
	VoteInvalidOption VoteStatus = "invalid_option"
)

// Accepted reports whether the vote was counted.
func (s VoteStatus) Accepted() bool { return s == VoteOK }

// Voter admits votes on the vote service. It needs no durable store: the
// snapshot answers the lifecycle checks and the KV scripts enforce
// one-vote-per-session.
type Voter struct {
	kv     *kv.Client
	source snapshot.Source
	bus    bus.Publisher
	logger zerolog.Logger
}

// NewVoter wires a voter.
func NewVoter(kvc *kv.Client, source snapshot.Source, pub bus.Publisher, logger zerolog.Logger) *Voter {
	return &Voter{kv: kvc, source: source, bus: pub, logger: logger}
}

// Vote runs the admission pipeline in its fixed order: poll currency, poll
// status, option validity, then the atomic record. Order matters for the
// caller-facing status: a stale voteId reports vote_not_current even when
// the option would also have been invalid.
func (v *Voter) Vote(ctx context.Context, voteID, sessionID, option string) (VoteStatus, error) {
	status, err := v.admit(ctx, voteID, sessionID, option)
	if err != nil {
		return status, err
	}
	metrics.RecordVote(string(status))
	if status == VoteOK {
		err := v.bus.Publish(ctx, bus.TopicTally, bus.TallyEvent{VoteID: voteID})
		metrics.RecordBusPublish(bus.TopicTally, err)
		if err != nil {
			// The vote is already counted; the stream loop re-reads tallies
			// on its own cadence anyway.
			v.logger.Warn().Err(err).Str("vote_id", voteID).Msg("tally event publish failed")
		}
	}
	return status, nil
}

func (v *Voter) admit(ctx context.Context, voteID, sessionID, option string) (VoteStatus, error) {
	snap, err := v.source.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if snap == nil || snap.Poll.VoteID != voteID {
		return VoteNotCurrent, nil
	}
	if snap.Poll.Status != station.PollOpen {
		return VoteNotOpen, nil
	}
	ok, err := v.kv.HasOption(ctx, voteID, option)
	if err != nil {
		return "", err
	}
	if !ok {
		return VoteInvalidOption, nil
	}
	admitted, err := v.kv.RecordVote(ctx, voteID, sessionID, option)
	if err != nil {
		return "", err
	}
	if !admitted {
		return VoteDuplicate, nil
	}
	return VoteOK, nil
}
