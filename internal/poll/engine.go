// SPDX-License-Identifier: MIT

// Package poll runs the vote lifecycle: one poll per playback cycle, opened
// at changeover, closed one minute before the song ends, with the winner
// drawn from the KV tallies.
package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/descriptor"
	"github.com/pulsefm/pulsefm/internal/history"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/metrics"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
)

// closeLead is how long before the song ends the poll stops accepting
// votes, leaving the generation pipeline time to produce the winner.
const closeLead = time.Minute

// stateTTLGrace keeps tally and dedupe keys readable for late consumers
// after the playback cycle ends.
const stateTTLGrace = time.Hour

// Engine owns the poll lifecycle on the rotation service.
type Engine struct {
	store   *store.Store
	kv      *kv.Client
	cache   *snapshot.Cache
	bus     bus.Publisher
	sampler *descriptor.Sampler
	history *history.Recorder
	logger  zerolog.Logger
	now     func() time.Time
	randInt func(n int) int
}

// NewEngine wires the poll engine. history may be nil.
func NewEngine(st *store.Store, kvc *kv.Client, cache *snapshot.Cache, pub bus.Publisher,
	sampler *descriptor.Sampler, rec *history.Recorder, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		kv:      kvc,
		cache:   cache,
		bus:     pub,
		sampler: sampler,
		history: rec,
		logger:  logger,
		now:     time.Now,
		randInt: rand.IntN,
	}
}

// Open starts a fresh poll for the playback cycle described by snap. The
// poll runs until closeLead before the current song ends; songs shorter
// than the lead get an already-expiring poll, which the close task resolves
// immediately. Open fills snap's poll block and installs snapshot, zeroed
// tallies, and an empty dedupe set in KV atomically. The new poll's version
// is the previous poll's plus one, so poll versions count polls even when
// the station version jumps.
func (e *Engine) Open(ctx context.Context, snap *station.Snapshot) (*station.Poll, error) {
	options, err := e.sampler.Sample()
	if err != nil {
		return nil, fmt.Errorf("sample options: %w", err)
	}
	version, err := e.nextVersion(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	duration := time.Duration(snap.CurrentSong.DurationMs)*time.Millisecond - closeLead
	if duration < 0 {
		duration = 0
	}
	poll := &station.Poll{
		VoteID:     uuid.NewString(),
		Status:     station.PollOpen,
		StartAt:    station.ToMs(now),
		EndAt:      station.ToMs(now.Add(duration)),
		DurationMs: duration.Milliseconds(),
		Options:    options,
		Tallies:    zeroTallies(options),
		Version:    version,
		CreatedAt:  station.ToMs(now),
	}
	if err := e.store.PutPoll(ctx, poll); err != nil {
		return nil, fmt.Errorf("persist poll: %w", err)
	}

	snap.Poll = station.SnapshotPoll{
		VoteID:  poll.VoteID,
		Options: options,
		Version: version,
		Status:  station.PollOpen,
		EndAt:   poll.EndAt,
	}
	snapshotTTL := time.Duration(snap.CurrentSong.DurationMs) * time.Millisecond
	stateTTL := station.FromMs(snap.CurrentSong.EndAt).Add(stateTTLGrace).Sub(now)
	if err := e.kv.OpenPoll(ctx, poll.VoteID, snap, snapshotTTL, stateTTL, options); err != nil {
		return nil, fmt.Errorf("install poll state: %w", err)
	}

	e.publish(ctx, bus.TopicVoteEvents, bus.VoteEvent{
		Event:  bus.EventOpen,
		VoteID: poll.VoteID,
		EndAt:  poll.EndAt,
	})
	metrics.PollOpenTotal.Inc()
	e.logger.Info().
		Str("vote_id", poll.VoteID).
		Int64("version", version).
		Strs("options", options).
		Msg("poll opened")
	return poll, nil
}

// Close finishes the poll identified by voteID. The preconditions run as a
// compare-and-set inside one store transaction, so a duplicate close task
// and a rotation-driven close cannot both take effect. version 0 skips the
// version check; the scheduled close task always carries one.
func (e *Engine) Close(ctx context.Context, voteID string, version int64) (station.Outcome, error) {
	tallies, err := e.kv.Tallies(ctx, voteID)
	if err != nil {
		return station.Outcome{}, err
	}

	var closed *station.Poll
	outcome := station.Outcome{}
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		poll, err := tx.Poll()
		if errors.Is(err, store.ErrNotFound) {
			outcome = station.Noop(station.ReasonMissingState)
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case poll.VoteID != voteID:
			outcome = station.Noop(station.ReasonVoteMismatch)
			return nil
		case version != 0 && poll.Version != version:
			outcome = station.Noop(station.ReasonVersionMismatch)
			return nil
		case poll.Status == station.PollClosed:
			outcome = station.Noop(station.ReasonAlreadyClosed)
			return nil
		}

		poll.Status = station.PollClosed
		poll.WinnerOption = e.pickWinner(poll.Options, tallies)
		poll.Tallies = mergeTallies(poll.Options, tallies)
		poll.ClosedAt = station.ToMs(e.now())
		if err := tx.PutPoll(poll); err != nil {
			return err
		}
		closed = poll
		outcome = station.Closed(poll.VoteID, poll.Version)
		return nil
	})
	if err != nil {
		return station.Outcome{}, fmt.Errorf("close poll: %w", err)
	}
	metrics.RecordPollClose(outcome.Action)
	if closed == nil {
		e.logger.Debug().
			Str("vote_id", voteID).
			Str("reason", outcome.Reason).
			Msg("poll close skipped")
		return outcome, nil
	}

	if err := e.cache.SetPollStatus(ctx, voteID, station.PollClosed); err != nil {
		// The snapshot may already describe the next cycle.
		e.logger.Warn().Err(err).Str("vote_id", voteID).Msg("snapshot poll patch skipped")
	}

	var total int64
	for _, n := range closed.Tallies {
		total += n
	}
	e.history.RecordPollResult(ctx, closed, total)
	e.publish(ctx, bus.TopicVoteEvents, bus.VoteEvent{
		Event:        bus.EventClose,
		VoteID:       closed.VoteID,
		WinnerOption: closed.WinnerOption,
	})
	e.logger.Info().
		Str("vote_id", closed.VoteID).
		Str("winner", closed.WinnerOption).
		Int64("total_votes", total).
		Msg("poll closed")
	return outcome, nil
}

// Rotate moves the poll lifecycle across a changeover: the outgoing poll is
// closed if still open, then a fresh one opens for the new cycle.
func (e *Engine) Rotate(ctx context.Context, snap *station.Snapshot) (*station.Poll, error) {
	prev, err := e.store.Poll(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if prev != nil && prev.Status == station.PollOpen {
		if _, err := e.Close(ctx, prev.VoteID, prev.Version); err != nil {
			return nil, err
		}
	}
	return e.Open(ctx, snap)
}

// nextVersion derives the version of the poll about to open from the one
// persisted before it.
func (e *Engine) nextVersion(ctx context.Context) (int64, error) {
	prev, err := e.store.Poll(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read previous poll: %w", err)
	}
	return prev.Version + 1, nil
}

// pickWinner draws the winning option: uniform among the highest tallies,
// uniform among all options when nobody voted.
func (e *Engine) pickWinner(options []string, tallies map[string]int64) string {
	if len(options) == 0 {
		return ""
	}
	var best int64 = -1
	var leaders []string
	for _, option := range options {
		n := tallies[option]
		switch {
		case n > best:
			best = n
			leaders = leaders[:0]
			leaders = append(leaders, option)
		case n == best:
			leaders = append(leaders, option)
		}
	}
	if best <= 0 {
		return options[e.randInt(len(options))]
	}
	return leaders[e.randInt(len(leaders))]
}

func (e *Engine) publish(ctx context.Context, topic string, msg bus.Message) {
	err := e.bus.Publish(ctx, topic, msg)
	metrics.RecordBusPublish(topic, err)
	if err != nil {
		e.logger.Error().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

func zeroTallies(options []string) map[string]int64 {
	tallies := make(map[string]int64, len(options))
	for _, option := range options {
		tallies[option] = 0
	}
	return tallies
}

// mergeTallies keeps every declared option in the archived tally map even
// when its counter key was never touched.
func mergeTallies(options []string, tallies map[string]int64) map[string]int64 {
	merged := zeroTallies(options)
	for option, n := range tallies {
		if _, declared := merged[option]; declared {
			merged[option] = n
		}
	}
	return merged
}
