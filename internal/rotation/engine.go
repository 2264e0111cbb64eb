// SPDX-License-Identifier: MIT

// Package rotation advances the station through playback cycles. A tick
// promotes the next song to current, picks a fresh next, rolls the poll,
// and schedules its own successor. All station mutations happen here; every
// other service only reads.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/history"
	"github.com/pulsefm/pulsefm/internal/metrics"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
	"github.com/pulsefm/pulsefm/internal/tasks"
)

var (
	// ErrStateCorrupt means the station record itself is broken, such as a
	// next slot missing its voteId or duration. The operator reseeds;
	// rotation refuses to guess.
	ErrStateCorrupt = errors.New("rotation: station state corrupt")

	// ErrNoMaterial means nothing playable is left, not even the stubbed
	// loop song.
	ErrNoMaterial = errors.New("rotation: no playable song available")

	// ErrNotSeeded means no station record exists yet.
	ErrNotSeeded = errors.New("rotation: station not seeded")
)

// candidateLimit bounds the ready-song scan per tick.
const candidateLimit = 10

// TickRequest is the payload of the scheduled end-of-song task.
type TickRequest struct {
	Version int64 `json:"version"`
}

// CloseRequest is the payload of the scheduled poll close task.
type CloseRequest struct {
	VoteID  string `json:"voteId"`
	Version int64  `json:"version"`
}

// Engine drives rotation on the rotation service.
type Engine struct {
	store   *store.Store
	cache   *snapshot.Cache
	polls   *poll.Engine
	bus     bus.Publisher
	queue   tasks.Queue
	history *history.Recorder
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine wires the rotation engine. history may be nil.
func NewEngine(st *store.Store, cache *snapshot.Cache, polls *poll.Engine, pub bus.Publisher,
	queue tasks.Queue, rec *history.Recorder, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		cache:   cache,
		polls:   polls,
		bus:     pub,
		queue:   queue,
		history: rec,
		logger:  logger,
		now:     time.Now,
	}
}

// Tick advances the station to requestVersion. Versions at or below the
// record are replays of already-delivered tasks and report a stale noop;
// the station itself is untouched. A committed tick leaves the station,
// the snapshot, the poll, and the task queue all describing the new cycle.
func (e *Engine) Tick(ctx context.Context, requestVersion int64) (station.Outcome, error) {
	start := e.now()

	var rec *station.Record
	outcome := station.Outcome{}
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		current, err := tx.Station()
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotSeeded
		}
		if err != nil {
			return err
		}
		if requestVersion <= current.Version {
			outcome = station.Stale(current.Version, requestVersion)
			return nil
		}

		next, err := e.resolveNext(tx, current)
		if err != nil {
			return err
		}

		now := e.now()
		promoted := &station.Record{
			VoteID:     next.VoteID,
			StartAt:    station.ToMs(now),
			EndAt:      station.ToMs(now.Add(time.Duration(next.DurationMs) * time.Millisecond)),
			DurationMs: next.DurationMs,
			Version:    requestVersion,
		}
		if promoted.VoteID != station.StubbedVoteID {
			if err := tx.SetSongStatus(promoted.VoteID, station.SongPlayed); err != nil {
				return fmt.Errorf("mark played: %w", err)
			}
		}

		upNext, err := e.pickNext(tx, promoted.VoteID)
		if err != nil {
			return err
		}
		promoted.Next = upNext
		if upNext.VoteID != station.StubbedVoteID {
			if err := tx.SetSongStatus(upNext.VoteID, station.SongQueued); err != nil {
				return fmt.Errorf("mark queued: %w", err)
			}
		}

		if err := tx.PutStation(promoted); err != nil {
			return err
		}
		rec = promoted
		outcome = station.Committed(requestVersion)
		return nil
	})
	if err != nil {
		metrics.RecordTick("error")
		return station.Outcome{}, err
	}
	if rec == nil {
		metrics.RecordTick("noop")
		e.logger.Info().
			Int64("current_version", outcome.CurrentVersion).
			Int64("request_version", outcome.RequestVersion).
			Msg("stale tick ignored")
		return outcome, nil
	}

	if rec.VoteID == station.StubbedVoteID {
		metrics.RotationStubbedTotal.Inc()
	}
	e.history.RecordPlay(ctx, rec)

	if err := e.settle(ctx, rec); err != nil {
		return station.Outcome{}, err
	}

	metrics.RecordTick("ok")
	metrics.RotationDuration.Observe(e.now().Sub(start).Seconds())
	e.logger.Info().
		Int64("version", rec.Version).
		Str("vote_id", rec.VoteID).
		Str("next_vote_id", rec.Next.VoteID).
		Int64("duration_ms", rec.DurationMs).
		Msg("rotation committed")
	return outcome, nil
}

// settle installs the post-commit side effects of a rotation: the KV
// snapshot and poll, the playback events, and the two successor tasks.
func (e *Engine) settle(ctx context.Context, rec *station.Record) error {
	snap := &station.Snapshot{
		CurrentSong: station.SnapshotSong{
			VoteID:     rec.VoteID,
			StartAt:    rec.StartAt,
			EndAt:      rec.EndAt,
			DurationMs: rec.DurationMs,
		},
		NextSong: station.SnapshotNext{
			VoteID:     rec.Next.VoteID,
			DurationMs: rec.Next.DurationMs,
		},
	}
	opened, err := e.polls.Rotate(ctx, snap)
	if err != nil {
		return fmt.Errorf("rotate poll: %w", err)
	}

	e.publish(ctx, bus.PlaybackEvent{
		Event:      bus.EventNextSongChanged,
		VoteID:     rec.Next.VoteID,
		DurationMs: rec.Next.DurationMs,
		Version:    rec.Version,
	})
	e.publish(ctx, bus.PlaybackEvent{
		Event:      bus.EventChangeover,
		VoteID:     rec.VoteID,
		DurationMs: rec.DurationMs,
		Version:    rec.Version,
	})

	songLeft := station.FromMs(rec.EndAt).Sub(e.now())
	if songLeft < 0 {
		songLeft = 0
	}
	if err := e.queue.Enqueue(ctx, tasks.Task{
		ID:      tasks.TickTaskID(rec.VoteID, station.FromMs(rec.EndAt), rec.Version),
		Kind:    tasks.KindTick,
		Path:    "/tick",
		Payload: TickRequest{Version: rec.Version + 1},
		Delay:   songLeft,
	}); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}

	closeDelay := station.FromMs(opened.EndAt).Sub(e.now())
	if closeDelay < 0 {
		closeDelay = 0
	}
	if err := e.queue.Enqueue(ctx, tasks.Task{
		ID:      tasks.CloseTaskID(opened.VoteID, opened.Version),
		Kind:    tasks.KindPollClose,
		Path:    "/vote/close",
		Payload: CloseRequest{VoteID: opened.VoteID, Version: opened.Version},
		Delay:   closeDelay,
	}); err != nil {
		return fmt.Errorf("schedule poll close: %w", err)
	}
	return nil
}

// resolveNext loads the song the record's next slot points at. An
// incomplete slot means rotation previously committed broken state and the
// tick must fail rather than guess. A complete slot whose voteId no longer
// exists in the catalog is the one recoverable case: the song was pruned
// underneath us, so the stubbed loop stands in.
func (e *Engine) resolveNext(tx *store.Tx, rec *station.Record) (*station.Song, error) {
	if !rec.Next.Complete() {
		return nil, fmt.Errorf("%w: next slot incomplete (voteId=%q durationMs=%d)",
			ErrStateCorrupt, rec.Next.VoteID, rec.Next.DurationMs)
	}
	song, err := tx.Song(rec.Next.VoteID)
	if err == nil {
		return song, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	e.logger.Warn().Str("vote_id", rec.Next.VoteID).Msg("next slot dangles, falling back to stubbed")
	return e.stubbed(tx)
}

// pickNext selects the upcoming song: the newest ready song that is not the
// one just promoted, else the stubbed loop.
func (e *Engine) pickNext(tx *store.Tx, promotedVoteID string) (station.NextSong, error) {
	ready, err := tx.ReadySongs(candidateLimit)
	if err != nil {
		return station.NextSong{}, err
	}
	for _, song := range ready {
		if song.VoteID == promotedVoteID {
			continue
		}
		return station.NextSong{VoteID: song.VoteID, DurationMs: song.DurationMs}, nil
	}
	stub, err := e.stubbed(tx)
	if err != nil {
		return station.NextSong{}, err
	}
	return station.NextSong{VoteID: stub.VoteID, DurationMs: stub.DurationMs}, nil
}

func (e *Engine) stubbed(tx *store.Tx) (*station.Song, error) {
	stub, err := tx.Song(station.StubbedVoteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: stubbed song missing", ErrNoMaterial)
	}
	if err != nil {
		return nil, err
	}
	return stub, nil
}

func (e *Engine) publish(ctx context.Context, event bus.PlaybackEvent) {
	err := e.bus.Publish(ctx, bus.TopicPlayback, event)
	metrics.RecordBusPublish(bus.TopicPlayback, err)
	if err != nil {
		e.logger.Error().Err(err).Str("event", event.Event).Msg("playback event publish failed")
	}
}
