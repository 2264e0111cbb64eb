// SPDX-License-Identifier: MIT

package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
	"github.com/pulsefm/pulsefm/internal/tasks"
)

// ReplaceNextIfStubbed swaps a freshly generated song into the next slot,
// but only while the slot still holds the stubbed fallback. A real queued
// song is never displaced; replays of the same replacement are idempotent.
// The station version does not move: the playing song is untouched and the
// scheduled tick stays valid.
func (e *Engine) ReplaceNextIfStubbed(ctx context.Context, voteID string) (station.Outcome, error) {
	if voteID == "" || voteID == station.StubbedVoteID {
		return station.Noop(station.ReasonMissingState), nil
	}

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
		if current.Next.VoteID == voteID {
			outcome = station.AlreadySet(voteID)
			return nil
		}
		if current.Next.VoteID != station.StubbedVoteID {
			outcome = station.Noop(station.ReasonNextNotStubbed)
			return nil
		}

		song, err := tx.Song(voteID)
		if errors.Is(err, store.ErrNotFound) {
			outcome = station.Noop(station.ReasonMissingState)
			return nil
		}
		if err != nil {
			return err
		}
		if song.Status != station.SongReady {
			outcome = station.Noop(station.ReasonMissingState)
			return nil
		}

		if err := tx.SetSongStatus(voteID, station.SongQueued); err != nil {
			return err
		}
		current.Next = station.NextSong{VoteID: voteID, DurationMs: song.DurationMs}
		if err := tx.PutStation(current); err != nil {
			return err
		}
		rec = current
		outcome = station.Updated(voteID)
		return nil
	})
	if err != nil {
		return station.Outcome{}, fmt.Errorf("replace next: %w", err)
	}
	if rec == nil {
		return outcome, nil
	}

	next := station.SnapshotNext{VoteID: rec.Next.VoteID, DurationMs: rec.Next.DurationMs}
	if err := e.cache.UpdateNextSong(ctx, next); err != nil && !errors.Is(err, snapshot.ErrStateMissing) {
		e.logger.Warn().Err(err).Msg("snapshot next-song patch failed")
	}
	e.publish(ctx, bus.PlaybackEvent{
		Event:      bus.EventNextSongChanged,
		VoteID:     rec.Next.VoteID,
		DurationMs: rec.Next.DurationMs,
		Version:    rec.Version,
	})
	e.logger.Info().
		Str("vote_id", voteID).
		Int64("version", rec.Version).
		Msg("stubbed next slot replaced")
	return outcome, nil
}

// startupTickDefault delays the startup tick when the station record has no
// end time to schedule against.
const startupTickDefault = 30 * time.Second

// ScheduleStartupTick re-arms the end-of-song task after a restart. The
// task id is the same one the previous process scheduled, so with a durable
// queue this is a no-op and with the in-process queue it restores the lost
// timer. A song that ended while the service was down ticks immediately; a
// record without an end time ticks after startupTickDefault.
func (e *Engine) ScheduleStartupTick(ctx context.Context) error {
	rec, err := e.store.Station(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotSeeded
	}
	if err != nil {
		return err
	}

	var delay time.Duration
	if rec.EndAt == 0 {
		delay = startupTickDefault
	} else if delay = station.FromMs(rec.EndAt).Sub(e.now()); delay < 0 {
		delay = 0
	}
	if err := e.queue.Enqueue(ctx, tasks.Task{
		ID:      tasks.TickTaskID(rec.VoteID, station.FromMs(rec.EndAt), rec.Version),
		Kind:    tasks.KindTick,
		Path:    "/tick",
		Payload: TickRequest{Version: rec.Version + 1},
		Delay:   delay,
	}); err != nil {
		return fmt.Errorf("schedule startup tick: %w", err)
	}
	e.logger.Info().
		Int64("version", rec.Version).
		Dur("delay", delay).
		Msg("startup tick scheduled")
	return nil
}
