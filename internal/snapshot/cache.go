// SPDX-License-Identifier: MIT

// Package snapshot maintains the cached playback snapshot: the single KV
// document that lets the vote and stream services answer without touching
// the durable store. The rotation service owns writes; everyone else reads
// through Get and rebuilds on a miss.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/station"
	"github.com/pulsefm/pulsefm/internal/store"
)

var (
	// ErrStateMissing is returned when a patch targets a snapshot that is
	// not in the cache and cannot be rebuilt.
	ErrStateMissing = errors.New("snapshot: state missing")

	// ErrVoteMismatch is returned when a patch names a poll that is no
	// longer the snapshot's poll.
	ErrVoteMismatch = errors.New("snapshot: vote mismatch")
)

// defaultTTL bounds snapshots whose current song carries no end time.
const defaultTTL = time.Hour

// Source yields the current playback snapshot, or nil when none exists.
type Source interface {
	Snapshot(ctx context.Context) (*station.Snapshot, error)
}

// Cache is the rotation-side snapshot cache: KV first, durable store on a
// miss, with the rebuilt value written back.
type Cache struct {
	kv     *kv.Client
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewCache builds a cache over the KV client and the durable store.
func NewCache(kvc *kv.Client, st *store.Store, logger zerolog.Logger) *Cache {
	return &Cache{kv: kvc, store: st, logger: logger, now: time.Now}
}

// Get returns the snapshot, rebuilding from the durable store on a cache
// miss. It returns nil when the station has never been seeded.
func (c *Cache) Get(ctx context.Context) (*station.Snapshot, error) {
	snap, err := c.kv.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}

	snap, err = c.BuildFromStore(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	if err := c.Write(ctx, snap); err != nil {
		// The rebuilt value is still good; the next reader rebuilds again.
		c.logger.Warn().Err(err).Msg("snapshot write-back failed")
	}
	return snap, nil
}

// BuildFromStore composes a fresh snapshot from the station record and the
// current poll. A missing station record yields nil without error; a
// missing poll leaves the poll block empty.
func (c *Cache) BuildFromStore(ctx context.Context) (*station.Snapshot, error) {
	var snap *station.Snapshot
	err := c.store.View(ctx, func(tx *store.Tx) error {
		rec, err := tx.Station()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snap = &station.Snapshot{
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
		poll, err := tx.Poll()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snap.Poll = station.SnapshotPoll{
			VoteID:  poll.VoteID,
			Options: poll.Options,
			Version: poll.Version,
			Status:  poll.Status,
			EndAt:   poll.EndAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild snapshot: %w", err)
	}
	return snap, nil
}

// Write stores the snapshot with a TTL that expires alongside the current
// song, so a stalled rotation cannot serve last hour's playback forever.
func (c *Cache) Write(ctx context.Context, snap *station.Snapshot) error {
	return c.kv.SetSnapshot(ctx, snap, c.ttlFor(snap))
}

// SetPollStatus patches the snapshot's poll status in place, preserving the
// remaining TTL. The patch only applies while voteID is still the
// snapshot's poll.
func (c *Cache) SetPollStatus(ctx context.Context, voteID string, status station.PollStatus) error {
	snap, err := c.kv.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return ErrStateMissing
	}
	if snap.Poll.VoteID != voteID {
		return fmt.Errorf("%w: snapshot has %s, patch targets %s", ErrVoteMismatch, snap.Poll.VoteID, voteID)
	}
	snap.Poll.Status = status
	return c.rewrite(ctx, snap)
}

// UpdateNextSong patches the snapshot's nextSong block, preserving the
// remaining TTL.
func (c *Cache) UpdateNextSong(ctx context.Context, next station.SnapshotNext) error {
	snap, err := c.kv.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return ErrStateMissing
	}
	snap.NextSong = next
	return c.rewrite(ctx, snap)
}

// rewrite writes snap back under the key's remaining TTL, falling back to
// the song-bounded TTL when the key had none.
func (c *Cache) rewrite(ctx context.Context, snap *station.Snapshot) error {
	ttl, err := c.kv.SnapshotTTL(ctx)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttlFor(snap)
	}
	return c.kv.SetSnapshot(ctx, snap, ttl)
}

func (c *Cache) ttlFor(snap *station.Snapshot) time.Duration {
	if snap.CurrentSong.EndAt == 0 {
		return defaultTTL
	}
	ttl := station.FromMs(snap.CurrentSong.EndAt).Sub(c.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Snapshot implements Source.
func (c *Cache) Snapshot(ctx context.Context) (*station.Snapshot, error) {
	return c.Get(ctx)
}
