// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/metrics"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
)

// tallyCacheCap bounds the per-voteId tally cache. Old polls evict in
// insertion order; two or three live entries is the normal case.
const tallyCacheCap = 8

// snapshotStaleness bounds how long the hub serves its in-process snapshot
// copy without re-reading KV.
const snapshotStaleness = time.Second

// cached wraps a value with its fetch time and an invalidation bit.
type cached[T any] struct {
	val       T
	fetchedAt time.Time
	dirty     bool
}

func (c *cached[T]) fresh(now time.Time, staleness time.Duration) bool {
	return !c.dirty && !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < staleness
}

// marker is the last occurrence of one out-of-band event kind.
type marker struct {
	ts      time.Time
	payload json.RawMessage
}

// Hub is the per-process stream state. All cache reads go through the hub;
// a mutex guards the maps but is never held across a KV or HTTP call, and
// a singleflight group collapses concurrent refreshes.
type Hub struct {
	cfg    config.Stream
	kv     *kv.Client
	source snapshot.Source
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	snap        cached[*station.Snapshot]
	tallies     map[string]*cached[map[string]int64]
	tallyOrder  []string
	listeners   cached[int64]
	markers     map[string]marker
	lastVersion int64
	lastWinner  voteClosedPayload
	subs        map[*Subscriber]struct{}

	sf singleflight.Group
}

// NewHub wires a hub.
func NewHub(cfg config.Stream, kvc *kv.Client, source snapshot.Source, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		kv:      kvc,
		source:  source,
		logger:  logger,
		now:     time.Now,
		tallies: make(map[string]*cached[map[string]int64]),
		markers: make(map[string]marker),
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Snapshot returns the playback snapshot through the hub cache. force skips
// the staleness check.
func (h *Hub) Snapshot(ctx context.Context, force bool) (*station.Snapshot, error) {
	h.mu.Lock()
	if !force && h.snap.fresh(h.now(), snapshotStaleness) {
		snap := h.snap.val
		h.mu.Unlock()
		return snap, nil
	}
	h.mu.Unlock()

	val, err, _ := h.sf.Do("snapshot", func() (any, error) {
		snap, err := h.source.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.snap = cached[*station.Snapshot]{val: snap, fetchedAt: h.now()}
		h.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*station.Snapshot), nil
}

// Tallies returns the tally hash for voteID through the hub cache.
func (h *Hub) Tallies(ctx context.Context, voteID string, force bool) (map[string]int64, error) {
	h.mu.Lock()
	entry := h.tallies[voteID]
	if !force && entry != nil && entry.fresh(h.now(), h.cfg.TallyStaleness) {
		val := entry.val
		h.mu.Unlock()
		return val, nil
	}
	h.mu.Unlock()

	val, err, _ := h.sf.Do("tally:"+voteID, func() (any, error) {
		tallies, err := h.kv.Tallies(ctx, voteID)
		if err != nil {
			return nil, err
		}
		h.storeTallies(voteID, tallies)
		return tallies, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(map[string]int64), nil
}

// Listeners returns the approximate listener count through the hub cache.
func (h *Hub) Listeners(ctx context.Context) (int64, error) {
	h.mu.Lock()
	if h.listeners.fresh(h.now(), h.cfg.ListenerStaleness) {
		n := h.listeners.val
		h.mu.Unlock()
		return n, nil
	}
	h.mu.Unlock()

	val, err, _ := h.sf.Do("listeners", func() (any, error) {
		n, err := h.kv.CountActiveSessions(ctx)
		if err != nil {
			return int64(0), err
		}
		h.mu.Lock()
		h.listeners = cached[int64]{val: n, fetchedAt: h.now()}
		h.mu.Unlock()
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return val.(int64), nil
}

// HandleTallyEvent marks one poll's tally cache stale.
func (h *Hub) HandleTallyEvent(ev bus.TallyEvent) {
	h.markTallyDirty(ev.VoteID)
}

// HandleVoteEvent processes a poll lifecycle event.
func (h *Hub) HandleVoteEvent(ev bus.VoteEvent) {
	switch ev.Event {
	case bus.EventOpen:
		h.mu.Lock()
		h.snap.dirty = true
		h.mu.Unlock()
	case bus.EventClose:
		now := h.now()
		payload := voteClosedPayload{VoteID: ev.VoteID, WinnerOption: ev.WinnerOption, TS: station.ToMs(now)}
		h.mu.Lock()
		h.lastWinner = payload
		h.setMarkerLocked(EventVoteClosed, now, payload)
		h.mu.Unlock()
		h.markTallyDirty(ev.VoteID)
	default:
		h.logger.Debug().Str("event", ev.Event).Msg("unknown vote event ignored")
	}
}

// HandlePlaybackEvent processes a changeover or next-song event. Events
// below the last seen version are replays of already-applied state and are
// dropped.
func (h *Hub) HandlePlaybackEvent(ev bus.PlaybackEvent) {
	now := h.now()
	payload := songChangedPayload{
		VoteID:     ev.VoteID,
		DurationMs: ev.DurationMs,
		Version:    ev.Version,
		TS:         station.ToMs(now),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Version < h.lastVersion {
		h.logger.Debug().
			Int64("event_version", ev.Version).
			Int64("last_version", h.lastVersion).
			Msg("stale playback event dropped")
		return
	}

	switch ev.Event {
	case bus.EventChangeover:
		if ev.Version == h.lastVersion {
			return
		}
		h.snap.dirty = true
		h.lastVersion = ev.Version
		h.setMarkerLocked(EventSongChanged, now, payload)
	case bus.EventNextSongChanged:
		if ev.Version > h.lastVersion {
			h.lastVersion = ev.Version
			h.setMarkerLocked(EventNextSongChanged, now, payload)
			return
		}
		// Same version: a mid-cycle replacement of the next slot. Only a
		// disagreement with the cached snapshot is worth an emission.
		if h.snap.val != nil && h.snap.val.NextSong.VoteID == ev.VoteID {
			return
		}
		h.snap.dirty = true
		h.setMarkerLocked(EventNextSongChanged, now, payload)
	default:
		h.logger.Debug().Str("event", ev.Event).Msg("unknown playback event ignored")
	}
}

// State assembles the /state response: snapshot plus live tallies and the
// listener count.
func (h *Hub) State(ctx context.Context) (map[string]any, error) {
	snap, err := h.Snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	state := map[string]any{
		"currentSong": snap.CurrentSong,
		"nextSong":    snap.NextSong,
		"poll":        snap.Poll,
	}
	if snap.Poll.VoteID != "" {
		tallies, err := h.Tallies(ctx, snap.Poll.VoteID, false)
		if err != nil {
			return nil, err
		}
		state["tallies"] = tallies
	}
	listeners, err := h.Listeners(ctx)
	if err != nil {
		return nil, err
	}
	state["listeners"] = listeners
	return state, nil
}

// marker returns the last marker for kind.
func (h *Hub) marker(kind string) (marker, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.markers[kind]
	return m, ok
}

// winnerFor returns the recorded winner for voteID, if any.
func (h *Hub) winnerFor(voteID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastWinner.VoteID == voteID {
		return h.lastWinner.WinnerOption
	}
	return ""
}

func (h *Hub) setMarkerLocked(kind string, ts time.Time, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("kind", kind).Msg("marker payload encode failed")
		return
	}
	h.markers[kind] = marker{ts: ts, payload: data}
}

func (h *Hub) markTallyDirty(voteID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, ok := h.tallies[voteID]; ok {
		entry.dirty = true
	}
}

func (h *Hub) storeTallies(voteID string, tallies map[string]int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.tallies[voteID]; !exists {
		h.tallyOrder = append(h.tallyOrder, voteID)
		if len(h.tallyOrder) > tallyCacheCap {
			evict := h.tallyOrder[0]
			h.tallyOrder = h.tallyOrder[1:]
			delete(h.tallies, evict)
		}
	}
	h.tallies[voteID] = &cached[map[string]int64]{val: tallies, fetchedAt: h.now()}
}

func (h *Hub) register(sub *Subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.StreamSubscribers.Set(float64(n))
	h.logger.Info().Str("subscriber", sub.id).Int("total", n).Msg("subscriber connected")
}

func (h *Hub) unregister(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	metrics.StreamSubscribers.Set(float64(n))
	h.logger.Info().Str("subscriber", sub.id).Int("total", n).Msg("subscriber disconnected")
}
