// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pulsefm/pulsefm/internal/metrics"
	"github.com/pulsefm/pulsefm/internal/station"
)

// Subscriber is one SSE connection. The tick loop fills the outbox, the
// handler goroutine drains it to the wire; a full outbox means the client
// cannot keep up and the subscriber is dropped.
type Subscriber struct {
	id          string
	outbox      chan []byte
	cancel      context.CancelFunc
	connectedAt time.Time

	cursors         map[string]time.Time
	lastSnapshotAt  time.Time
	lastDeltaAt     time.Time
	lastHeartbeatAt time.Time
	baselineVote    string
	baseline        map[string]int64
}

// ServeStream handles GET /stream for the lifetime of one connection.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	now := h.now()
	sub := &Subscriber{
		id:              uuid.NewString(),
		outbox:          make(chan []byte, h.cfg.OutboxSize),
		cancel:          cancel,
		connectedAt:     now,
		cursors:         make(map[string]time.Time, len(markerKinds)),
		lastSnapshotAt:  now,
		lastDeltaAt:     now,
		lastHeartbeatAt: now,
	}
	for _, kind := range markerKinds {
		sub.cursors[kind] = now
	}

	snap, err := h.Snapshot(ctx, true)
	if err != nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.register(sub)
	defer h.unregister(sub)

	var voteID string
	var version int64
	if snap != nil {
		voteID = snap.Poll.VoteID
		version = snap.Poll.Version
	}
	sub.emit(EventHello, helloPayload{
		VoteID:       voteID,
		TS:           station.ToMs(now),
		Version:      version,
		HeartbeatSec: int(h.cfg.HeartbeatInterval / time.Second),
	})
	if snap != nil && voteID != "" {
		sub.sendTallySnapshot(ctx, h, snap, true)
	}

	go sub.loop(ctx, h)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sub.outbox:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Subscriber) loop(ctx context.Context, h *Hub) {
	ticker := time.NewTicker(h.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(ctx, h)
		}
	}
}

// step runs one loop iteration: marker events first in their fixed order,
// then paced tally snapshot, tally delta, and heartbeat. The ordering means
// a SONG_CHANGED always precedes any tally emission for the new poll.
func (s *Subscriber) step(ctx context.Context, h *Hub) {
	now := h.now()

	for _, kind := range markerKinds {
		m, ok := h.marker(kind)
		if !ok || !m.ts.After(s.cursors[kind]) {
			continue
		}
		if kind == EventSongChanged {
			s.baseline = nil
			s.baselineVote = ""
			if _, err := h.Snapshot(ctx, true); err != nil {
				h.logger.Warn().Err(err).Msg("snapshot refresh on changeover failed")
			}
		}
		s.emitRaw(kind, m.payload)
		s.cursors[kind] = m.ts
	}

	snap, err := h.Snapshot(ctx, false)
	if err != nil || snap == nil {
		s.maybeHeartbeat(now, "", h.cfg.HeartbeatInterval)
		return
	}
	voteID := snap.Poll.VoteID

	if voteID != "" && now.Sub(s.lastSnapshotAt) >= h.cfg.SnapshotInterval {
		s.sendTallySnapshot(ctx, h, snap, false)
		s.lastSnapshotAt = now
		s.lastDeltaAt = now
	} else if voteID != "" && len(snap.Poll.Options) > 0 && now.Sub(s.lastDeltaAt) >= h.cfg.DeltaInterval {
		s.sendTallyDelta(ctx, h, snap)
		s.lastDeltaAt = now
	}

	s.maybeHeartbeat(now, voteID, h.cfg.HeartbeatInterval)
}

func (s *Subscriber) sendTallySnapshot(ctx context.Context, h *Hub, snap *station.Snapshot, force bool) {
	voteID := snap.Poll.VoteID
	tallies, err := h.Tallies(ctx, voteID, force)
	if err != nil {
		h.logger.Warn().Err(err).Str("vote_id", voteID).Msg("tally read failed")
		return
	}
	payload := tallySnapshotPayload{
		VoteID:  voteID,
		TS:      station.ToMs(h.now()),
		Tallies: tallies,
		Status:  string(snap.Poll.Status),
	}
	if snap.Poll.Status == station.PollClosed {
		payload.WinnerOption = h.winnerFor(voteID)
	}
	s.emit(EventTallySnapshot, payload)
	s.baseline = tallies
	s.baselineVote = voteID
}

// sendTallyDelta emits per-option deltas against the subscriber's baseline.
// Options with no counter movement emit Δ0 so the client always sees the
// full option set.
func (s *Subscriber) sendTallyDelta(ctx context.Context, h *Hub, snap *station.Snapshot) {
	voteID := snap.Poll.VoteID
	tallies, err := h.Tallies(ctx, voteID, false)
	if err != nil {
		h.logger.Warn().Err(err).Str("vote_id", voteID).Msg("tally read failed")
		return
	}
	if s.baselineVote != voteID {
		s.baseline = tallies
		s.baselineVote = voteID
	}

	delta := make(map[string]int64, len(snap.Poll.Options))
	for _, option := range snap.Poll.Options {
		delta[option] = tallies[option] - s.baseline[option]
	}
	listeners, err := h.Listeners(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("listener count failed")
	}
	s.emit(EventTallyDelta, tallyDeltaPayload{
		VoteID:    voteID,
		TS:        station.ToMs(h.now()),
		Delta:     delta,
		Listeners: listeners,
	})
	s.baseline = tallies
}

func (s *Subscriber) maybeHeartbeat(now time.Time, voteID string, interval time.Duration) {
	// A zero interval disables heartbeats entirely.
	if interval <= 0 || now.Sub(s.lastHeartbeatAt) < interval {
		return
	}
	s.emit(EventHeartbeat, heartbeatPayload{VoteID: voteID, TS: station.ToMs(now)})
	s.lastHeartbeatAt = now
}

func (s *Subscriber) emit(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	s.push(event, frame)
}

func (s *Subscriber) emitRaw(event string, payload []byte) {
	frame := make([]byte, 0, len(event)+len(payload)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, event...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	s.push(event, frame)
}

func (s *Subscriber) push(event string, frame []byte) {
	select {
	case s.outbox <- frame:
		metrics.RecordStreamEvent(event)
	default:
		metrics.StreamDropsTotal.Inc()
		s.cancel()
	}
}
