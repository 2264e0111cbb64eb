// SPDX-License-Identifier: MIT

package stream

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pulsefm/pulsefm/internal/bus"
)

const maxPushBody = 1 << 20

// HandleStateRequest serves GET /state: the snapshot enriched with tallies
// and the listener count.
func (h *Hub) HandleStateRequest(w http.ResponseWriter, r *http.Request) {
	state, err := h.State(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("state read failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "state unavailable"})
		return
	}
	if state == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no playback state"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleTallyPush serves POST /events/tally.
func (h *Hub) HandleTallyPush(w http.ResponseWriter, r *http.Request) {
	var event bus.TallyEvent
	if !h.decodePush(w, r, &event) {
		return
	}
	h.HandleTallyEvent(event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleVotePush serves POST /events/vote.
func (h *Hub) HandleVotePush(w http.ResponseWriter, r *http.Request) {
	var event bus.VoteEvent
	if !h.decodePush(w, r, &event) {
		return
	}
	h.HandleVoteEvent(event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePlaybackPush serves POST /events/playback.
func (h *Hub) HandlePlaybackPush(w http.ResponseWriter, r *http.Request) {
	var event bus.PlaybackEvent
	if !h.decodePush(w, r, &event) {
		return
	}
	h.HandlePlaybackEvent(event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodePush unwraps a push envelope (or bare event JSON) into out. It
// answers the request itself on failure.
func (h *Hub) decodePush(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return false
	}
	raw, err := bus.DecodePush(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid push body"})
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event payload"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
