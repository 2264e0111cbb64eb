// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/netutil"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/ratelimit"
)

// VoteDeps are the collaborators of the vote service's router.
type VoteDeps struct {
	Voter   *poll.Voter
	KV      *kv.Client
	Limiter *ratelimit.Limiter

	// HeartbeatTTL is how long a session counts as an active listener
	// after its last heartbeat. Zero falls back to 30 seconds.
	HeartbeatTTL time.Duration

	Logger zerolog.Logger
}

// NewVoteRouter builds the voted HTTP surface.
func NewVoteRouter(cfg StackConfig, deps VoteDeps) *chi.Mux {
	r := NewRouter(cfg)

	r.Get("/health", healthHandler(deps.KV.HealthCheck))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/vote", deps.handleVote)
	r.Post("/heartbeat", deps.handleHeartbeat)
	return r
}

func (d VoteDeps) handleVote(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		writeBadRequest(w, "X-Session-Id header required")
		return
	}
	if d.Limiter != nil && !d.Limiter.Allow(netutil.ClientIP(r), sessionID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var req struct {
		VoteID string `json:"voteId"`
		Option string `json:"option"`
	}
	if err := decodeJSON(r, &req); err != nil || req.VoteID == "" || req.Option == "" {
		writeBadRequest(w, "body must be {\"voteId\": id, \"option\": name}")
		return
	}

	status, err := d.Voter.Vote(r.Context(), req.VoteID, sessionID, req.Option)
	if err != nil {
		d.Logger.Error().Err(err).Str("vote_id", req.VoteID).Msg("vote admission failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, voteStatusCode(status), map[string]string{"status": string(status)})
}

// voteStatusCode maps an admission result to its HTTP status: rejected
// submissions are conflicts, unknown options are caller errors.
func voteStatusCode(status poll.VoteStatus) int {
	switch status {
	case poll.VoteOK:
		return http.StatusOK
	case poll.VoteInvalidOption:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

func (d VoteDeps) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		writeBadRequest(w, "X-Session-Id header required")
		return
	}
	ttl := d.HeartbeatTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if err := d.KV.Heartbeat(r.Context(), sessionID, ttl); err != nil {
		d.Logger.Error().Err(err).Msg("heartbeat write failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
