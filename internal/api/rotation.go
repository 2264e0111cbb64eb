// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/history"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/rotation"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/station"
)

// RotationDeps are the collaborators of the rotation service's router.
type RotationDeps struct {
	Engine  *rotation.Engine
	Polls   *poll.Engine
	Cache   *snapshot.Cache
	History *history.Recorder

	// TaskToken guards the task-driven endpoints. Empty disables the check.
	TaskToken string

	Health func(ctx context.Context) error
	Logger zerolog.Logger
}

// outcomeBody is the wire shape of a control operation result.
type outcomeBody struct {
	OK bool `json:"ok"`
	station.Outcome
}

// NewRotationRouter builds the rotationd HTTP surface.
func NewRotationRouter(cfg StackConfig, deps RotationDeps) *chi.Mux {
	r := NewRouter(cfg)

	r.Get("/health", healthHandler(deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/snapshot", deps.handleSnapshot)
	r.Get("/history", deps.handleHistory)

	r.Group(func(r chi.Router) {
		r.Use(requireBearer(deps.TaskToken))
		r.Post("/tick", deps.handleTick)
		r.Post("/vote/close", deps.handleVoteClose)
		r.Post("/next/refresh", deps.handleNextRefresh)
	})
	return r
}

func (d RotationDeps) handleTick(w http.ResponseWriter, r *http.Request) {
	var req rotation.TickRequest
	if err := decodeJSON(r, &req); err != nil || req.Version < 1 {
		writeBadRequest(w, "body must be {\"version\": n} with n >= 1")
		return
	}

	outcome, err := d.Engine.Tick(r.Context(), req.Version)
	if err != nil {
		d.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeBody{OK: outcome.OK(), Outcome: outcome})
}

func (d RotationDeps) handleVoteClose(w http.ResponseWriter, r *http.Request) {
	var req rotation.CloseRequest
	if err := decodeJSON(r, &req); err != nil || req.VoteID == "" || req.Version < 1 {
		writeBadRequest(w, "body must be {\"voteId\": id, \"version\": n} with n >= 1")
		return
	}

	outcome, err := d.Polls.Close(r.Context(), req.VoteID, req.Version)
	if err != nil {
		d.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeBody{OK: outcome.OK(), Outcome: outcome})
}

func (d RotationDeps) handleNextRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VoteID string `json:"voteId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.VoteID == "" {
		writeBadRequest(w, "body must be {\"voteId\": id}")
		return
	}

	outcome, err := d.Engine.ReplaceNextIfStubbed(r.Context(), req.VoteID)
	if err != nil {
		d.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeBody{OK: outcome.OK(), Outcome: outcome})
}

func (d RotationDeps) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Cache.Get(r.Context())
	if err != nil {
		d.Logger.Error().Err(err).Msg("snapshot read failed")
		writeInternalError(w)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "station not seeded"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d RotationDeps) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	plays, err := d.History.RecentPlays(r.Context(), limit)
	if err != nil {
		d.Logger.Error().Err(err).Msg("history read failed")
		writeInternalError(w)
		return
	}
	if plays == nil {
		plays = []history.Play{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plays": plays})
}

func (d RotationDeps) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rotation.ErrNotSeeded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "station not seeded"})
	case errors.Is(err, rotation.ErrStateCorrupt):
		d.Logger.Error().Err(err).Msg("station state corrupt")
		writeInternalError(w)
	case errors.Is(err, rotation.ErrNoMaterial):
		d.Logger.Error().Err(err).Msg("no playable song available")
		writeInternalError(w)
	default:
		d.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("operation failed")
		writeInternalError(w)
	}
}

// requireBearer guards task endpoints with a shared token. An empty token
// disables the check for local development.
func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthHandler reports service liveness, degrading when the dependency
// probe fails.
func healthHandler(probe func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if probe != nil {
			if err := probe(r.Context()); err != nil {
				writeServiceUnavailable(w, "dependency unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
