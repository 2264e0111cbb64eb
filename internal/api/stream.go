// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/stream"
)

// StreamDeps are the collaborators of the stream service's router.
type StreamDeps struct {
	Hub *stream.Hub
	KV  *kv.Client

	// PushToken guards the event intake endpoints. Empty disables the check.
	PushToken string
}

// NewStreamRouter builds the streamd HTTP surface.
func NewStreamRouter(cfg StackConfig, deps StreamDeps) *chi.Mux {
	r := NewRouter(cfg)

	r.Get("/health", healthHandler(deps.KV.HealthCheck))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/stream", deps.Hub.ServeStream)
	r.Get("/state", deps.Hub.HandleStateRequest)

	r.Group(func(r chi.Router) {
		r.Use(requireBearer(deps.PushToken))
		r.Post("/events/tally", deps.Hub.HandleTallyPush)
		r.Post("/events/vote", deps.Hub.HandleVotePush)
		r.Post("/events/playback", deps.Hub.HandlePlaybackPush)
	})
	return r
}
