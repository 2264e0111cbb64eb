// SPDX-License-Identifier: MIT

// streamd fans the station state out to listeners over server-sent events.
// It consumes the control-plane event pushes and serves /stream and /state.
package main

import (
	"os"

	"github.com/pulsefm/pulsefm/internal/api"
	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/log"
	"github.com/pulsefm/pulsefm/internal/server"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/stream"
	"github.com/pulsefm/pulsefm/internal/version"
)

func main() {
	log.Configure(log.Config{Service: "streamd", Version: version.Version})
	logger := log.WithComponent("main")

	cfg := config.StreamFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx := server.WaitForShutdown()

	kvc, err := kv.New(cfg.Redis, log.WithComponent("kv"))
	if err != nil {
		logger.Error().Err(err).Msg("connect redis")
		os.Exit(1)
	}
	defer func() { _ = kvc.Close() }()

	rebuild, err := snapshot.NewHTTPSource(cfg.RebuildURL)
	if err != nil {
		logger.Error().Err(err).Str("url", cfg.RebuildURL).Msg("configure snapshot source")
		os.Exit(1)
	}
	source := snapshot.NewKVFirstSource(kvc, rebuild, log.WithComponent("snapshot"))

	hub := stream.NewHub(cfg, kvc, source, log.WithComponent("hub"))
	router := api.NewStreamRouter(api.StackConfig{TracingService: "streamd"}, api.StreamDeps{
		Hub:       hub,
		KV:        kvc,
		PushToken: cfg.PushToken,
	})

	srv := server.New("streamd", cfg.Server, router, logger)
	srv.InitTelemetry(ctx)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}
