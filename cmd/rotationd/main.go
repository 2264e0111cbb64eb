// SPDX-License-Identifier: MIT

// rotationd runs the station clock: it advances the rotation, opens and
// closes polls, and schedules its own successor ticks.
package main

import (
	"errors"
	"os"

	"github.com/pulsefm/pulsefm/internal/api"
	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/descriptor"
	"github.com/pulsefm/pulsefm/internal/history"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/log"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/rotation"
	"github.com/pulsefm/pulsefm/internal/server"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/store"
	"github.com/pulsefm/pulsefm/internal/tasks"
	"github.com/pulsefm/pulsefm/internal/version"
)

func main() {
	log.Configure(log.Config{Service: "rotationd", Version: version.Version})
	logger := log.WithComponent("main")

	cfg := config.RotationFromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx := server.WaitForShutdown()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.StorePath).Msg("open store")
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	kvc, err := kv.New(cfg.Redis, log.WithComponent("kv"))
	if err != nil {
		logger.Error().Err(err).Msg("connect redis")
		os.Exit(1)
	}
	defer func() { _ = kvc.Close() }()

	pub, err := bus.NewHTTPPublisher(map[string]string{
		bus.TopicPlayback:   cfg.PushPlaybackURL,
		bus.TopicVoteEvents: cfg.PushVoteURL,
	}, cfg.TaskToken, log.WithComponent("bus"))
	if err != nil {
		logger.Error().Err(err).Msg("configure event publisher")
		os.Exit(1)
	}

	recorder, err := history.Open(cfg.HistoryPath, log.WithComponent("history"))
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.HistoryPath).Msg("open history archive")
		os.Exit(1)
	}
	defer func() { _ = recorder.Close() }()

	sampler := descriptor.NewSampler(cfg.OptionsPerPoll, cfg.VoteOptions)
	if cfg.DescriptorsFile != "" {
		if err := descriptor.Watch(ctx, cfg.DescriptorsFile, sampler, log.WithComponent("descriptor")); err != nil {
			logger.Error().Err(err).Str("path", cfg.DescriptorsFile).Msg("load descriptor catalog")
			os.Exit(1)
		}
	}

	dispatcher, err := tasks.NewDispatcher(cfg.SelfURL, cfg.TaskToken, log.WithComponent("tasks"))
	if err != nil {
		logger.Error().Err(err).Str("url", cfg.SelfURL).Msg("configure task dispatcher")
		os.Exit(1)
	}
	defer dispatcher.Close()

	cache := snapshot.NewCache(kvc, st, log.WithComponent("snapshot"))
	polls := poll.NewEngine(st, kvc, cache, pub, sampler, recorder, log.WithComponent("poll"))
	engine := rotation.NewEngine(st, cache, polls, pub, dispatcher, recorder, log.WithComponent("rotation"))

	// Re-arm the next tick after a restart. An unseeded station just waits
	// for the seed tool.
	if err := engine.ScheduleStartupTick(ctx); err != nil {
		if errors.Is(err, rotation.ErrNotSeeded) {
			logger.Info().Msg("station not seeded yet, waiting")
		} else {
			logger.Error().Err(err).Msg("schedule startup tick")
			os.Exit(1)
		}
	}

	router := api.NewRotationRouter(api.StackConfig{TracingService: "rotationd"}, api.RotationDeps{
		Engine:    engine,
		Polls:     polls,
		Cache:     cache,
		History:   recorder,
		TaskToken: cfg.TaskToken,
		Health:    kvc.HealthCheck,
		Logger:    log.WithComponent("api"),
	})

	srv := server.New("rotationd", cfg.Server, router, logger)
	srv.InitTelemetry(ctx)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}
