// SPDX-License-Identifier: MIT

// voted admits listener votes and heartbeats. It holds no durable state:
// poll lifecycle questions go to the shared snapshot, counting happens in
// the key-value store.
package main

import (
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsefm/pulsefm/internal/api"
	"github.com/pulsefm/pulsefm/internal/bus"
	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/log"
	"github.com/pulsefm/pulsefm/internal/poll"
	"github.com/pulsefm/pulsefm/internal/ratelimit"
	"github.com/pulsefm/pulsefm/internal/server"
	"github.com/pulsefm/pulsefm/internal/snapshot"
	"github.com/pulsefm/pulsefm/internal/version"
)

func main() {
	log.Configure(log.Config{Service: "voted", Version: version.Version})
	logger := log.WithComponent("main")

	cfg := config.VoteFromEnv()
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

	pub, err := bus.NewHTTPPublisher(map[string]string{
		bus.TopicTally: cfg.PushTallyURL,
	}, "", log.WithComponent("bus"))
	if err != nil {
		logger.Error().Err(err).Msg("configure event publisher")
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerIPRate:       rate.Limit(float64(cfg.PerIPRate) / 60.0),
		PerIPBurst:      10,
		SessionRate:     rate.Limit(cfg.SessionRate),
		SessionBurst:    cfg.SessionBurst,
		CleanupInterval: 5 * time.Minute,
	})

	voter := poll.NewVoter(kvc, source, pub, log.WithComponent("voter"))
	router := api.NewVoteRouter(api.StackConfig{TracingService: "voted"}, api.VoteDeps{
		Voter:        voter,
		KV:           kvc,
		Limiter:      limiter,
		HeartbeatTTL: cfg.HeartbeatTTL,
		Logger:       log.WithComponent("api"),
	})

	srv := server.New("voted", cfg.Server, router, logger)
	srv.InitTelemetry(ctx)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}
