// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"
)

// Redis holds connection settings for the key-value store.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// RedisFromEnv reads PULSEFM_REDIS_* variables.
func RedisFromEnv() Redis {
	return Redis{
		Addr:     ParseString("PULSEFM_REDIS_ADDR", "localhost:6379"),
		Password: ParseString("PULSEFM_REDIS_PASSWORD", ""),
		DB:       ParseInt("PULSEFM_REDIS_DB", 0),
	}
}

// Server holds HTTP server settings shared by all services.
type Server struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
}

// ServerFromEnv reads the shared HTTP server settings. A zero write timeout
// keeps long-lived response streams open.
func ServerFromEnv(defaultListen string, defaultWriteTimeout time.Duration) Server {
	return Server{
		Listen:          ParseString("PULSEFM_LISTEN", defaultListen),
		ReadTimeout:     ParseDuration("PULSEFM_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    ParseDuration("PULSEFM_WRITE_TIMEOUT", defaultWriteTimeout),
		IdleTimeout:     ParseDuration("PULSEFM_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: ParseDuration("PULSEFM_SHUTDOWN_TIMEOUT", 20*time.Second),
		MaxHeaderBytes:  ParseInt("PULSEFM_MAX_HEADER_BYTES", 1<<20),
	}
}

// Rotation configures the rotation + poll service.
type Rotation struct {
	Server          Server
	Redis           Redis
	StorePath       string
	SelfURL         string
	TaskToken       string
	PushPlaybackURL string
	PushVoteURL     string
	VoteOptions     []string
	OptionsPerPoll  int
	DescriptorsFile string
	HistoryPath     string
}

// RotationFromEnv reads the rotation service configuration.
func RotationFromEnv() Rotation {
	return Rotation{
		Server:          ServerFromEnv(":8080", 30*time.Second),
		Redis:           RedisFromEnv(),
		StorePath:       ParseString("PULSEFM_STORE_PATH", "./data/pulsefm"),
		SelfURL:         ParseString("PULSEFM_SELF_URL", "http://127.0.0.1:8080"),
		TaskToken:       ParseString("PULSEFM_TASK_TOKEN", ""),
		PushPlaybackURL: ParseString("PULSEFM_PUSH_PLAYBACK_URL", ""),
		PushVoteURL:     ParseString("PULSEFM_PUSH_VOTE_URL", ""),
		VoteOptions:     ParseStringList("PULSEFM_VOTE_OPTIONS", nil),
		OptionsPerPoll:  ParseInt("PULSEFM_OPTIONS_PER_POLL", 4),
		DescriptorsFile: ParseString("PULSEFM_DESCRIPTORS_FILE", ""),
		HistoryPath:     ParseString("PULSEFM_HISTORY_PATH", ""),
	}
}

// Validate checks the rotation configuration for unusable combinations.
func (c Rotation) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.SelfURL == "" {
		return fmt.Errorf("self URL must not be empty")
	}
	if c.OptionsPerPoll < 2 {
		return fmt.Errorf("options per poll must be at least 2, got %d", c.OptionsPerPoll)
	}
	if len(c.VoteOptions) > 0 && len(c.VoteOptions) < c.OptionsPerPoll {
		return fmt.Errorf("configured vote options (%d) fewer than options per poll (%d)",
			len(c.VoteOptions), c.OptionsPerPoll)
	}
	return nil
}

// Stream configures the SSE fan-out service.
type Stream struct {
	Server            Server
	Redis             Redis
	RebuildURL        string
	PushToken         string
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration
	DeltaInterval     time.Duration
	LoopInterval      time.Duration
	TallyStaleness    time.Duration
	ListenerStaleness time.Duration
	OutboxSize        int
}

// StreamFromEnv reads the stream service configuration. The write timeout
// defaults to zero because SSE responses stay open indefinitely.
func StreamFromEnv() Stream {
	return Stream{
		Server:            ServerFromEnv(":8081", 0),
		Redis:             RedisFromEnv(),
		RebuildURL:        ParseString("PULSEFM_REBUILD_URL", "http://127.0.0.1:8080"),
		PushToken:         ParseString("PULSEFM_PUSH_TOKEN", ""),
		HeartbeatInterval: ParseDuration("PULSEFM_STREAM_HEARTBEAT", 15*time.Second),
		SnapshotInterval:  ParseDuration("PULSEFM_STREAM_SNAPSHOT", 10*time.Second),
		DeltaInterval:     ParseDuration("PULSEFM_STREAM_DELTA", 500*time.Millisecond),
		LoopInterval:      ParseDuration("PULSEFM_STREAM_LOOP", 50*time.Millisecond),
		TallyStaleness:    ParseDuration("PULSEFM_TALLY_STALENESS", 500*time.Millisecond),
		ListenerStaleness: ParseDuration("PULSEFM_LISTENER_STALENESS", time.Second),
		OutboxSize:        ParseInt("PULSEFM_OUTBOX_SIZE", 10),
	}
}

// Validate checks the stream configuration.
func (c Stream) Validate() error {
	if c.LoopInterval <= 0 {
		return fmt.Errorf("loop interval must be positive, got %s", c.LoopInterval)
	}
	if c.DeltaInterval < c.LoopInterval {
		return fmt.Errorf("delta interval %s must not be below loop interval %s",
			c.DeltaInterval, c.LoopInterval)
	}
	if c.OutboxSize < 1 {
		return fmt.Errorf("outbox size must be at least 1, got %d", c.OutboxSize)
	}
	return nil
}

// Vote configures the vote admission service.
type Vote struct {
	Server       Server
	Redis        Redis
	RebuildURL   string
	PushTallyURL string
	HeartbeatTTL time.Duration
	PerIPRate    int
	SessionRate  float64
	SessionBurst int
}

// VoteFromEnv reads the vote service configuration.
func VoteFromEnv() Vote {
	return Vote{
		Server:       ServerFromEnv(":8082", 15*time.Second),
		Redis:        RedisFromEnv(),
		RebuildURL:   ParseString("PULSEFM_REBUILD_URL", "http://127.0.0.1:8080"),
		PushTallyURL: ParseString("PULSEFM_PUSH_TALLY_URL", ""),
		HeartbeatTTL: ParseDuration("PULSEFM_HEARTBEAT_TTL", 30*time.Second),
		PerIPRate:    ParseInt("PULSEFM_VOTE_IP_RPM", 120),
		SessionRate:  float64(ParseInt("PULSEFM_VOTE_SESSION_RPS", 5)),
		SessionBurst: ParseInt("PULSEFM_VOTE_SESSION_BURST", 10),
	}
}

// Validate checks the vote configuration.
func (c Vote) Validate() error {
	if c.HeartbeatTTL < time.Second {
		return fmt.Errorf("heartbeat TTL must be at least 1s, got %s", c.HeartbeatTTL)
	}
	if c.SessionRate <= 0 || c.SessionBurst < 1 {
		return fmt.Errorf("session rate limit misconfigured: rate=%v burst=%d",
			c.SessionRate, c.SessionBurst)
	}
	return nil
}
