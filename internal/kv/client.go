// SPDX-License-Identifier: MIT

// Package kv is the fast-state adapter: tally counters, vote dedupe sets,
// heartbeat keys, and the cached playback snapshot, all in Redis. Counter
// and dedupe mutations only happen through server-side scripts.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsefm/pulsefm/internal/config"
	"github.com/pulsefm/pulsefm/internal/station"
)

// Client wraps the Redis connection with typed PulseFM operations.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg config.Redis, logger zerolog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to Redis")
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromRedis wraps an existing connection. Used by tests with miniredis.
func NewFromRedis(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close closes the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Snapshot returns the cached playback snapshot, or nil on a miss. A value
// that fails to decode counts as a miss: the snapshot is a cache and the
// caller rebuilds it.
func (c *Client) Snapshot(ctx context.Context) (*station.Snapshot, error) {
	raw, err := c.rdb.Get(ctx, SnapshotKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap station.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn().Err(err).Msg("snapshot decode failed, treating as miss")
		return nil, nil
	}
	return &snap, nil
}

// SetSnapshot writes the playback snapshot with the given TTL. A zero or
// negative TTL writes without expiry.
func (c *Client) SetSnapshot(ctx context.Context, snap *station.Snapshot, ttl time.Duration) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if ttl <= 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, SnapshotKey(), payload, ttl).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// SnapshotTTL returns the remaining snapshot TTL. Zero means the key has no
// expiry or does not exist.
func (c *Client) SnapshotTTL(ctx context.Context) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, SnapshotKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("snapshot ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// OpenPoll atomically installs the snapshot, a zeroed tally hash, and an
// empty dedupe set for a fresh poll.
func (c *Client) OpenPoll(ctx context.Context, voteID string, snap *station.Snapshot, snapshotTTL, stateTTL time.Duration, options []string) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	argv := make([]any, 0, 3+2*len(options))
	argv = append(argv, string(payload), ttlSeconds(snapshotTTL), ttlSeconds(stateTTL))
	for _, option := range options {
		argv = append(argv, option, "0")
	}
	keys := []string{SnapshotKey(), TallyKey(voteID), VotedKey(voteID)}
	if err := pollOpenScript.Run(ctx, c.rdb, keys, argv...).Err(); err != nil {
		return fmt.Errorf("poll open script: %w", err)
	}
	return nil
}

// RecordVote admits one vote atomically. It reports false when the session
// has already voted in this poll; the tally is untouched in that case.
func (c *Client) RecordVote(ctx context.Context, voteID, sessionID, option string) (bool, error) {
	keys := []string{VotedKey(voteID), TallyKey(voteID)}
	n, err := voteScript.Run(ctx, c.rdb, keys, sessionID, option).Int()
	if err != nil {
		return false, fmt.Errorf("vote script: %w", err)
	}
	return n == 1, nil
}

// HasOption reports whether option is a declared field of the poll's tally
// hash. Vote validation runs this before the vote script.
func (c *Client) HasOption(ctx context.Context, voteID, option string) (bool, error) {
	ok, err := c.rdb.HExists(ctx, TallyKey(voteID), option).Result()
	if err != nil {
		return false, fmt.Errorf("check option: %w", err)
	}
	return ok, nil
}

// Tallies reads the full tally hash for a poll. Unparseable counter values
// read as zero.
func (c *Client) Tallies(ctx context.Context, voteID string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, TallyKey(voteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read tallies: %w", err)
	}
	tallies := make(map[string]int64, len(raw))
	for option, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			n = 0
		}
		tallies[option] = n
	}
	return tallies, nil
}

// VotedCount returns the dedupe-set cardinality for a poll.
func (c *Client) VotedCount(ctx context.Context, voteID string) (int64, error) {
	n, err := c.rdb.SCard(ctx, VotedKey(voteID)).Result()
	if err != nil {
		return 0, fmt.Errorf("voted count: %w", err)
	}
	return n, nil
}

// Heartbeat refreshes one session's liveness keys.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) error {
	keys := []string{SessionKey(sessionID), ActiveKey()}
	if err := heartbeatScript.Run(ctx, c.rdb, keys, ttlSeconds(ttl)).Err(); err != nil {
		return fmt.Errorf("heartbeat script: %w", err)
	}
	return nil
}

// CountActiveSessions approximates the listener count by scanning live
// session keys. The count is intentionally approximate: SCAN pages are not
// a point-in-time view and keys expire mid-scan.
func (c *Client) CountActiveSessions(ctx context.Context) (int64, error) {
	active, err := c.rdb.Exists(ctx, ActiveKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("check active flag: %w", err)
	}
	if active == 0 {
		return 0, nil
	}

	var count int64
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, sessionScanPattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan sessions: %w", err)
		}
		count += int64(len(keys))
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// ttlSeconds converts a duration to whole Redis EX seconds, floor 1.
func ttlSeconds(ttl time.Duration) int64 {
	sec := int64(ttl / time.Second)
	if sec < 1 {
		return 1
	}
	return sec
}
