// SPDX-License-Identifier: MIT

// Package ratelimit throttles vote traffic. Two layers: a per-IP limiter
// against flooding proxies and a per-session limiter against scripted
// voters. Both are token buckets; keys clear on a periodic sweep.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var limitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pulsefm",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections, by limit type.",
	},
	[]string{"limit_type"},
)

// Config holds the vote rate limits.
type Config struct {
	PerIPRate    rate.Limit
	PerIPBurst   int
	SessionRate  rate.Limit
	SessionBurst int

	// CleanupInterval sweeps idle limiter entries.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults: two votes a second per IP
// with headroom for shared NATs, five a second per session.
func DefaultConfig() Config {
	return Config{
		PerIPRate:       2,
		PerIPBurst:      10,
		SessionRate:     5,
		SessionBurst:    10,
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter tracks per-key token buckets.
type Limiter struct {
	config Config

	mu          sync.Mutex
	perIP       map[string]*rate.Limiter
	perSession  map[string]*rate.Limiter
	lastCleanup time.Time
}

// New creates a limiter with the given config.
func New(config Config) *Limiter {
	return &Limiter{
		config:      config,
		perIP:       make(map[string]*rate.Limiter),
		perSession:  make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether a request from clientIP with sessionID may proceed.
// An empty sessionID only runs the IP check; the handler rejects the
// missing header separately.
func (l *Limiter) Allow(clientIP, sessionID string) bool {
	if !l.bucket(l.perIP, clientIP, l.config.PerIPRate, l.config.PerIPBurst).Allow() {
		limitExceeded.WithLabelValues("per_ip").Inc()
		return false
	}
	if sessionID != "" {
		if !l.bucket(l.perSession, sessionID, l.config.SessionRate, l.config.SessionBurst).Allow() {
			limitExceeded.WithLabelValues("per_session").Inc()
			return false
		}
	}
	l.maybeCleanup()
	return true
}

func (l *Limiter) bucket(buckets map[string]*rate.Limiter, key string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := buckets[key]
	if !exists {
		limiter = rate.NewLimiter(r, burst)
		buckets[key] = limiter
	}
	return limiter
}

// maybeCleanup drops every tracked bucket once per interval. Dropping a hot
// key only refills its burst once, which is acceptable noise.
func (l *Limiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	l.perIP = make(map[string]*rate.Limiter)
	l.perSession = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}
