// SPDX-License-Identifier: MIT

package config

import (
	"strings"
	"testing"
	"time"
)

func TestRotationValidate(t *testing.T) {
	valid := Rotation{
		StorePath:      "/tmp/pulsefm",
		SelfURL:        "http://127.0.0.1:8080",
		OptionsPerPoll: 4,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Rotation)
		wantErr string
	}{
		{
			name:    "missing store path",
			mutate:  func(c *Rotation) { c.StorePath = "" },
			wantErr: "store path",
		},
		{
			name:    "missing self URL",
			mutate:  func(c *Rotation) { c.SelfURL = "" },
			wantErr: "self URL",
		},
		{
			name:    "too few options per poll",
			mutate:  func(c *Rotation) { c.OptionsPerPoll = 1 },
			wantErr: "at least 2",
		},
		{
			name:    "override list smaller than poll size",
			mutate:  func(c *Rotation) { c.VoteOptions = []string{"a", "b"} },
			wantErr: "fewer than",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestStreamValidate(t *testing.T) {
	valid := Stream{
		LoopInterval:  50 * time.Millisecond,
		DeltaInterval: 500 * time.Millisecond,
		OutboxSize:    10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := valid
	bad.DeltaInterval = 10 * time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Error("delta below loop interval must be rejected")
	}

	bad = valid
	bad.OutboxSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero outbox size must be rejected")
	}
}

func TestVoteValidate(t *testing.T) {
	valid := Vote{
		HeartbeatTTL: 30 * time.Second,
		SessionRate:  5,
		SessionBurst: 10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := valid
	bad.HeartbeatTTL = 100 * time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Error("sub-second heartbeat TTL must be rejected")
	}
}

func TestRotationFromEnv(t *testing.T) {
	t.Setenv("PULSEFM_STORE_PATH", "/var/lib/pulsefm")
	t.Setenv("PULSEFM_OPTIONS_PER_POLL", "6")
	t.Setenv("PULSEFM_VOTE_OPTIONS", "dreamy,driving,upbeat,mellow,retro,cosmic")

	cfg := RotationFromEnv()
	if cfg.StorePath != "/var/lib/pulsefm" {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.OptionsPerPoll != 6 {
		t.Errorf("OptionsPerPoll = %d, want 6", cfg.OptionsPerPoll)
	}
	if len(cfg.VoteOptions) != 6 {
		t.Errorf("VoteOptions = %v, want 6 entries", cfg.VoteOptions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("env-derived config invalid: %v", err)
	}
}
