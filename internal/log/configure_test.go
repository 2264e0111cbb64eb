// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

// Configure is sync.Once-global, so a single test configures the buffer and
// the remaining assertions run against it.
func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "testsvc", Version: "v0.0.0-test"})

	t.Run("base carries service and version", func(t *testing.T) {
		buf.Reset()
		base := Base()
		base.Info().Msg("hello")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("log output is not JSON: %v", err)
		}
		if entry["service"] != "testsvc" {
			t.Errorf("service = %v, want testsvc", entry["service"])
		}
		if entry["version"] != "v0.0.0-test" {
			t.Errorf("version = %v, want v0.0.0-test", entry["version"])
		}
		if entry["message"] != "hello" {
			t.Errorf("message = %v, want hello", entry["message"])
		}
	})

	t.Run("component field", func(t *testing.T) {
		buf.Reset()
		cl := WithComponent("rotation")
		cl.Info().Msg("tick")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("log output is not JSON: %v", err)
		}
		if entry[FieldComponent] != "rotation" {
			t.Errorf("component = %v, want rotation", entry[FieldComponent])
		}
	})

	t.Run("derive builder", func(t *testing.T) {
		buf.Reset()
		l := Derive(func(ctx *zerolog.Context) {
			*ctx = ctx.Str(FieldVoteID, "abc")
		})
		l.Info().Msg("derived")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("log output is not JSON: %v", err)
		}
		if entry[FieldVoteID] != "abc" {
			t.Errorf("vote_id = %v, want abc", entry[FieldVoteID])
		}
	})
}
