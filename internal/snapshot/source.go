// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pulsefm/pulsefm/internal/kv"
	"github.com/pulsefm/pulsefm/internal/netutil"
	"github.com/pulsefm/pulsefm/internal/station"
)

// HTTPSource rebuilds snapshots through the rotation service's snapshot
// endpoint. The durable store is single-process, so services on other hosts
// go through HTTP instead of opening it themselves.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource validates the rotation service base URL.
func NewHTTPSource(baseURL string) (*HTTPSource, error) {
	u, err := netutil.ValidateOutboundURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("rebuild url: %w", err)
	}
	return &HTTPSource{
		url: strings.TrimSuffix(u, "/") + "/snapshot",
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Snapshot implements Source. A 404 means no station has been seeded yet
// and is reported as a miss, not an error.
func (s *HTTPSource) Snapshot(ctx context.Context) (*station.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned %d", resp.StatusCode)
	}
	var snap station.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// KVFirstSource reads the snapshot straight from the key-value store and
// only falls through to the rebuild source when the cached copy is gone.
// The rotation service refreshes the KV copy at every rotation, so the hot
// path needs no HTTP round trip.
type KVFirstSource struct {
	kv       *kv.Client
	fallback Source
	logger   zerolog.Logger
}

// NewKVFirstSource layers the KV snapshot over fallback.
func NewKVFirstSource(kvc *kv.Client, fallback Source, logger zerolog.Logger) *KVFirstSource {
	return &KVFirstSource{kv: kvc, fallback: fallback, logger: logger}
}

// Snapshot implements Source. A KV read failure degrades to the fallback
// rather than failing the caller.
func (s *KVFirstSource) Snapshot(ctx context.Context) (*station.Snapshot, error) {
	snap, err := s.kv.Snapshot(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("kv snapshot read failed, using rebuild source")
	} else if snap != nil {
		return snap, nil
	}
	return s.fallback.Snapshot(ctx)
}
