// SPDX-License-Identifier: MIT

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/pulsefm/pulsefm/internal/metrics"
	"github.com/pulsefm/pulsefm/internal/netutil"
)

// Queue schedules a delayed task. Enqueue returns once the task is
// accepted; delivery happens later.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

const (
	maxAttempts     = 5
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	dedupeRetention = 2 * time.Hour
	deliveryTimeout = 30 * time.Second
	dispatchRate    = 50
	dispatchBurst   = 100
)

// Dispatcher is an in-process delayed task queue. Each accepted task sleeps
// out its delay on its own goroutine, then POSTs to the configured base URL.
// Ids seen within the retention window are dropped as duplicates, which
// makes enqueue idempotent across rotation retries.
type Dispatcher struct {
	base    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher validates the target base URL and starts an idle dispatcher.
func NewDispatcher(baseURL, token string, logger zerolog.Logger) (*Dispatcher, error) {
	base, err := netutil.ValidateOutboundURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("task target: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		client: &http.Client{
			Timeout:   deliveryTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(dispatchRate), dispatchBurst),
		logger:  logger,
		seen:    make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Enqueue implements Queue. Duplicate ids within the retention window are
// dropped silently.
func (d *Dispatcher) Enqueue(_ context.Context, task Task) error {
	if task.ID == "" || task.Path == "" {
		return fmt.Errorf("task needs id and path, got id=%q path=%q", task.ID, task.Path)
	}

	d.mu.Lock()
	d.prune()
	if _, dup := d.seen[task.ID]; dup {
		d.mu.Unlock()
		d.logger.Debug().Str("task_id", task.ID).Msg("duplicate task dropped")
		metrics.RecordTaskEnqueue(task.Kind, "duplicate")
		return nil
	}
	d.seen[task.ID] = time.Now()
	d.mu.Unlock()

	metrics.RecordTaskEnqueue(task.Kind, "scheduled")
	d.logger.Info().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Dur("delay", task.Delay).
		Msg("task scheduled")

	d.wg.Add(1)
	go d.run(task)
	return nil
}

// Close stops accepting fires and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(task Task) {
	defer d.wg.Done()

	timer := time.NewTimer(task.Delay)
	defer timer.Stop()
	select {
	case <-d.ctx.Done():
		return
	case <-timer.C:
	}

	if err := d.deliver(task); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("task delivery failed")
		metrics.RecordTaskDelivery(task.Kind, "failed")
		return
	}
	metrics.RecordTaskDelivery(task.Kind, "ok")
}

func (d *Dispatcher) deliver(task Task) error {
	body, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return err
		}
		retry, err := d.post(task, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		d.logger.Warn().Err(err).
			Str("task_id", task.ID).
			Int("attempt", attempt).
			Msg("task delivery attempt failed")

		timer := time.NewTimer(backoff)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return d.ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

// post performs one delivery attempt. retry reports whether the failure is
// worth another attempt: transport errors and 5xx are, 4xx are not.
func (d *Dispatcher) post(task Task, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, d.base+task.Path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Id", task.ID)
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("post %s: %w", task.Path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("post %s: status %d", task.Path, resp.StatusCode)
	default:
		return false, fmt.Errorf("post %s: status %d", task.Path, resp.StatusCode)
	}
}

// prune drops dedupe entries past retention. Caller holds d.mu.
func (d *Dispatcher) prune() {
	cutoff := time.Now().Add(-dedupeRetention)
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}
