// SPDX-License-Identifier: MIT

package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pulsefm/pulsefm/internal/netutil"
)

// Envelope is the push delivery wrapper: the event JSON travels base64
// encoded in Message.Data. Decoders also accept bare event JSON so services
// can be exercised directly with curl.
type Envelope struct {
	Message      EnvelopeMessage `json:"message"`
	Subscription string          `json:"subscription,omitempty"`
}

// EnvelopeMessage is the inner push message.
type EnvelopeMessage struct {
	Data        []byte `json:"data"`
	MessageID   string `json:"messageId"`
	PublishTime string `json:"publishTime"`
}

// DecodePush extracts the event JSON from a push request body. Bodies that
// are not envelopes are returned as-is.
func DecodePush(body []byte) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Message.Data) > 0 {
		return json.RawMessage(env.Message.Data), nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("push body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

// HTTPPublisher pushes event envelopes to one subscriber URL per topic.
// Topics without a configured URL are skipped silently; a deployment wires
// only the topics its consumers subscribe to.
type HTTPPublisher struct {
	targets map[string]string
	client  *http.Client
	token   string
	logger  zerolog.Logger
}

// NewHTTPPublisher validates the configured per-topic target URLs. Empty
// URLs are allowed and disable their topic.
func NewHTTPPublisher(targets map[string]string, token string, logger zerolog.Logger) (*HTTPPublisher, error) {
	validated := make(map[string]string, len(targets))
	for topic, raw := range targets {
		if raw == "" {
			continue
		}
		u, err := netutil.ValidateOutboundURL(raw)
		if err != nil {
			return nil, fmt.Errorf("push target for topic %s: %w", topic, err)
		}
		validated[topic] = u
	}
	return &HTTPPublisher{
		targets: validated,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token:  token,
		logger: logger,
	}, nil
}

// Publish implements Publisher.
func (p *HTTPPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	target, ok := p.targets[topic]
	if !ok {
		p.logger.Debug().Str("topic", topic).Msg("no push target for topic, dropping event")
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event for topic %s: %w", topic, err)
	}
	env := Envelope{
		Message: EnvelopeMessage{
			Data:        data,
			MessageID:   uuid.NewString(),
			PublishTime: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", topic, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push to %s: subscriber returned %d", topic, resp.StatusCode)
	}
	return nil
}
