// SPDX-License-Identifier: MIT

// Package metrics provides the Prometheus collectors for the PulseFM
// control plane. Labels stay low-cardinality: actions, reasons, event
// kinds, never voteIds or sessionIds.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rotation.

	// RotationTickTotal counts tick outcomes.
	RotationTickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_rotation_tick_total",
		Help: "Total rotation tick requests, by outcome (ok, noop, error).",
	}, []string{"outcome"})

	// RotationDuration observes committed rotation transaction latency.
	RotationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsefm_rotation_duration_seconds",
		Help:    "Latency of committed rotation cycles.",
		Buckets: prometheus.DefBuckets,
	})

	// RotationStubbedTotal counts rotations that fell back to the stubbed song.
	RotationStubbedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsefm_rotation_stubbed_total",
		Help: "Total rotations that selected the stubbed fallback song.",
	})

	// Polls.

	// PollOpenTotal counts polls opened.
	PollOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsefm_poll_open_total",
		Help: "Total polls opened.",
	})

	// PollCloseTotal counts poll close attempts by action (closed, noop).
	PollCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_poll_close_total",
		Help: "Total poll close attempts, by action.",
	}, []string{"action"})

	// VoteTotal counts vote admissions by status.
	VoteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_vote_total",
		Help: "Total vote submissions, by admission status.",
	}, []string{"status"})

	// Stream.

	// StreamSubscribers tracks currently connected SSE subscribers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsefm_stream_subscribers",
		Help: "Currently connected SSE subscribers.",
	})

	// StreamEventsTotal counts emitted SSE frames by event name.
	StreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_stream_events_total",
		Help: "Total SSE frames emitted, by event name.",
	}, []string{"event"})

	// StreamDropsTotal counts subscribers dropped on outbox overflow.
	StreamDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsefm_stream_drops_total",
		Help: "Total subscribers dropped because their outbox overflowed.",
	})

	// Tasks and events.

	// TaskEnqueueTotal counts scheduled tasks by kind and result.
	TaskEnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_task_enqueue_total",
		Help: "Total delayed task enqueues, by kind and result (scheduled, duplicate).",
	}, []string{"kind", "result"})

	// TaskDeliveryTotal counts task deliveries by kind and outcome.
	TaskDeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_task_delivery_total",
		Help: "Total task delivery attempts that reached a final state, by kind and outcome (ok, failed).",
	}, []string{"kind", "outcome"})

	// BusPublishTotal counts event publications by topic and outcome.
	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsefm_bus_publish_total",
		Help: "Total event bus publications, by topic and outcome (ok, error).",
	}, []string{"topic", "outcome"})
)

// RecordTick records one tick outcome.
func RecordTick(outcome string) {
	RotationTickTotal.WithLabelValues(outcome).Inc()
}

// RecordVote records one vote admission status.
func RecordVote(status string) {
	VoteTotal.WithLabelValues(status).Inc()
}

// RecordPollClose records one close attempt.
func RecordPollClose(action string) {
	PollCloseTotal.WithLabelValues(action).Inc()
}

// RecordStreamEvent records one emitted SSE frame.
func RecordStreamEvent(event string) {
	StreamEventsTotal.WithLabelValues(event).Inc()
}

// RecordTaskEnqueue records one enqueue result.
func RecordTaskEnqueue(kind, result string) {
	TaskEnqueueTotal.WithLabelValues(kind, result).Inc()
}

// RecordTaskDelivery records one final task delivery outcome.
func RecordTaskDelivery(kind, outcome string) {
	TaskDeliveryTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordBusPublish records one bus publication outcome.
func RecordBusPublish(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BusPublishTotal.WithLabelValues(topic, outcome).Inc()
}
