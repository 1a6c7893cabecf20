// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sensebridge",
		Name:      "connector_state",
		Help:      "Current lifecycle state of the source (0=disconnected .. 6=closed)",
	}, []string{"source"})

	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensebridge",
		Name:      "connector_connect_attempts_total",
		Help:      "Total upstream connect attempts by outcome",
	}, []string{"source", "outcome"})

	envelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensebridge",
		Name:      "connector_envelopes_sent_total",
		Help:      "Total messages sent to the control plane by kind",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensebridge",
		Name:      "connector_events_dropped_total",
		Help:      "Total vendor events or requests dropped by reason",
	}, []string{"reason"})

	requestsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sensebridge",
		Name:      "connector_requests_total",
		Help:      "Total publish and query requests by outcome",
	}, []string{"type", "outcome"})
)
