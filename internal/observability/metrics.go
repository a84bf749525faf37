package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_tracking"

var (
	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total rides created"})
	RideTransitions   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	RideTransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transition_rejections_total", Help: "Ride transitions rejected by a guard"},
		[]string{"op", "reason"},
	)
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Settlement invocations and results"},
		[]string{"stage", "outcome"},
	)

	DriversOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "subscriptions_active", Help: "Active ride tracking subscriptions"})
	PositionUpdates     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "position_updates_total", Help: "Accepted driver position events"})
	PositionFanout      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "position_fanout_total", Help: "Position updates handed to rider connections"})
	RelaySendFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_send_failures_total", Help: "Relay sends that tore down a subscription"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
