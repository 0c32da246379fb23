package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	BookingsCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Total number of bookings created"})
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions by target status"},
		[]string{"status"},
	)
	ClaimAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claim_attempts_total", Help: "Claim attempts by outcome"},
		[]string{"result"},
	)

	CandidateLookups = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidate_lookups_total", Help: "Vehicle candidate rankings served"})

	FleetAdvances = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fleet_advances_total", Help: "Vehicle position updates produced by the simulator"})

	Subscribers   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "subscribers", Help: "Open notification subscriptions"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a subscriber buffer was full"})
	EventsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_exported_total", Help: "Messages handed to the Kafka exporter by outcome"},
		[]string{"kind", "result"},
	)

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
