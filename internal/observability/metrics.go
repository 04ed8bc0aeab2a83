package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RideRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_total", Help: "Ride requests by final outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from dispatch to accepted",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})
	OffersSent       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers delivered to drivers"})
	SearchExpansions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "search_expansions_total", Help: "Radius expansions"})
	AcceptResults    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_results_total", Help: "Accept attempts by result"},
		[]string{"result"},
	)
	AcceptRollbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_rollbacks_total", Help: "Accepts reverted because the driver bind failed"})
	NotifyFailures  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Gateway deliveries that failed"},
		[]string{"event"},
	)
	DriversOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Registered drivers by status"},
		[]string{"status"},
	)
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_requests", Help: "Requests currently searching"})
	SweepRemoved   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_removed_total", Help: "Entities removed by periodic sweeps"},
		[]string{"kind"},
	)
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Driver location messages by result"},
		[]string{"result"},
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
