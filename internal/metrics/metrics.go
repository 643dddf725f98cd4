package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_events_triggered_total",
			Help: "Total number of events triggered, by outcome.",
		},
		[]string{"outcome"}, // dispatched, dropped, lookup_failed
	)

	PipelinesStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbordispatch_pipelines_started_total",
			Help: "Total number of delivery pipelines started.",
		},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_attempts_total",
			Help: "Total number of delivery attempts by status.",
		},
		[]string{"status"}, // success, failed
	)

	AttemptLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harbordispatch_attempt_latency_seconds",
			Help:    "Latency of single delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_4xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbordispatch_exhausted_total",
			Help: "Total number of deliveries that used every attempt without success.",
		},
		[]string{"reason"},
	)

	PipelinesInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbordispatch_pipelines_inflight",
			Help: "Delivery pipelines currently running or waiting to retry.",
		},
	)

	EventsBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbordispatch_events_backlog",
			Help: "Depth of the inbound NSQ events topic.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTriggeredTotal,
		PipelinesStartedTotal,
		AttemptsTotal,
		AttemptLatency,
		RetriesTotal,
		ExhaustedTotal,
		PipelinesInflight,
		EventsBacklog,
	)
}

// Outcomes of a triggered event
const (
	EventDispatched   = "dispatched"
	EventDropped      = "dropped"
	EventLookupFailed = "lookup_failed"
)

func RecordEventTriggered(outcome string) {
	EventsTriggeredTotal.WithLabelValues(outcome).Inc()
}

func RecordPipelineStarted() {
	PipelinesStartedTotal.Inc()
	PipelinesInflight.Inc()
}

func RecordPipelineFinished() {
	PipelinesInflight.Dec()
}

// RecordAttempt counts one HTTP attempt and observes its latency
func RecordAttempt(success bool, d time.Duration) {
	status := "failed"
	if success {
		status = "success"
	}
	AttemptsTotal.WithLabelValues(status).Inc()
	AttemptLatency.Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordExhausted(reason string) {
	ExhaustedTotal.WithLabelValues(reason).Inc()
}

func UpdateEventsBacklog(depth int64) {
	EventsBacklog.Set(float64(depth))
}
