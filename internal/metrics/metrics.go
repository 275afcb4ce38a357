package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caseflow",
			Name:      "jobs_processed_total",
			Help:      "Job attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	jobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caseflow",
			Name:      "job_retries_total",
			Help:      "Transient failures scheduled for another attempt.",
		},
		[]string{"kind"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caseflow",
			Name:      "events_published_total",
			Help:      "Fan-out envelopes published by event type.",
		},
		[]string{"type"},
	)

	socketsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "caseflow",
			Name:      "gateway_sockets_open",
			Help:      "Currently connected realtime clients.",
		},
	)

	heartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "caseflow",
			Name:      "mailbox_heartbeat_failures_total",
			Help:      "Mailbox heartbeats that failed or timed out.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(jobsProcessed, jobRetries, eventsPublished, socketsOpen, heartbeatFailures)
	})
}

func IncJob(kind, outcome string)  { jobsProcessed.WithLabelValues(kind, outcome).Inc() }
func IncRetry(kind string)         { jobRetries.WithLabelValues(kind).Inc() }
func IncEvent(eventType string)    { eventsPublished.WithLabelValues(eventType).Inc() }
func SocketOpened()                { socketsOpen.Inc() }
func SocketClosed()                { socketsOpen.Dec() }
func IncHeartbeatFailure()         { heartbeatFailures.Inc() }
