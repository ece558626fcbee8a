package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coderace",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages published on the bus.",
		},
		[]string{"driver"},
	)
	busDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coderace",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages dropped because a subscriber queue was full.",
		},
		[]string{"driver"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coderace",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Outbound bridge calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coderace",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from publish to settlement of a bridge call.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	rpcHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coderace",
			Subsystem: "rpc",
			Name:      "handled_total",
			Help:      "Requests handled by exposed methods.",
		},
		[]string{"method", "outcome"},
	)
	rpcRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coderace",
			Subsystem: "rpc",
			Name:      "rejected_total",
			Help:      "Inbound requests dropped by validation.",
		},
	)
	ownedRaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coderace",
			Subsystem: "session",
			Name:      "owned",
			Help:      "Races owned by this process.",
		},
	)
	raceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coderace",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Race lifecycle events.",
		},
		[]string{"event"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coderace",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			busPublished, busDropped,
			rpcCalls, rpcCallDuration, rpcHandled, rpcRejected,
			ownedRaces, raceEvents, connections,
		)
	})
}

func RecordPublish(driver string) {
	RegisterMetrics()
	busPublished.WithLabelValues(driver).Inc()
}

func RecordDrop(driver string) {
	RegisterMetrics()
	busDropped.WithLabelValues(driver).Inc()
}

func RecordCall(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, outcome).Inc()
	rpcCallDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func RecordHandled(method, outcome string) {
	RegisterMetrics()
	rpcHandled.WithLabelValues(method, outcome).Inc()
}

func RecordRejected() {
	RegisterMetrics()
	rpcRejected.Inc()
}

func SetOwnedRaces(n int) {
	RegisterMetrics()
	ownedRaces.Set(float64(n))
}

func RecordRaceEvent(event string) {
	RegisterMetrics()
	raceEvents.WithLabelValues(event).Inc()
}

func ConnectionOpened() {
	RegisterMetrics()
	connections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connections.Dec()
}
