// Package metrics holds the prometheus collectors shared by every tier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const MetricPrefix = "simulator_"

// ProtocolMetrics instruments message traffic on connections between tiers.
type ProtocolMetrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter
	PendingRequests  prometheus.Gauge
	RequestLatency   *prometheus.HistogramVec
	ResponsesByType  *prometheus.CounterVec
}

// NewProtocolMetrics creates the protocol collectors and registers them with registerer, if non-nil.
func NewProtocolMetrics(registerer prometheus.Registerer) *ProtocolMetrics {
	m := &ProtocolMetrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "messages_sent_total",
			Help: "Number of messages written to connections, by kind (request or response)",
		}, []string{"kind"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "messages_received_total",
			Help: "Number of messages read from connections, by kind (request or response)",
		}, []string{"kind"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "protocol_errors_total",
			Help: "Number of connections closed because of malformed data",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "pending_requests",
			Help: "Number of requests awaiting a response",
		}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "request_latency_seconds",
			Help:    "Time between sending a request and resolving it, by outcome",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"outcome"}),
		ResponsesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "response_parts_total",
			Help: "Number of response parts produced, by response type",
		}, []string{"type"}),
	}
	m.MessagesSent = register(registerer, m.MessagesSent)
	m.MessagesReceived = register(registerer, m.MessagesReceived)
	m.ProtocolErrors = register(registerer, m.ProtocolErrors)
	m.PendingRequests = register(registerer, m.PendingRequests)
	m.RequestLatency = register(registerer, m.RequestLatency)
	m.ResponsesByType = register(registerer, m.ResponsesByType)
	return m
}

// CoordinatorMetrics instruments test suite execution.
type CoordinatorMetrics struct {
	Failures         *prometheus.CounterVec
	TestCaseDuration *prometheus.HistogramVec
	TestCaseResults  *prometheus.CounterVec
	ConnectedWorkers prometheus.Gauge
	ConnectedAgents  prometheus.Gauge
}

func NewCoordinatorMetrics(registerer prometheus.Registerer) *CoordinatorMetrics {
	m := &CoordinatorMetrics{
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "failures_total",
			Help: "Number of failures reported by workers and agents, by failure type",
		}, []string{"type"}),
		TestCaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "test_case_duration_seconds",
			Help:    "Wall clock duration of test cases",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"test"}),
		TestCaseResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "test_case_results_total",
			Help: "Number of finished test cases, by result",
		}, []string{"result"}),
		ConnectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "connected_workers",
			Help: "Number of workers known to the coordinator",
		}),
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "connected_agents",
			Help: "Number of agents the coordinator is connected to",
		}),
	}
	m.Failures = register(registerer, m.Failures)
	m.TestCaseDuration = register(registerer, m.TestCaseDuration)
	m.TestCaseResults = register(registerer, m.TestCaseResults)
	m.ConnectedWorkers = register(registerer, m.ConnectedWorkers)
	m.ConnectedAgents = register(registerer, m.ConnectedAgents)
	return m
}

// register registers c with registerer. If an equivalent collector is already registered,
// as happens when several nodes share a process, the existing one is returned instead.
func register[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if registerer == nil {
		return c
	}
	if err := registerer.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
		panic(err)
	}
	return c
}
