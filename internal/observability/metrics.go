package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	enginesActive   prometheus.Gauge
	enginesCreated  prometheus.Counter
	enginesCleaned  prometheus.Counter
	enginesRejected *prometheus.CounterVec

	connectionsActive     *prometheus.GaugeVec
	connectionTransitions *prometheus.CounterVec
	connectionTimeouts    *prometheus.CounterVec
	recoveryPersisted     *prometheus.CounterVec
	messagesReplayed      prometheus.Counter

	eventsDispatched    *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	eventsRejected      *prometheus.CounterVec
	isolationViolations prometheus.Counter

	agentInstances *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			enginesActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tenantd_engines_active",
					Help: "Current number of registered execution engines.",
				},
			),
			enginesCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tenantd_engines_created_total",
					Help: "Total execution engines created.",
				},
			),
			enginesCleaned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tenantd_engines_cleaned_total",
					Help: "Total execution engines cleaned up.",
				},
			),
			enginesRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_engines_rejected_total",
					Help: "Total engine creations rejected by reason.",
				},
				[]string{"reason"},
			),
			connectionsActive: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tenantd_connections",
					Help: "Current connections by state.",
				},
				[]string{"state"},
			),
			connectionTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_connection_transitions_total",
					Help: "Connection state transitions by source and target state.",
				},
				[]string{"from", "to"},
			),
			connectionTimeouts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_connection_timeouts_total",
					Help: "Connection timeout events by kind.",
				},
				[]string{"kind"},
			),
			recoveryPersisted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_recovery_records_persisted_total",
					Help: "Recovery record writes by status.",
				},
				[]string{"status"},
			),
			messagesReplayed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tenantd_messages_replayed_total",
					Help: "Preserved messages replayed on reconnect.",
				},
			),
			eventsDispatched: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_events_dispatched_total",
					Help: "Lifecycle events accepted by kind and delivery status.",
				},
				[]string{"kind", "status"},
			),
			dispatchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tenantd_dispatch_duration_seconds",
					Help:    "Time spent delivering a lifecycle event, including backpressure waits.",
					Buckets: prometheus.DefBuckets,
				},
			),
			eventsRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_events_rejected_total",
					Help: "Lifecycle events rejected by reason.",
				},
				[]string{"reason"},
			),
			isolationViolations: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tenantd_isolation_violations_total",
					Help: "Dispatches whose event owner did not match the target user.",
				},
			),
			agentInstances: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tenantd_agent_instances_total",
					Help: "Agent instances materialized by registration name and status.",
				},
				[]string{"agent", "status"},
			),
		}

		prometheus.MustRegister(
			m.enginesActive,
			m.enginesCreated,
			m.enginesCleaned,
			m.enginesRejected,
			m.connectionsActive,
			m.connectionTransitions,
			m.connectionTimeouts,
			m.recoveryPersisted,
			m.messagesReplayed,
			m.eventsDispatched,
			m.dispatchDuration,
			m.eventsRejected,
			m.isolationViolations,
			m.agentInstances,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEngineCreated(active int) {
	m := getMetrics()
	m.enginesCreated.Inc()
	m.enginesActive.Set(float64(active))
}

func RecordEngineCleaned(active int) {
	m := getMetrics()
	m.enginesCleaned.Inc()
	m.enginesActive.Set(float64(active))
}

func RecordEngineRejected(reason string) {
	getMetrics().enginesRejected.WithLabelValues(reason).Inc()
}

func RecordConnectionTransition(from, to string) {
	m := getMetrics()
	m.connectionTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		m.connectionsActive.WithLabelValues(from).Dec()
	}
	if to != "closed" {
		m.connectionsActive.WithLabelValues(to).Inc()
	}
}

func RecordConnectionTimeout(kind string) {
	getMetrics().connectionTimeouts.WithLabelValues(kind).Inc()
}

func RecordRecoveryPersist(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().recoveryPersisted.WithLabelValues(status).Inc()
}

func RecordMessagesReplayed(count int) {
	getMetrics().messagesReplayed.Add(float64(count))
}

func RecordEventDispatched(kind, status string, duration time.Duration) {
	m := getMetrics()
	m.eventsDispatched.WithLabelValues(kind, status).Inc()
	m.dispatchDuration.Observe(duration.Seconds())
}

func RecordEventRejected(reason string) {
	getMetrics().eventsRejected.WithLabelValues(reason).Inc()
}

func RecordIsolationViolation() {
	getMetrics().isolationViolations.Inc()
}

func RecordAgentInstance(agent string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().agentInstances.WithLabelValues(agent, status).Inc()
}
