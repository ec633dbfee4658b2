package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry              *prometheus.Registry
	contractsTotal        *prometheus.CounterVec
	milestoneUpdatesTotal *prometheus.CounterVec
	messagesTotal         *prometheus.CounterVec
	persistRetriesTotal   *prometheus.CounterVec
	dlqDepth              prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	contracts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workrails_contracts_total",
		Help: "Total number of engagement contract creations",
	}, []string{"status"})

	milestones := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workrails_milestone_updates_total",
		Help: "Milestone state updates by source and result",
	}, []string{"source", "result"})

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workrails_messages_total",
		Help: "Conversation messages recorded",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workrails_persist_retries_total",
		Help: "Retry attempts for mirror persistence after on-chain confirmation",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workrails_dlq_depth",
		Help: "Number of unpersisted confirmed contracts in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(contracts, milestones, messages, retries, dlq)

	return &metricsRegistry{
		registry:              r,
		contractsTotal:        contracts,
		milestoneUpdatesTotal: milestones,
		messagesTotal:         messages,
		persistRetriesTotal:   retries,
		dlqDepth:              dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incContract(status string) {
	m.contractsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incMilestoneUpdate(source, result string) {
	m.milestoneUpdatesTotal.WithLabelValues(source, result).Inc()
}

func (m *metricsRegistry) incMessage(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incPersistRetry(result string) {
	m.persistRetriesTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
