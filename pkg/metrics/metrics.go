// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clausebase"

var (
	Registry = prometheus.NewRegistry()

	LedgerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Ledger gateway operations by outcome.",
	}, []string{"operation", "result"})

	LedgerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Ledger gateway operation latency, including confirmation waits.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"operation"})

	VotesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_cast_total",
		Help:      "Votes recorded locally.",
	}, []string{"vote"})

	Merges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "versions_merged_total",
		Help:      "Versions transitioned to merged.",
	})

	ProofAnchors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proof_anchors_total",
		Help:      "Content proof anchoring attempts by outcome.",
	}, []string{"result"})

	MilestoneTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "milestone_transitions_total",
		Help:      "Escrow milestone state transitions.",
	}, []string{"status"})

	SocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "socket_clients",
		Help:      "Connected websocket clients.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		LedgerCalls,
		LedgerDuration,
		VotesCast,
		Merges,
		ProofAnchors,
		MilestoneTransitions,
		SocketClients,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveLedger records one gateway operation.
func ObserveLedger(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerCalls.WithLabelValues(operation, result).Inc()
	LedgerDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
