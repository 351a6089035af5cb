package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts gateway traffic. A nil *Metrics is a valid no-op.
type Metrics struct {
	requests      *prometheus.CounterVec
	proofsIssued  prometheus.Counter
	proofFailures prometheus.Counter
	rejected      prometheus.Counter
}

// NewMetrics registers the gateway's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Requests handled, by request type.",
		}, []string{"type"}),
		proofsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proofs_issued_total",
			Help:      "Decryption proofs signed and returned.",
		}),
		proofFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proof_failures_total",
			Help:      "Decrypt requests that failed before a proof was issued.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "connections_rejected_total",
			Help:      "Connections rejected because the worker pool was full.",
		}),
	}
}

func (m *Metrics) request(requestType string) {
	if m != nil {
		m.requests.WithLabelValues(requestType).Inc()
	}
}

func (m *Metrics) proofIssued() {
	if m != nil {
		m.proofsIssued.Inc()
	}
}

func (m *Metrics) proofFailed() {
	if m != nil {
		m.proofFailures.Inc()
	}
}

func (m *Metrics) rejectedConn() {
	if m != nil {
		m.rejected.Inc()
	}
}
