// Copyright 2025 Certen Protocol

// Package metrics exposes Prometheus instrumentation for the quorum store.
// The teacher's go.mod carries github.com/prometheus/client_golang but no
// application package wires it directly; this package gives it a concrete
// home across BatchStore and ProofBuilder.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every counter/gauge the quorum store emits. A nil
// *Registry is valid everywhere it is accepted: every method no-ops on a
// nil receiver so callers can pass metrics only when a caller wants them
// registered, without threading an "enabled" bool through every component.
type Registry struct {
	batchesPersisted prometheus.Counter
	bytesStored      prometheus.Gauge
	quotaEvictions   prometheus.Counter
	proofsCompleted  prometheus.Counter
	proofTimeouts    prometheus.Counter
	fetchRequests    prometheus.Counter
	fetchTimeouts    prometheus.Counter
	aggregationErrs  *prometheus.CounterVec
}

// New registers every collector on reg and returns a Registry wrapping
// them. Pass prometheus.NewRegistry() for an isolated registry in tests.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		batchesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "batches_persisted_total",
			Help:      "Total batches durably persisted by BatchStore.",
		}),
		bytesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumstore",
			Name:      "batch_bytes_stored",
			Help:      "Current in-memory batch payload bytes held by BatchStore.",
		}),
		quotaEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "quota_evictions_total",
			Help:      "Total in-memory batch payload evictions triggered by memory_quota pressure.",
		}),
		proofsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "proofs_completed_total",
			Help:      "Total ProofOfStore instances produced by ProofBuilder.",
		}),
		proofTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "proof_timeouts_total",
			Help:      "Total proof_timeout_ms expirations before reaching quorum.",
		}),
		fetchRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "fetch_requests_total",
			Help:      "Total on-demand BatchRequest rounds issued by BatchReader.",
		}),
		fetchTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "fetch_timeouts_total",
			Help:      "Total batch_request_timeout_ms expirations without a matching BatchResponse.",
		}),
		aggregationErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "aggregation_errors_total",
			Help:      "Total BatchAggregator rejections by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.batchesPersisted, m.bytesStored, m.quotaEvictions,
		m.proofsCompleted, m.proofTimeouts,
		m.fetchRequests, m.fetchTimeouts, m.aggregationErrs,
	)
	return m
}

func (m *Registry) IncBatchesPersisted() {
	if m == nil {
		return
	}
	m.batchesPersisted.Inc()
}

func (m *Registry) SetBytesStored(n float64) {
	if m == nil {
		return
	}
	m.bytesStored.Set(n)
}

func (m *Registry) IncQuotaEvictions() {
	if m == nil {
		return
	}
	m.quotaEvictions.Inc()
}

func (m *Registry) IncProofsCompleted() {
	if m == nil {
		return
	}
	m.proofsCompleted.Inc()
}

func (m *Registry) IncProofTimeouts() {
	if m == nil {
		return
	}
	m.proofTimeouts.Inc()
}

func (m *Registry) IncFetchRequests() {
	if m == nil {
		return
	}
	m.fetchRequests.Inc()
}

func (m *Registry) IncFetchTimeouts() {
	if m == nil {
		return
	}
	m.fetchTimeouts.Inc()
}

func (m *Registry) IncAggregationErrors(kind string) {
	if m == nil {
		return
	}
	m.aggregationErrs.WithLabelValues(kind).Inc()
}
