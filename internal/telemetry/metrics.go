// Package telemetry provides the proxy's Prometheus collectors: request
// volume, upstream latency, failover counts, and writer/transport
// backpressure gauges (spec.md §5, SPEC_FULL.md §5 AMBIENT).
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the proxy registers at boot.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	FailoverTotal    *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	CostUSDTotal     *prometheus.CounterVec
	WriterQueueDepth prometheus.Gauge
	TransportPoolSize prometheus.Gauge
	AccountState     *prometheus.GaugeVec // labels: account, state
}

// NewMetrics creates and registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acctproxy",
			Name:      "requests_total",
			Help:      "Total proxied requests by provider and outcome.",
		}, []string{"provider", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "acctproxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end proxied request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acctproxy",
			Name:      "active_requests",
			Help:      "Number of requests currently being proxied.",
		}),

		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acctproxy",
			Name:      "failover_total",
			Help:      "Total candidate failovers by reason.",
		}, []string{"reason"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acctproxy",
			Name:      "upstream_errors_total",
			Help:      "Total upstream error responses by provider and status class.",
		}, []string{"provider", "class"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acctproxy",
			Name:      "tokens_total",
			Help:      "Total tokens accounted for by model and kind.",
		}, []string{"model", "kind"}),

		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acctproxy",
			Name:      "cost_usd_total",
			Help:      "Total computed USD cost by model.",
		}, []string{"model"}),

		WriterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acctproxy",
			Name:      "writer_queue_depth",
			Help:      "Current depth of the async DB writer queue.",
		}),

		TransportPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acctproxy",
			Name:      "transport_pool_size",
			Help:      "Number of pooled per-account transports currently open.",
		}),

		AccountState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acctproxy",
			Name:      "account_state",
			Help:      "1 if the account is currently in the labeled state, else 0.",
		}, []string{"account", "state"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.FailoverTotal,
		m.UpstreamErrors,
		m.TokensProcessed,
		m.CostUSDTotal,
		m.WriterQueueDepth,
		m.TransportPoolSize,
		m.AccountState,
	)

	return m
}
