package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the integration layer
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	UpdatesReceivedTotal *prometheus.CounterVec
	UpdateErrorsTotal    prometheus.Counter
	PollConflictsTotal   *prometheus.CounterVec

	// Outbound metrics
	OutboundCallsTotal *prometheus.CounterVec
	PinDeniedTotal     prometheus.Counter

	// Dashboard metrics
	DashboardOpsTotal *prometheus.CounterVec

	// Token metrics
	LoginTokensIssuedTotal   prometheus.Counter
	LoginTokenRedemptions    *prometheus.CounterVec
	RecoveryVerifications    *prometheus.CounterVec
	LoginTokensExpiredSweeps prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		UpdatesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_updates_received_total",
				Help: "Total number of inbound updates by transport",
			},
			[]string{"transport"},
		),
		UpdateErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatbridge_update_errors_total",
				Help: "Total number of updates whose handling failed",
			},
		),
		PollConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_poll_conflicts_total",
				Help: "Total number of getUpdates conflicts by kind",
			},
			[]string{"kind"},
		),

		OutboundCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_outbound_calls_total",
				Help: "Total number of outbound Bot API calls by method and status",
			},
			[]string{"method", "status"},
		),
		PinDeniedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatbridge_pin_denied_total",
				Help: "Total number of pin attempts rejected for missing rights",
			},
		),

		DashboardOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_dashboard_ops_total",
				Help: "Total number of dashboard message operations by kind",
			},
			[]string{"op"},
		),

		LoginTokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatbridge_login_tokens_issued_total",
				Help: "Total number of login tokens issued",
			},
		),
		LoginTokenRedemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_login_token_redemptions_total",
				Help: "Total number of login token redemption attempts by result",
			},
			[]string{"result"},
		),
		RecoveryVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_recovery_verifications_total",
				Help: "Total number of recovery token verifications by result",
			},
			[]string{"result"},
		),
		LoginTokensExpiredSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatbridge_login_tokens_swept_total",
				Help: "Total number of expired login tokens removed by cleanup",
			},
		),
	}

	registry.MustRegister(
		m.UpdatesReceivedTotal,
		m.UpdateErrorsTotal,
		m.PollConflictsTotal,
		m.OutboundCallsTotal,
		m.PinDeniedTotal,
		m.DashboardOpsTotal,
		m.LoginTokensIssuedTotal,
		m.LoginTokenRedemptions,
		m.RecoveryVerifications,
		m.LoginTokensExpiredSweeps,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
