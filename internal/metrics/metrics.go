// Package metrics exposes Prometheus metrics for campaign dispatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rotomail/rotomail/internal/campaign"
)

// Metrics holds all Prometheus metrics for rotomail
type Metrics struct {
	// Delivery counters
	EmailsSentTotal   *prometheus.CounterVec
	EmailsFailedTotal *prometheus.CounterVec

	// Rotation counters
	RotationsTotal *prometheus.CounterVec

	// Campaign counters/gauges
	CampaignsTotal  *prometheus.CounterVec
	CampaignsActive prometheus.Gauge

	// Timing
	SendDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotomail_emails_sent_total",
				Help: "Total number of successfully delivered emails",
			},
			[]string{"server"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotomail_emails_failed_total",
				Help: "Total number of failed delivery attempts",
			},
			[]string{"server", "kind"},
		),
		RotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotomail_rotations_total",
				Help: "Total number of server rotations",
			},
			[]string{"reason"},
		),
		CampaignsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotomail_campaigns_total",
				Help: "Total number of campaigns started",
			},
			[]string{"mode"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotomail_campaigns_active",
				Help: "Number of currently running campaigns",
			},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotomail_send_duration_seconds",
				Help:    "Delivery attempt duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.RotationsTotal,
		m.CampaignsTotal,
		m.CampaignsActive,
		m.SendDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CampaignStarted records a campaign start.
func (m *Metrics) CampaignStarted(dryRun bool) {
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	m.CampaignsTotal.WithLabelValues(mode).Inc()
	m.CampaignsActive.Inc()
}

// CampaignFinished records campaign completion and its rotation split.
func (m *Metrics) CampaignFinished(run *campaign.Run) {
	m.CampaignsActive.Dec()

	planned := run.RotationCount - run.Failovers
	if planned > 0 {
		m.RotationsTotal.WithLabelValues("planned").Add(float64(planned))
	}
	if run.Failovers > 0 {
		m.RotationsTotal.WithLabelValues("failover").Add(float64(run.Failovers))
	}
}
