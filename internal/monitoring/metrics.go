package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_deliveries_total",
			Help: "Delivery worker outcomes by channel",
		},
		[]string{"channel", "outcome"},
	)
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_jobs_dispatched_total",
			Help: "Jobs published to the delivery queue by channel",
		},
		[]string{"channel"},
	)
	QuotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_quota_rejections_total",
			Help: "Sends rejected by the monthly quota check",
		},
		[]string{"channel"},
	)
	WebhookCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_webhook_callbacks_total",
			Help: "Inbound delivery status callbacks by result",
		},
		[]string{"result"},
	)
	AutomationScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_automation_scan_duration_seconds",
			Help:    "Duration of one automation scan run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	AutomationCampaigns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_automation_campaigns_total",
			Help: "Campaigns synthesized by automations by trigger",
		},
		[]string{"trigger"},
	)
)

// InitMetrics registers every collector with the default registry.
func InitMetrics() {
	for name, c := range map[string]prometheus.Collector{
		"Deliveries":             Deliveries,
		"JobsDispatched":         JobsDispatched,
		"QuotaRejections":        QuotaRejections,
		"WebhookCallbacks":       WebhookCallbacks,
		"AutomationScanDuration": AutomationScanDuration,
		"AutomationCampaigns":    AutomationCampaigns,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
}
