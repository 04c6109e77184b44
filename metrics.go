package sentry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rr_sentry"
)

// metricsCollector implements prometheus.Collector interface
type metricsCollector struct {
	client *Client
	now    func() time.Time

	// Prometheus metric descriptors
	sentEnvelopesDesc *prometheus.Desc
	lostEventsDesc    *prometheus.Desc
	queueLengthDesc   *prometheus.Desc
	rateLimitDesc     *prometheus.Desc

	// Vector metric for captures received over RPC by kind
	capturedEvents *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector(client *Client) *metricsCollector {
	return &metricsCollector{
		client: client,
		now:    time.Now,

		sentEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sent_envelopes_total"),
			"Total number of envelopes delivered to Sentry",
			nil, nil),

		lostEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "lost_events_total"),
			"Total number of discarded items by reason and category",
			[]string{"reason", "category"}, nil),

		queueLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_length"),
			"Number of envelopes waiting for delivery",
			nil, nil),

		rateLimitDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rate_limit_seconds"),
			"Seconds until a rate limited category is accepted again",
			[]string{"category"}, nil),

		capturedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "captured_events_total"),
				Help: "Total number of captures received over RPC by kind",
			},
			[]string{"kind"}),
	}
}

// IncCaptured increments the capture counter for kind
func (mc *metricsCollector) IncCaptured(kind string) {
	mc.capturedEvents.WithLabelValues(kind).Inc()
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.sentEnvelopesDesc
	ch <- mc.lostEventsDesc
	ch <- mc.queueLengthDesc
	ch <- mc.rateLimitDesc

	mc.capturedEvents.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		mc.sentEnvelopesDesc,
		prometheus.CounterValue,
		float64(mc.client.SentCount()))

	for key, quantity := range mc.client.LostEvents() {
		ch <- prometheus.MustNewConstMetric(
			mc.lostEventsDesc,
			prometheus.CounterValue,
			float64(quantity),
			string(key.Reason), key.Category.String())
	}

	ch <- prometheus.MustNewConstMetric(
		mc.queueLengthDesc,
		prometheus.GaugeValue,
		float64(mc.client.QueueLength()))

	now := mc.now()
	for category, until := range mc.client.RateLimits() {
		remaining := until.Sub(now).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		ch <- prometheus.MustNewConstMetric(
			mc.rateLimitDesc,
			prometheus.GaugeValue,
			remaining,
			category)
	}

	mc.capturedEvents.Collect(ch)
}
