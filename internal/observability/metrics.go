package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors of the daemon. A nil *Metrics is
// valid and records nothing, so components can take it as optional.
type Metrics struct {
	// FeedRequests counts feed requests.
	// Labels: format (xml|json), status (200|401|404|500)
	FeedRequests *prometheus.CounterVec

	// FeedRenderDuration measures assembling a feed document in seconds.
	// Labels: format
	FeedRenderDuration *prometheus.HistogramVec

	// WindowRefreshes counts window cache passes.
	// Labels: mode (rebuild|incremental|unchanged)
	WindowRefreshes *prometheus.CounterVec

	// HubPushes counts hub notifications.
	// Labels: outcome (success|error|invalid)
	HubPushes *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API latency.
	// Labels: method, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FeedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedd_feed_requests_total",
				Help: "Feed requests by output format and response status",
			},
			[]string{"format", "status"},
		),
		FeedRenderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedd_feed_render_duration_seconds",
				Help:    "Time spent assembling a feed document",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"format"},
		),
		WindowRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedd_window_refreshes_total",
				Help: "Event window cache passes by mode",
			},
			[]string{"mode"},
		),
		HubPushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedd_hub_pushes_total",
				Help: "Hub publish notifications by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedd_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status_code"},
		),
	}
}

func (m *Metrics) FeedRequest(format, status string) {
	if m == nil {
		return
	}
	m.FeedRequests.WithLabelValues(format, status).Inc()
}

func (m *Metrics) FeedRendered(format string, d time.Duration) {
	if m == nil {
		return
	}
	m.FeedRenderDuration.WithLabelValues(format).Observe(d.Seconds())
}

func (m *Metrics) WindowRefresh(mode string) {
	if m == nil {
		return
	}
	m.WindowRefreshes.WithLabelValues(mode).Inc()
}

func (m *Metrics) HubPush(outcome string) {
	if m == nil {
		return
	}
	m.HubPushes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, status).Observe(d.Seconds())
}
