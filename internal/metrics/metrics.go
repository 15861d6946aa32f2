package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the broadcaster
type Metrics struct {
	// Send counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec

	// Pacing
	DelaySeconds *prometheus.HistogramVec

	// Health
	AutoPauseTotal     *prometheus.CounterVec
	SessionsReady      prometheus.Gauge
	SessionEventsTotal *prometheus.CounterVec

	// Campaigns
	CampaignsByStatus       *prometheus.GaugeVec
	CampaignsFinishedTotal  *prometheus.CounterVec
	PersistenceErrorsTotal  prometheus.Counter
	NotificationErrorsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_messages_sent_total",
				Help: "Total number of messages accepted by the messaging service",
			},
			[]string{"session"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_messages_failed_total",
				Help: "Total number of contacts whose send failed",
			},
			[]string{"session", "reason"},
		),

		DelaySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcaster_delay_seconds",
				Help:    "Pauses inserted between sends",
				Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),

		AutoPauseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_autopause_total",
				Help: "Total number of session pause and resume transitions",
			},
			[]string{"session", "transition"},
		),
		SessionsReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_sessions_ready",
				Help: "Number of sessions that can currently send",
			},
		),
		SessionEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_session_events_total",
				Help: "Total number of session lifecycle events",
			},
			[]string{"type"},
		),

		CampaignsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broadcaster_campaigns",
				Help: "Number of campaigns per status",
			},
			[]string{"status"},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_campaigns_finished_total",
				Help: "Total number of campaign runs that ended",
			},
			[]string{"status"},
		),
		PersistenceErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "broadcaster_persistence_errors_total",
				Help: "Total number of failed campaign writes",
			},
		),
		NotificationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_notification_errors_total",
				Help: "Total number of events a sink failed to deliver",
			},
			[]string{"sink"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcaster_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.DelaySeconds,
		m.AutoPauseTotal,
		m.SessionsReady,
		m.SessionEventsTotal,
		m.CampaignsByStatus,
		m.CampaignsFinishedTotal,
		m.PersistenceErrorsTotal,
		m.NotificationErrorsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSend records the outcome of one contact. An empty session means
// no session was available.
func (m *Metrics) ObserveSend(session string, err error, reason string) {
	if session == "" {
		session = "none"
	}
	if err == nil {
		m.MessagesSentTotal.WithLabelValues(session).Inc()
		return
	}
	m.MessagesFailedTotal.WithLabelValues(session, reason).Inc()
}

// ObserveDelay records a pause between sends.
func (m *Metrics) ObserveDelay(d time.Duration, longPause bool) {
	kind := "regular"
	if longPause {
		kind = "long"
	}
	m.DelaySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// IncAutoPause records a session pause or resume.
func (m *Metrics) IncAutoPause(session, transition string) {
	m.AutoPauseTotal.WithLabelValues(session, transition).Inc()
}

// IncSessionEvent records a session lifecycle event.
func (m *Metrics) IncSessionEvent(eventType string) {
	m.SessionEventsTotal.WithLabelValues(eventType).Inc()
}

// SetCampaignCounts replaces the per-status campaign gauge.
func (m *Metrics) SetCampaignCounts(counts map[string]int) {
	m.CampaignsByStatus.Reset()
	for status, n := range counts {
		m.CampaignsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// IncCampaignFinished records a run that ended with status.
func (m *Metrics) IncCampaignFinished(status string) {
	m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
}

// IncPersistenceError records a failed campaign write.
func (m *Metrics) IncPersistenceError() {
	m.PersistenceErrorsTotal.Inc()
}

// IncNotificationError records an event a sink failed to deliver.
func (m *Metrics) IncNotificationError(sink string) {
	m.NotificationErrorsTotal.WithLabelValues(sink).Inc()
}
