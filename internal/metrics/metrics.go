// Package metrics holds the daemon's Prometheus counters and gauges and exposes them both as a standard
// promhttp handler and as a plain map for the notify_query "metrics" bus request, so the operational CLI and
// Prometheus scrapers read the same numbers.
package metrics

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge named in the external interface. Field names match the §6 metric names.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnectionCount    prometheus.Gauge
	ActiveUserCount          prometheus.Gauge
	TotalConnectionCount     prometheus.Counter
	MappingQueryCount        prometheus.Counter
	EventsReceived           prometheus.Counter
	MessagesSent             prometheus.Counter
	MessagesSentFile         prometheus.Counter
	MessagesSentNotification prometheus.Counter
	MessagesSentActivity     prometheus.Counter
	MessagesSentCustom       prometheus.Counter
	MessagesDropped          prometheus.Counter
}

// New creates a Metrics instance and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_connection_count",
			Help: "Number of currently open WebSocket connections.",
		}),
		ActiveUserCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_user_count",
			Help: "Number of distinct authenticated users with at least one open connection.",
		}),
		TotalConnectionCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "total_connection_count",
			Help: "Total WebSocket connections accepted since startup.",
		}),
		MappingQueryCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapping_query_count",
			Help: "Total mapping store queries issued (cache misses only, not coalesced callers).",
		}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_received",
			Help: "Total bus events decoded and handed to the router.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_sent",
			Help: "Total outbound frames enqueued across all connections.",
		}),
		MessagesSentFile: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_sent_file",
			Help: "Total notify_file and notify_file_id frames enqueued.",
		}),
		MessagesSentNotification: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_sent_notification",
			Help: "Total notify_notification frames enqueued.",
		}),
		MessagesSentActivity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_sent_activity",
			Help: "Total notify_activity frames enqueued.",
		}),
		MessagesSentCustom: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_sent_custom",
			Help: "Total custom-type frames enqueued.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_dropped",
			Help: "Total frames discarded because a connection's outbound channel was full.",
		}),
	}

	m.registry.MustRegister(
		m.ActiveConnectionCount,
		m.ActiveUserCount,
		m.TotalConnectionCount,
		m.MappingQueryCount,
		m.EventsReceived,
		m.MessagesSent,
		m.MessagesSentFile,
		m.MessagesSentNotification,
		m.MessagesSentActivity,
		m.MessagesSentCustom,
		m.MessagesDropped,
	)
	return m
}

// Handler returns the promhttp handler serving this instance's registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the current value of every counter named in §6, for the notify_query "metrics" bus request.
// Gauges and counters are both reported as float64, matching Prometheus's own text exposition format.
func (m *Metrics) Snapshot() map[string]float64 {
	return map[string]float64{
		"active_connection_count":    readGauge(m.ActiveConnectionCount),
		"active_user_count":          readGauge(m.ActiveUserCount),
		"total_connection_count":     readCounter(m.TotalConnectionCount),
		"mapping_query_count":        readCounter(m.MappingQueryCount),
		"events_received":            readCounter(m.EventsReceived),
		"messages_sent":              readCounter(m.MessagesSent),
		"messages_sent_file":         readCounter(m.MessagesSentFile),
		"messages_sent_notification": readCounter(m.MessagesSentNotification),
		"messages_sent_activity":     readCounter(m.MessagesSentActivity),
		"messages_sent_custom":       readCounter(m.MessagesSentCustom),
		"messages_dropped":           readCounter(m.MessagesDropped),
	}
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	_ = g.Write(&m)
	return m.GetGauge().GetValue()
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}
