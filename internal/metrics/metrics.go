// Package metrics holds the Prometheus counters updated by reconciliation,
// the event stream and the lot store:
//
//   - lotkeeper_sync_total{path,result}        merges attempted, by path (startup|poll|stream|close) and result
//   - lotkeeper_stream_messages_total{result}  stream messages by outcome (merged|ignored|dropped|error)
//   - lotkeeper_stream_reconnects_total        stream reconnect attempts
//   - lotkeeper_disposals_total{reason}        lots disposed, by reason
//   - lotkeeper_store_conflicts_total          optimistic-version conflicts seen on upsert
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync result labels.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultNotFound  = "not_found"
	ResultError     = "error"
)

// Stream message result labels.
const (
	MessageMerged  = "merged"
	MessageIgnored = "ignored"
	MessageDropped = "dropped"
	MessageError   = "error"
)

// Metrics is a set of registered collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Sync             *prometheus.CounterVec
	StreamMessages   *prometheus.CounterVec
	StreamReconnects prometheus.Counter
	Disposals        *prometheus.CounterVec
	StoreConflicts   prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Sync: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotkeeper_sync_total",
				Help: "Order snapshots merged into lots",
			},
			[]string{"path", "result"},
		),
		StreamMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotkeeper_stream_messages_total",
				Help: "Trade update stream messages by outcome",
			},
			[]string{"result"},
		),
		StreamReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lotkeeper_stream_reconnects_total",
				Help: "Trade update stream reconnect attempts",
			},
		),
		Disposals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lotkeeper_disposals_total",
				Help: "Lots disposed, split by reason",
			},
			[]string{"reason"},
		),
		StoreConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lotkeeper_store_conflicts_total",
				Help: "Optimistic version conflicts on lot upsert",
			},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.Sync, m.StreamMessages, m.StreamReconnects, m.Disposals, m.StoreConflicts)
	return m
}

// ObserveSync counts one merge on path with result.
func (m *Metrics) ObserveSync(path, result string) {
	if m == nil {
		return
	}
	m.Sync.WithLabelValues(path, result).Inc()
}

// ObserveMessage counts one stream message.
func (m *Metrics) ObserveMessage(result string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(result).Inc()
}

// ObserveReconnect counts one stream reconnect attempt.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

// ObserveDisposal counts one disposal.
func (m *Metrics) ObserveDisposal(reason string) {
	if m == nil {
		return
	}
	m.Disposals.WithLabelValues(reason).Inc()
}

// ObserveConflict counts one store version conflict.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.StoreConflicts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
