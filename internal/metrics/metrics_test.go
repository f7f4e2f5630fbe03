package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSync("poll", ResultChanged)
	m.ObserveSync("poll", ResultChanged)
	m.ObserveSync("stream", ResultError)
	m.ObserveMessage(MessageDropped)
	m.ObserveReconnect()
	m.ObserveDisposal("stop_out")
	m.ObserveConflict()

	if got := testutil.ToFloat64(m.Sync.WithLabelValues("poll", ResultChanged)); got != 2 {
		t.Errorf("sync{poll,changed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Sync.WithLabelValues("stream", ResultError)); got != 1 {
		t.Errorf("sync{stream,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamReconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Disposals.WithLabelValues("stop_out")); got != 1 {
		t.Errorf("disposals{stop_out} = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSync("poll", ResultChanged)
	m.ObserveMessage(MessageMerged)
	m.ObserveReconnect()
	m.ObserveDisposal("profit")
	m.ObserveConflict()
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveConflict()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "lotkeeper_store_conflicts_total 1") {
		t.Errorf("metrics output missing conflict counter:\n%s", body)
	}
}
