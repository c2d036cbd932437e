package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("anthropic-oauth", "success").Inc()
	m.ActiveRequests.Set(3)
	m.WriterQueueDepth.Set(12)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("anthropic-oauth", "success")); got != 1 {
		t.Errorf("RequestsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRequests); got != 3 {
		t.Errorf("ActiveRequests = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.WriterQueueDepth); got != 12 {
		t.Errorf("WriterQueueDepth = %v, want 12", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}
