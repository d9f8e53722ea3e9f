package projection

import (
	"PerpVault/internal/observability"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestProjectionWorker_ObservesLabelledDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	pw := NewProjectionWorker(nil, nil, nil, nil, observability.NewMetricsWith(reg))

	pw.observe(time.Now().Add(-time.Millisecond))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "vault_projection_update_duration_seconds" {
			continue
		}
		if len(mf.GetMetric()) != 1 {
			t.Fatalf("expected one series, got %d", len(mf.GetMetric()))
		}
		m := mf.GetMetric()[0]
		if got := m.GetLabel()[0].GetValue(); got != projectionLabel {
			t.Errorf("expected label %q, got %q", projectionLabel, got)
		}
		if m.GetHistogram().GetSampleCount() != 1 {
			t.Errorf("expected 1 sample, got %d", m.GetHistogram().GetSampleCount())
		}
		return
	}
	t.Fatal("projection duration histogram not registered")
}

func TestProjectionWorker_NilMetrics(t *testing.T) {
	pw := NewProjectionWorker(nil, nil, nil, nil, nil)
	pw.observe(time.Now())
}
