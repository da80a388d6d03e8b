package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/reconcile"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheusRecordsSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.SessionStarted()
	p.SessionStarted()
	p.PageDelivered(3)
	p.PageDelivered(2)
	p.ObserveResume(true)
	p.ObserveResume(false)
	p.ObserveOutOfSync(4)
	p.SessionEnded(subscriptions.StateCompleted)
	p.ObserveReconcile(reconcile.Stats{Delivered: 2, Dropped: 1})

	got := gather(t, reg)
	assert.Equal(t, 1.0, got["test_subscriptions_active"])
	assert.Equal(t, 2.0, got["test_subscriptions_started_total"])
	assert.Equal(t, 1.0, got["test_subscriptions_ended_total/completed"])
	assert.Equal(t, 2.0, got["test_subscriptions_pages_total"])
	assert.Equal(t, 5.0, got["test_subscriptions_items_total"])
	assert.Equal(t, 2.0, got["test_subscriptions_page_items"])
	assert.Equal(t, 1.0, got["test_assembler_resumptions_total/ok"])
	assert.Equal(t, 1.0, got["test_assembler_resumptions_total/fail"])
	assert.Equal(t, 4.0, got["test_assembler_out_of_sync_total"])
	assert.Equal(t, 2.0, got["test_reconcile_reports/delivered"])
	assert.Equal(t, 1.0, got["test_reconcile_reports/dropped"])
}
