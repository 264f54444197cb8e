package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	require.NoError(t, m.Track("kasbon:integrity").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("kasbon:integrity").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("kasbon:integrity", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("kasbon:integrity")))

	m.AddViolations("kasbon:integrity", 3)
	m.AddViolations("kasbon:integrity", 0)
	require.Equal(t, 3.0, testutil.ToFloat64(m.violations.WithLabelValues("kasbon:integrity")))

	m.AddWarmed(5)
	require.Equal(t, 5.0, testutil.ToFloat64(m.warmed))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.AddViolations("x", 1)
	m.AddWarmed(1)
}
