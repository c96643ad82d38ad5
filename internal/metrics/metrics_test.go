package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheus(reg)
	require.NoError(t, err)

	rec.ObserveTrial("expanding", "not_penetrated", 10*time.Millisecond)
	rec.ObserveTrial("expanding", "penetrated", 20*time.Millisecond)
	rec.ObserveTrial("bisecting", "penetrated", 5*time.Millisecond)
	rec.ObserveSolve("success", "", 12)
	rec.ObserveSolve("failed", "insufficient_data", 30)
	rec.ObserveFit(1.25)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.trials.WithLabelValues("expanding", "penetrated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.trials.WithLabelValues("bisecting", "penetrated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.solves.WithLabelValues("failed", "insufficient_data")))
	assert.Equal(t, 2, testutil.CollectAndCount(rec.solves))
}

func TestPrometheusDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)

	_, err = NewPrometheus(reg)
	assert.Error(t, err, "registering the same collectors twice should fail")
}

func TestNoopRecorder(t *testing.T) {
	var rec Recorder = Noop{}
	assert.NotPanics(t, func() {
		rec.ObserveTrial("sampling", "failed", time.Second)
		rec.ObserveSolve("failed", "fit_failed", 3)
		rec.ObserveFit(0)
	})
}
