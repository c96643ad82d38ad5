package ballistics

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ballistic/internal/logging"
)

type recordingRecorder struct {
	mu     sync.Mutex
	trials int
	solves []string
	fits   int
}

func (r *recordingRecorder) ObserveTrial(string, string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trials++
}

func (r *recordingRecorder) ObserveSolve(status, reason string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solves = append(r.solves, status+"/"+reason)
}

func (r *recordingRecorder) ObserveFit(float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fits++
}

// groundTruth is a concurrency-safe Lambert-Jonas source.
func groundTruth(a, p, vbl float64) ObservationSource {
	return ObservationSourceFunc(func(_ context.Context, _ TargetConfiguration, v float64) (Outcome, error) {
		if v > vbl {
			return Penetrated(LambertJonas(v, a, p, vbl)), nil
		}
		return NotPenetrated(), nil
	})
}

func newTestSolver(t *testing.T, params SearchParams, src ObservationSource, opts ...Option) *Solver {
	t.Helper()
	s, err := NewSolver(params, src, opts...)
	require.NoError(t, err)
	return s
}

func TestSolveSuccess(t *testing.T) {
	rec := &recordingRecorder{}
	params := DefaultSearchParams()
	params.ExtraSamples = 5

	s := newTestSolver(t, params, groundTruth(0.6, 2.0, 700), WithRecorder(rec))
	got := s.Solve(context.Background(), 1, NewTargetConfiguration("plate", 4, 6))

	require.True(t, got.Succeeded(), "reason=%s detail=%s", got.Reason, got.Detail)
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, "plate", got.Label)
	assert.Equal(t, []float64{4, 6}, got.Thicknesses)
	assert.InDelta(t, 700, got.V50, 15)
	assert.Less(t, got.VLow, got.VHigh)
	assert.True(t, got.Converged)
	assert.GreaterOrEqual(t, len(got.PointsUsed), params.MinPointsForFit)
	assert.Equal(t, got.Runs, rec.trials)
	assert.LessOrEqual(t, got.Runs, params.MaxTotalRuns)
	assert.Equal(t, []string{"success/"}, rec.solves)
	assert.Equal(t, 1, rec.fits)
	assert.Positive(t, got.DurationSeconds)
}

func TestSolveNoPenetration(t *testing.T) {
	s := newTestSolver(t, DefaultSearchParams(), ObservationSourceFunc(
		func(context.Context, TargetConfiguration, float64) (Outcome, error) {
			return ExperimentFailed("solver crashed"), nil
		}))

	got := s.Solve(context.Background(), 2, testConfig)
	assert.Equal(t, FitFailed, got.Status)
	assert.Equal(t, ReasonNoPenetrationFound, got.Reason)
	assert.Equal(t, 2, got.Runs)
	assert.True(t, math.IsInf(got.VHigh, 1))
	assert.Empty(t, got.PointsUsed)
}

func TestSolveInsufficientData(t *testing.T) {
	params := DefaultSearchParams()
	params.ExtraSamples = 0
	params.MinPointsForFit = 6

	// Bisection toward 900 yields four penetrating points.
	s := newTestSolver(t, params, groundTruth(0.5, 2, 900))
	got := s.Solve(context.Background(), 1, testConfig)

	assert.Equal(t, FitFailed, got.Status)
	assert.Equal(t, ReasonInsufficientData, got.Reason)
	assert.Greater(t, got.VLow, 0.0)
	assert.False(t, math.IsInf(got.VHigh, 1))
	assert.Less(t, got.VLow, got.VHigh)
	assert.Len(t, got.PointsUsed, 4)
	assert.Zero(t, got.V50)
}

func TestSolveRecoversFromPanickingSource(t *testing.T) {
	rec := &recordingRecorder{}
	s := newTestSolver(t, DefaultSearchParams(), ObservationSourceFunc(
		func(context.Context, TargetConfiguration, float64) (Outcome, error) {
			panic("extractor state corrupted")
		}), WithRecorder(rec))

	var got ResultRecord
	require.NotPanics(t, func() {
		got = s.Solve(context.Background(), 3, testConfig)
	})
	assert.Equal(t, FitFailed, got.Status)
	assert.Equal(t, ReasonCriticalFailure, got.Reason)
	assert.Contains(t, got.Detail, "extractor state corrupted")
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, []string{"failed/critical_failure"}, rec.solves)
}

func TestSolveWritesConfigurationLog(t *testing.T) {
	dir := t.TempDir()
	var base bytes.Buffer
	s := newTestSolver(t, DefaultSearchParams(), groundTruth(0.6, 2, 650),
		WithWorkDir(dir), WithLogger(logging.New(logging.InfoLevel, &base)))

	assert.Equal(t, filepath.Join(dir, "config_07"), s.ConfigDir(7))
	s.Solve(context.Background(), 7, testConfig)

	data, err := os.ReadFile(filepath.Join(dir, "config_07", logging.ScopeLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"trial"`)
	assert.Contains(t, string(data), `"message":"search finished"`)
	assert.Contains(t, string(data), `"logger":"fitter"`)
	assert.Contains(t, base.String(), `"config":7`)
}

func TestSolveIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawCancelled bool
	src := ObservationSourceFunc(func(ctx context.Context, cfg TargetConfiguration, v float64) (Outcome, error) {
		if ctx.Err() != nil {
			sawCancelled = true
		}
		return groundTruth(0.6, 2, 650).Observe(ctx, cfg, v)
	})

	got := newTestSolver(t, DefaultSearchParams(), src).Solve(ctx, 1, testConfig)
	assert.False(t, sawCancelled)
	assert.True(t, got.Succeeded())
}

func TestNewSolverValidates(t *testing.T) {
	params := DefaultSearchParams()
	params.MaxTotalRuns = 0
	_, err := NewSolver(params, groundTruth(1, 2, 500))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = NewSolver(DefaultSearchParams(), nil)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestResultRecordJSON(t *testing.T) {
	rec := ResultRecord{
		Index:  1,
		Label:  "2x3",
		Status: FitFailed,
		Reason: ReasonNoPenetrationFound,
		VLow:   675,
		VHigh:  math.Inf(1),
		Runs:   30,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v_high":null`)
	assert.Contains(t, string(data), `"reason":"no_penetration_found"`)
	assert.NotContains(t, string(data), `"V50"`)

	var back ResultRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsInf(back.VHigh, 1))
	assert.Equal(t, 675.0, back.VLow)
	assert.Equal(t, ReasonNoPenetrationFound, back.Reason)

	rec.VHigh = 1012.5
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 1012.5, back.VHigh)
}

func batchConfigs() []TargetConfiguration {
	return []TargetConfiguration{
		NewTargetConfiguration("", 2),
		NewTargetConfiguration("", 3),
		NewTargetConfiguration("broken", 4),
		NewTargetConfiguration("", 5),
	}
}

// thicknessSource derives the limit from the first layer; "broken" panics.
func thicknessSource() ObservationSource {
	return ObservationSourceFunc(func(ctx context.Context, cfg TargetConfiguration, v float64) (Outcome, error) {
		if cfg.Label() == "broken" {
			panic("bad deck")
		}
		vbl := 200 * cfg.Thicknesses()[0]
		return groundTruth(0.6, 2, vbl).Observe(ctx, cfg, v)
	})
}

func TestBatchOneRecordPerConfiguration(t *testing.T) {
	for _, parallelism := range []int{1, 3} {
		s := newTestSolver(t, DefaultSearchParams(), thicknessSource(), WithParallelism(parallelism))

		var mu sync.Mutex
		var delivered []int
		records := NewBatch(s, func(rec ResultRecord) {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, rec.Index)
		}).Run(context.Background(), batchConfigs())

		require.Len(t, records, 4)
		for i, rec := range records {
			assert.Equal(t, i+1, rec.Index, "parallelism=%d", parallelism)
		}
		assert.Equal(t, "2", records[0].Label)
		assert.True(t, records[0].Succeeded())
		assert.True(t, records[1].Succeeded())
		assert.Equal(t, ReasonCriticalFailure, records[2].Reason)
		assert.True(t, records[3].Succeeded())
		assert.InDelta(t, 1000, records[3].V50, 25)

		sort.Ints(delivered)
		assert.Equal(t, []int{1, 2, 3, 4}, delivered)
	}
}

func TestBatchCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestSolver(t, DefaultSearchParams(), thicknessSource())
	records := NewBatch(s, nil).Run(ctx, batchConfigs())

	require.Len(t, records, 4)
	for _, rec := range records {
		assert.Equal(t, ReasonCriticalFailure, rec.Reason)
		assert.Zero(t, rec.Runs)
		assert.True(t, strings.Contains(rec.Detail, "cancelled"))
	}
}
