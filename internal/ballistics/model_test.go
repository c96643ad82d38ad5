package ballistics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLambertJonasZeroAtOrBelowLimit(t *testing.T) {
	tests := []struct {
		name      string
		a, p, vbl float64
	}{
		{"typical", 0.8, 2.0, 750},
		{"steep exponent", 1.2, 4.5, 420},
		{"shallow exponent", 0.3, 1.1, 1500},
		{"fractional exponent", 1.0, 0.5, 900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, vi := range []float64{-10, 0, 1, tt.vbl / 2, tt.vbl * 0.999, tt.vbl} {
				assert.Equal(t, 0.0, LambertJonas(vi, tt.a, tt.p, tt.vbl), "vi=%v", vi)
			}

			prev := 0.0
			for vi := tt.vbl + 0.5; vi < tt.vbl*3; vi += tt.vbl / 40 {
				got := LambertJonas(vi, tt.a, tt.p, tt.vbl)
				assert.False(t, math.IsNaN(got))
				assert.Greater(t, got, prev, "vi=%v", vi)
				prev = got
			}
		})
	}
}

func TestLambertJonasKnownValue(t *testing.T) {
	// a * sqrt(1000^2 - 600^2) = 0.5 * 800
	assert.InDelta(t, 400.0, LambertJonas(1000, 0.5, 2, 600), 1e-9)
	assert.InDelta(t, 400.0, ModelParams{A: 0.5, P: 2, VBL: 600}.Residual(1000), 1e-9)
}

func TestModelParamsValidate(t *testing.T) {
	assert.NoError(t, ModelParams{A: 1, P: 2, VBL: 500}.Validate())
	assert.Error(t, ModelParams{A: 0, P: 2, VBL: 500}.Validate())
	assert.Error(t, ModelParams{A: 1, P: math.NaN(), VBL: 500}.Validate())
	assert.Error(t, ModelParams{A: 1, P: 2, VBL: math.Inf(1)}.Validate())

	m := ModelParamsFromVector(ModelParams{A: 1, P: 2, VBL: 3}.Vector())
	assert.Equal(t, ModelParams{A: 1, P: 2, VBL: 3}, m)
}

func TestVelocityBracketNeverWidens(t *testing.T) {
	b := NewVelocityBracket(0)
	assert.False(t, b.Established())
	assert.True(t, math.IsInf(b.Width(), 1))

	assert.True(t, b.RaiseLow(300))
	assert.False(t, b.RaiseLow(200), "lower value must not move v_low down")
	assert.True(t, b.LowerHigh(1000))
	assert.False(t, b.LowerHigh(1200), "higher value must not move v_high up")
	assert.False(t, b.RaiseLow(1000), "v_low may not reach v_high")
	assert.False(t, b.LowerHigh(300), "v_high may not reach v_low")
	assert.True(t, b.Established())
	assert.Equal(t, VelocityBracket{Low: 300, High: 1000}, b)
	assert.Equal(t, 650.0, b.Midpoint())
}

func TestVelocityBracketJSON(t *testing.T) {
	open := NewVelocityBracket(450)
	data, err := json.Marshal(open)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v_low":450,"v_high":null}`, string(data))

	var back VelocityBracket
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsInf(back.High, 1))

	closed := VelocityBracket{Low: 675, High: 1012.5}
	data, err = json.Marshal(closed)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, closed, back)
}

func TestFilterPointsIdempotent(t *testing.T) {
	points := []ObservationPoint{
		{ImpactVelocity: 800, ResidualVelocity: 0},
		{ImpactVelocity: 820, ResidualVelocity: 12},
		{ImpactVelocity: 900, ResidualVelocity: 400},
		{ImpactVelocity: 950, ResidualVelocity: 400.01},
		{ImpactVelocity: 990, ResidualVelocity: -1},
	}

	once := FilterPoints(points, 400)
	twice := FilterPoints(once, 400)
	assert.Equal(t, once, twice)
	assert.Equal(t, []ObservationPoint{
		{ImpactVelocity: 820, ResidualVelocity: 12},
		{ImpactVelocity: 900, ResidualVelocity: 400},
	}, once)
}

func TestPointSetDeduplicatesByImpactVelocity(t *testing.T) {
	s := NewPointSet()
	assert.True(t, s.Add(ObservationPoint{ImpactVelocity: 900, ResidualVelocity: 10}))
	assert.True(t, s.Add(ObservationPoint{ImpactVelocity: 850, ResidualVelocity: 5}))
	assert.False(t, s.Add(ObservationPoint{ImpactVelocity: 900, ResidualVelocity: 99}))

	sorted := s.Sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, 850.0, sorted[0].ImpactVelocity)
	assert.Equal(t, 10.0, sorted[1].ResidualVelocity, "first insertion wins")
}

func TestTargetConfiguration(t *testing.T) {
	th := []float64{2, 2.5, 3}
	cfg := NewTargetConfiguration("", th...)
	th[0] = 99

	assert.Equal(t, "2x2.5x3", cfg.String())
	assert.Equal(t, "2x2.5x3", cfg.Label())
	got := cfg.Thicknesses()
	got[1] = 42
	assert.Equal(t, []float64{2, 2.5, 3}, cfg.Thicknesses())

	assert.Equal(t, "front plate", NewTargetConfiguration("front plate", 4).Label())
}

func TestSearchParamsValidate(t *testing.T) {
	require.NoError(t, DefaultSearchParams().Validate())

	tests := []struct {
		name   string
		mutate func(p *SearchParams)
	}{
		{"zero initial velocity", func(p *SearchParams) { p.InitialVelocity = 0 }},
		{"floor above start", func(p *SearchParams) { p.VelocityFloor = 400 }},
		{"no step", func(p *SearchParams) { p.GrowthFactor = 1; p.LinearStep = 0 }},
		{"zero tolerance", func(p *SearchParams) { p.ConvergenceTolerance = 0 }},
		{"no runs", func(p *SearchParams) { p.MaxTotalRuns = 0 }},
		{"negative samples", func(p *SearchParams) { p.ExtraSamples = -1 }},
		{"zero filter", func(p *SearchParams) { p.VRFilterThreshold = 0 }},
		{"zero min points", func(p *SearchParams) { p.MinPointsForFit = 0 }},
		{"inverted bound", func(p *SearchParams) { p.Bounds.P = Range{Min: 5, Max: 1} }},
		{"guess outside bound", func(p *SearchParams) { p.InitialGuess.A = 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultSearchParams()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestStepper(t *testing.T) {
	p := DefaultSearchParams()
	assert.Equal(t, 450.0, p.Stepper()(300))

	p.GrowthFactor = 0
	assert.Equal(t, 450.0, p.Stepper()(300))
	p.LinearStep = 100
	assert.Equal(t, 400.0, p.Stepper()(300))
	assert.Equal(t, 20.0, p.SampleStep())

	p.LinearStep = 2
	assert.Equal(t, 1.0, p.SampleStep())
}
