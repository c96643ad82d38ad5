// Package ballistics estimates the ballistic limit velocity (V50) of a target
// configuration by adaptively choosing impact velocities to test and fitting
// the Lambert-Jonas penetration law to the observed residual velocities.
package ballistics

import (
	"fmt"
	"math"
)

// ModelParams holds the three Lambert-Jonas parameters.
type ModelParams struct {
	// A is the velocity-retention coefficient
	A float64 `json:"a" yaml:"a" env:"A"`
	// P is the shape exponent
	P float64 `json:"p" yaml:"p" env:"P"`
	// VBL is the ballistic-limit velocity, reported as V50
	VBL float64 `json:"vbl" yaml:"vbl" env:"VBL"`
}

// Vector returns the parameters in fitting order (a, p, VBL).
func (m ModelParams) Vector() []float64 {
	return []float64{m.A, m.P, m.VBL}
}

// ModelParamsFromVector is the inverse of Vector.
func ModelParamsFromVector(x []float64) ModelParams {
	return ModelParams{A: x[0], P: x[1], VBL: x[2]}
}

// Validate reports whether all parameters are strictly positive and finite.
func (m ModelParams) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{{"a", m.A}, {"p", m.P}, {"VBL", m.VBL}} {
		if !(v.value > 0) || math.IsInf(v.value, 0) {
			return fmt.Errorf("parameter %s must be positive and finite, got %v", v.name, v.value)
		}
	}
	return nil
}

// Residual evaluates the model at impact velocity vi.
func (m ModelParams) Residual(vi float64) float64 {
	return LambertJonas(vi, m.A, m.P, m.VBL)
}

// LambertJonas returns a * (vi^p - vbl^p)^(1/p) when vi^p > vbl^p and 0
// otherwise. The bracketed term is clamped at zero so a non-integer root of a
// negative base is never taken.
func LambertJonas(vi, a, p, vbl float64) float64 {
	if vi <= 0 {
		return 0
	}
	term := math.Pow(vi, p) - math.Pow(vbl, p)
	if !(term > 0) {
		return 0
	}
	return a * math.Pow(term, 1/p)
}
