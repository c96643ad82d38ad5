// Package observation provides concrete observation sources for the
// ballistic limit search: a synthetic ground-truth model and an external
// command runner.
package observation

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/ballistic/internal/ballistics"
)

// SyntheticConfig describes the ground truth of a Synthetic source.
type SyntheticConfig struct {
	// Model is the true Lambert-Jonas law.
	Model ballistics.ModelParams
	// VBLPerMM, when positive, replaces Model.VBL with VBLPerMM times the
	// total thickness of the configuration.
	VBLPerMM float64
	// Noise is the standard deviation of the residual velocity in m/s.
	Noise float64
	// FailureRate is the probability that an experiment fails.
	FailureRate float64
	// Delay simulates solver run time.
	Delay time.Duration
	Seed  uint64
}

// Synthetic answers experiments from a known model. It is safe for
// concurrent use.
type Synthetic struct {
	cfg SyntheticConfig

	mu    sync.Mutex
	rng   *rand.Rand
	noise distuv.Normal
}

// NewSynthetic validates cfg and creates the source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if err := cfg.Model.Validate(); err != nil && cfg.VBLPerMM <= 0 {
		return nil, fmt.Errorf("synthetic model: %w", err)
	}
	if cfg.Noise < 0 {
		return nil, fmt.Errorf("synthetic noise must not be negative, got %v", cfg.Noise)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate >= 1 {
		return nil, fmt.Errorf("synthetic failure rate must be in [0, 1), got %v", cfg.FailureRate)
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	rng := rand.New(src)
	return &Synthetic{
		cfg: cfg,
		rng: rng,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: cfg.Noise,
			Src:   rng,
		},
	}, nil
}

// Limit returns the true ballistic limit for target.
func (s *Synthetic) Limit(target ballistics.TargetConfiguration) float64 {
	if s.cfg.VBLPerMM <= 0 {
		return s.cfg.Model.VBL
	}
	var total float64
	for _, t := range target.Thicknesses() {
		total += t
	}
	return s.cfg.VBLPerMM * total
}

// Observe implements ballistics.ObservationSource.
func (s *Synthetic) Observe(ctx context.Context, target ballistics.TargetConfiguration, velocity float64) (ballistics.Outcome, error) {
	if s.cfg.Delay > 0 {
		timer := time.NewTimer(s.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ballistics.Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate {
		return ballistics.Outcome{}, fmt.Errorf("synthetic solver failure at %.2f m/s", velocity)
	}

	vbl := s.Limit(target)
	if velocity <= vbl {
		return ballistics.NotPenetrated(), nil
	}

	vr := ballistics.LambertJonas(velocity, s.cfg.Model.A, s.cfg.Model.P, vbl)
	if s.cfg.Noise > 0 {
		vr = math.Max(0, vr+s.noise.Rand())
	}
	return ballistics.Penetrated(vr), nil
}
