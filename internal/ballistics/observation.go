package ballistics

import (
	"context"
	"fmt"
	"math"
)

// OutcomeKind classifies the verdict of one experiment.
type OutcomeKind string

const (
	OutcomePenetrated    OutcomeKind = "penetrated"
	OutcomeNotPenetrated OutcomeKind = "not_penetrated"
	OutcomeFailed        OutcomeKind = "failed"
)

// Outcome is the verdict returned by an ObservationSource.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	// ResidualVelocity is meaningful only for penetrating outcomes
	ResidualVelocity float64 `json:"residual_velocity,omitempty"`
	// Reason explains a failed experiment
	Reason string `json:"reason,omitempty"`
}

// Penetrated returns a penetrating outcome with residual velocity vr.
func Penetrated(vr float64) Outcome {
	return Outcome{Kind: OutcomePenetrated, ResidualVelocity: vr}
}

// NotPenetrated returns a non-penetrating outcome.
func NotPenetrated() Outcome {
	return Outcome{Kind: OutcomeNotPenetrated}
}

// ExperimentFailed returns a failed outcome carrying reason.
func ExperimentFailed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

// IsPenetrated reports whether the projectile went through.
func (o Outcome) IsPenetrated() bool { return o.Kind == OutcomePenetrated }

// IsFailed reports whether the experiment produced no information.
func (o Outcome) IsFailed() bool { return o.Kind == OutcomeFailed }

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomePenetrated:
		return fmt.Sprintf("penetrated(vr=%.2f)", o.ResidualVelocity)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	default:
		return string(o.Kind)
	}
}

// normalize maps malformed verdicts onto the three valid kinds.
func (o Outcome) normalize() Outcome {
	switch o.Kind {
	case OutcomePenetrated:
		if math.IsNaN(o.ResidualVelocity) || o.ResidualVelocity < 0 {
			o.ResidualVelocity = 0
		}
		return o
	case OutcomeNotPenetrated:
		return NotPenetrated()
	case OutcomeFailed:
		if o.Reason == "" {
			o.Reason = "unspecified failure"
		}
		return o
	default:
		return ExperimentFailed(fmt.Sprintf("unknown outcome kind %q", o.Kind))
	}
}

// ObservationSource runs one experiment for a configuration at an impact
// velocity. Calls block for the duration of the external simulation. A
// non-nil error is treated exactly like an ExperimentFailed outcome.
type ObservationSource interface {
	Observe(ctx context.Context, cfg TargetConfiguration, velocity float64) (Outcome, error)
}

// ObservationSourceFunc adapts a function to ObservationSource.
type ObservationSourceFunc func(ctx context.Context, cfg TargetConfiguration, velocity float64) (Outcome, error)

// Observe calls f.
func (f ObservationSourceFunc) Observe(ctx context.Context, cfg TargetConfiguration, velocity float64) (Outcome, error) {
	return f(ctx, cfg, velocity)
}
