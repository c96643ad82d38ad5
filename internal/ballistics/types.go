package ballistics

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// TargetConfiguration identifies the physical scenario under test. It is
// immutable: the layer thicknesses are copied in and copied out.
type TargetConfiguration struct {
	label       string
	thicknesses []float64
}

// NewTargetConfiguration creates a configuration from a label and its layer
// thicknesses in millimetres.
func NewTargetConfiguration(label string, thicknesses ...float64) TargetConfiguration {
	return TargetConfiguration{
		label:       label,
		thicknesses: append([]float64(nil), thicknesses...),
	}
}

// Label returns the caller supplied label, or the thickness tuple when none was given.
func (c TargetConfiguration) Label() string {
	if c.label != "" {
		return c.label
	}
	return c.String()
}

// Thicknesses returns a copy of the layer thicknesses.
func (c TargetConfiguration) Thicknesses() []float64 {
	return append([]float64(nil), c.thicknesses...)
}

// String renders the thickness tuple, e.g. "2x2.5x3".
func (c TargetConfiguration) String() string {
	parts := make([]string, len(c.thicknesses))
	for i, t := range c.thicknesses {
		parts[i] = strconv.FormatFloat(t, 'g', -1, 64)
	}
	return strings.Join(parts, "x")
}

// VelocityBracket is the tightest known interval with a non-penetrating trial
// at Low and a penetrating trial at High. High is +Inf until the first
// penetration is observed.
type VelocityBracket struct {
	Low  float64 `json:"v_low"`
	High float64 `json:"v_high"`
}

type bracketJSON struct {
	Low  float64  `json:"v_low"`
	High *float64 `json:"v_high"`
}

// MarshalJSON encodes an open upper end as null.
func (b VelocityBracket) MarshalJSON() ([]byte, error) {
	out := bracketJSON{Low: b.Low}
	if b.Established() {
		high := b.High
		out.High = &high
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null upper end as +Inf.
func (b *VelocityBracket) UnmarshalJSON(data []byte) error {
	var in bracketJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	b.Low = in.Low
	b.High = math.Inf(1)
	if in.High != nil {
		b.High = *in.High
	}
	return nil
}

// NewVelocityBracket returns the initial bracket [floor, +Inf).
func NewVelocityBracket(floor float64) VelocityBracket {
	return VelocityBracket{Low: floor, High: math.Inf(1)}
}

// Established reports whether a penetration has been observed.
func (b VelocityBracket) Established() bool {
	return !math.IsInf(b.High, 1)
}

// Width returns High-Low, +Inf while the bracket is open.
func (b VelocityBracket) Width() float64 {
	return b.High - b.Low
}

// Midpoint returns the bisection candidate.
func (b VelocityBracket) Midpoint() float64 {
	return (b.Low + b.High) / 2.0
}

// RaiseLow moves Low up to v when v lies strictly inside the bracket. It
// reports whether the bracket changed.
func (b *VelocityBracket) RaiseLow(v float64) bool {
	if v <= b.Low || v >= b.High {
		return false
	}
	b.Low = v
	return true
}

// LowerHigh moves High down to v when v lies strictly inside the bracket. It
// reports whether the bracket changed.
func (b *VelocityBracket) LowerHigh(v float64) bool {
	if v >= b.High || v <= b.Low {
		return false
	}
	b.High = v
	return true
}

// ObservationPoint is a penetrating trial with a usable residual velocity.
type ObservationPoint struct {
	ImpactVelocity   float64 `json:"impact_velocity"`
	ResidualVelocity float64 `json:"residual_velocity"`
}

// InFilter reports whether the residual velocity lies in (0, threshold].
func (p ObservationPoint) InFilter(threshold float64) bool {
	return p.ResidualVelocity > 0 && p.ResidualVelocity <= threshold
}

// PointSet is a set of observation points keyed by impact velocity.
type PointSet struct {
	points map[float64]ObservationPoint
}

// NewPointSet returns an empty set.
func NewPointSet() *PointSet {
	return &PointSet{points: make(map[float64]ObservationPoint)}
}

// Add inserts p. A point with an impact velocity already present is ignored;
// Add reports whether p was inserted.
func (s *PointSet) Add(p ObservationPoint) bool {
	if _, ok := s.points[p.ImpactVelocity]; ok {
		return false
	}
	s.points[p.ImpactVelocity] = p
	return true
}

// Len returns the number of points.
func (s *PointSet) Len() int {
	return len(s.points)
}

// Sorted returns the points ordered by impact velocity.
func (s *PointSet) Sorted() []ObservationPoint {
	out := make([]ObservationPoint, 0, len(s.points))
	for _, p := range s.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ImpactVelocity < out[j].ImpactVelocity
	})
	return out
}

// FilterPoints keeps the points whose residual velocity lies in (0, threshold].
// Applying it twice yields the same result as applying it once.
func FilterPoints(points []ObservationPoint, threshold float64) []ObservationPoint {
	out := make([]ObservationPoint, 0, len(points))
	for _, p := range points {
		if p.InFilter(threshold) {
			out = append(out, p)
		}
	}
	return out
}

// Phase tags the state of the search.
type Phase string

const (
	PhaseExpanding Phase = "expanding"
	PhaseSampling  Phase = "sampling"
	PhaseBisecting Phase = "bisecting"
	PhaseDone      Phase = "done"
)

// Trial records one experiment and the bracket after it was applied.
type Trial struct {
	Run      int     `json:"run"`
	Phase    Phase   `json:"phase"`
	Velocity float64 `json:"velocity"`
	Outcome  Outcome `json:"outcome"`
	// Cached is set when the outcome was reused instead of re-running the experiment
	Cached bool `json:"cached,omitempty"`
	// Bracket is the bracket after the outcome was applied
	Bracket VelocityBracket `json:"bracket"`
}

// SearchState is owned by a single Controller for the duration of one
// configuration's search.
type SearchState struct {
	Bracket VelocityBracket
	Points  *PointSet
	Runs    int
	Phase   Phase
	Trials  []Trial

	tried map[string]Outcome
}

func newSearchState(floor float64) *SearchState {
	return &SearchState{
		Bracket: NewVelocityBracket(floor),
		Points:  NewPointSet(),
		Phase:   PhaseExpanding,
		tried:   make(map[string]Outcome),
	}
}

// velocityKey rounds to six decimal digits, the resolution at which two
// candidate velocities are considered the same experiment.
func velocityKey(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func (s *SearchState) lookup(v float64) (Outcome, bool) {
	o, ok := s.tried[velocityKey(v)]
	return o, ok
}

func (s *SearchState) remember(v float64, o Outcome) {
	s.tried[velocityKey(v)] = o
}

// SearchSnapshot is the frozen terminal state of a search.
type SearchSnapshot struct {
	Bracket   VelocityBracket    `json:"bracket"`
	Points    []ObservationPoint `json:"points"`
	Runs      int                `json:"runs"`
	Converged bool               `json:"converged"`
	Trials    []Trial            `json:"trials"`
}

func (s *SearchState) snapshot(tolerance float64) SearchSnapshot {
	return SearchSnapshot{
		Bracket:   s.Bracket,
		Points:    s.Points.Sorted(),
		Runs:      s.Runs,
		Converged: s.Bracket.Established() && s.Bracket.Width() < tolerance,
		Trials:    append([]Trial(nil), s.Trials...),
	}
}
