package ballistics

import (
	"context"
	"time"

	"github.com/copyleftdev/ballistic/internal/logging"
	"github.com/copyleftdev/ballistic/internal/metrics"
)

// Controller drives the adaptive search for one target configuration. It is
// not safe for concurrent use; every decision depends on all prior outcomes.
type Controller struct {
	cfg      TargetConfiguration
	params   SearchParams
	source   ObservationSource
	logger   *logging.Logger
	recorder metrics.Recorder
	step     StepFunc
	state    *SearchState
}

// NewController creates a controller. params is expected to be valid.
func NewController(cfg TargetConfiguration, params SearchParams, source ObservationSource, opts ...Option) *Controller {
	o := buildOptions(opts)
	return &Controller{
		cfg:      cfg,
		params:   params,
		source:   source,
		logger:   o.logger,
		recorder: o.recorder,
		step:     params.Stepper(),
		state:    newSearchState(params.VelocityFloor),
	}
}

// Run executes the search to a terminal state and returns its snapshot. The
// context is passed to the observation source only; a search that has started
// is never abandoned part way.
func (c *Controller) Run(ctx context.Context) SearchSnapshot {
	c.expand(ctx)
	if c.state.Bracket.Established() {
		c.sample(ctx)
		c.bisect(ctx)
	}
	c.enter(PhaseDone)

	snap := c.state.snapshot(c.params.ConvergenceTolerance)
	c.logger.Info("search finished", map[string]interface{}{
		"runs":      snap.Runs,
		"points":    len(snap.Points),
		"v_low":     snap.Bracket.Low,
		"v_high":    snap.Bracket.High,
		"converged": snap.Converged,
	})
	return snap
}

func (c *Controller) enter(phase Phase) {
	c.state.Phase = phase
	c.logger.Debug("entering phase", map[string]interface{}{"phase": string(phase)})
}

func (c *Controller) budgetLeft() bool {
	return c.state.Runs < c.params.MaxTotalRuns
}

// observe runs one experiment. Errors from the source are folded into a
// failed outcome.
func (c *Controller) observe(ctx context.Context, v float64) Outcome {
	start := time.Now()
	c.state.Runs++

	outcome, err := c.source.Observe(ctx, c.cfg, v)
	if err != nil {
		outcome = ExperimentFailed(err.Error())
	}
	outcome = outcome.normalize()
	c.state.remember(v, outcome)

	c.recorder.ObserveTrial(string(c.state.Phase), string(outcome.Kind), time.Since(start))
	return outcome
}

// record appends the trial to the log once its outcome has been applied.
func (c *Controller) record(v float64, outcome Outcome, cached bool) {
	trial := Trial{
		Run:      c.state.Runs,
		Phase:    c.state.Phase,
		Velocity: v,
		Outcome:  outcome,
		Cached:   cached,
		Bracket:  c.state.Bracket,
	}
	c.state.Trials = append(c.state.Trials, trial)

	fields := map[string]interface{}{
		"run":      trial.Run,
		"phase":    string(trial.Phase),
		"velocity": v,
		"outcome":  string(outcome.Kind),
		"v_low":    trial.Bracket.Low,
		"v_high":   trial.Bracket.High,
	}
	if outcome.IsPenetrated() {
		fields["residual_velocity"] = outcome.ResidualVelocity
	}
	if cached {
		fields["cached"] = true
	}
	if outcome.IsFailed() {
		fields["reason"] = outcome.Reason
		c.logger.Warn("experiment failed", fields)
		return
	}
	c.logger.Info("trial", fields)
}

// collect records a penetrating outcome as an observation point if its
// residual velocity passes the filter. It reports whether a new point was added.
func (c *Controller) collect(v float64, outcome Outcome) bool {
	p := ObservationPoint{ImpactVelocity: v, ResidualVelocity: outcome.ResidualVelocity}
	if !p.InFilter(c.params.VRFilterThreshold) {
		return false
	}
	return c.state.Points.Add(p)
}

// fallback is the step taken after a failed trial during expansion.
func (c *Controller) fallback(v float64) float64 {
	if c.params.LinearStep > 0 {
		return v + c.params.LinearStep
	}
	return c.step(v)
}

func (c *Controller) expand(ctx context.Context) {
	c.enter(PhaseExpanding)

	v := c.params.InitialVelocity
	retries := 0
	succeeded := false
	for c.budgetLeft() {
		outcome := c.observe(ctx, v)

		switch {
		case outcome.IsFailed():
			c.record(v, outcome, false)
			if succeeded || retries >= c.params.MaxExpansionRetries {
				c.logger.Error("abandoning expansion after failed experiment", map[string]interface{}{
					"velocity": v,
					"runs":     c.state.Runs,
				})
				return
			}
			retries++
			v = c.fallback(v)

		case outcome.IsPenetrated():
			c.state.Bracket.LowerHigh(v)
			c.collect(v, outcome)
			c.record(v, outcome, false)
			return

		default:
			succeeded = true
			c.state.Bracket.RaiseLow(v)
			c.record(v, outcome, false)
			v = c.step(v)
		}
	}

	c.logger.Warn("run ceiling reached during expansion", map[string]interface{}{
		"max_total_runs": c.params.MaxTotalRuns,
	})
}

// sample gathers extra observation points around the first penetration by
// alternating below and above it. Downward offsets stop at the non-penetration
// floor; upward offsets continue until the target count or run ceiling.
func (c *Controller) sample(ctx context.Context) {
	c.enter(PhaseSampling)

	step := c.params.SampleStep()
	anchor := c.state.Bracket.High
	down, up := anchor-step, anchor+step
	downOpen := true
	turn := 0
	collected := 0

	for collected < c.params.ExtraSamples && c.budgetLeft() {
		goDown := downOpen && turn%2 == 0
		turn++

		var v float64
		if goDown {
			if down <= c.state.Bracket.Low {
				downOpen = false
				continue
			}
			v = down
			down -= step
		} else {
			v = up
			up += step
		}

		if _, seen := c.state.lookup(v); seen {
			continue
		}

		outcome := c.observe(ctx, v)
		switch {
		case outcome.IsFailed():
		case outcome.IsPenetrated():
			c.state.Bracket.LowerHigh(v)
			if c.collect(v, outcome) {
				collected++
			}
		default:
			c.state.Bracket.RaiseLow(v)
		}
		c.record(v, outcome, false)
	}

	if collected < c.params.ExtraSamples {
		c.logger.Warn("sampling ended short of target", map[string]interface{}{
			"collected": collected,
			"target":    c.params.ExtraSamples,
		})
	}
}

func (c *Controller) bisect(ctx context.Context) {
	c.enter(PhaseBisecting)

	for i := 0; i < c.params.MaxBisectionIterations; i++ {
		if c.state.Bracket.Width() < c.params.ConvergenceTolerance {
			c.logger.Info("bracket converged", map[string]interface{}{
				"width":     c.state.Bracket.Width(),
				"tolerance": c.params.ConvergenceTolerance,
			})
			return
		}

		mid := c.state.Bracket.Midpoint()
		outcome, cached := c.state.lookup(mid)
		if !cached {
			if !c.budgetLeft() {
				c.logger.Warn("run ceiling reached during bisection", map[string]interface{}{
					"max_total_runs": c.params.MaxTotalRuns,
				})
				return
			}
			outcome = c.observe(ctx, mid)
		}

		switch {
		case outcome.IsPenetrated():
			c.state.Bracket.LowerHigh(mid)
			c.collect(mid, outcome)
		case outcome.IsFailed():
			c.shrinkOnFailure(mid)
		default:
			c.state.Bracket.RaiseLow(mid)
		}
		c.record(mid, outcome, cached)
	}
}

// shrinkOnFailure moves the bracket end on the side of the centre that v
// falls on. A failure at the exact midpoint raises Low.
func (c *Controller) shrinkOnFailure(v float64) {
	b := &c.state.Bracket
	if v > b.Midpoint() {
		b.LowerHigh(v)
		return
	}
	b.RaiseLow(v)
}
