package ballistics

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// FitStatus is the terminal status of a fit.
type FitStatus string

const (
	FitSuccess FitStatus = "success"
	FitFailed  FitStatus = "failed"
)

// vblMargin keeps the ballistic limit strictly below the slowest penetrating
// impact used for fitting.
const vblMargin = 0.99

// FitResult is the outcome of fitting the Lambert-Jonas model.
type FitResult struct {
	Status FitStatus   `json:"status"`
	Params ModelParams `json:"params"`
	// StdErr holds one-sigma parameter uncertainties, zero when unavailable
	StdErr ModelParams `json:"std_err"`
	RMSE   float64     `json:"rmse"`
	// Points is the filtered, sorted set the model was fitted to
	Points      []ObservationPoint `json:"points"`
	Evaluations int                `json:"evaluations"`
	Reason      Reason             `json:"reason,omitempty"`
	Detail      string             `json:"detail,omitempty"`
}

// V50 returns the fitted ballistic limit.
func (r FitResult) V50() float64 { return r.Params.VBL }

// Fitter performs bounded least-squares regression of the Lambert-Jonas model.
type Fitter struct {
	params SearchParams
	logger *zap.Logger
}

// NewFitter creates a fitter. A nil logger disables logging.
func NewFitter(params SearchParams, logger *zap.Logger) *Fitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fitter{
		params: params,
		logger: logger.Named("fitter"),
	}
}

// VBLUpperBound returns the dynamic upper bound for VBL: the static bound or
// just below the slowest impact velocity, whichever is lower.
func VBLUpperBound(static Range, points []ObservationPoint) float64 {
	upper := static.Max
	for _, p := range points {
		upper = math.Min(upper, vblMargin*p.ImpactVelocity)
	}
	return upper
}

// Fit regresses the model against points. It never panics; every failure is
// returned both as a failed FitResult and as a *Error.
func (f *Fitter) Fit(points []ObservationPoint) (res FitResult, err error) {
	const op = "Fitter.Fit"

	set := NewPointSet()
	for _, p := range points {
		set.Add(p)
	}
	used := FilterPoints(set.Sorted(), f.params.VRFilterThreshold)
	res = FitResult{Status: FitFailed, Points: used}

	fail := func(e *Error) (FitResult, error) {
		e.Op = op
		res.Status = FitFailed
		res.Reason = e.Reason
		res.Detail = e.Detail()
		f.logger.Warn("fit failed",
			zap.String("reason", string(e.Reason)),
			zap.String("detail", res.Detail),
			zap.Int("points", len(used)),
		)
		return res, e
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = fail(newError(ReasonFitNumericalError, op, fmt.Sprintf("panic during fit: %v", r), nil))
		}
	}()

	if len(used) < f.params.MinPointsForFit {
		return fail(newError(ReasonInsufficientData, op,
			fmt.Sprintf("%d points after filtering, need %d", len(used), f.params.MinPointsForFit), nil))
	}

	vi := make([]float64, len(used))
	vr := make([]float64, len(used))
	for i, p := range used {
		vi[i] = p.ImpactVelocity
		vr[i] = p.ResidualVelocity
	}

	b := f.params.Bounds
	vblUpper := VBLUpperBound(b.VBL, used)
	if !(vblUpper > b.VBL.Min) {
		return fail(newError(ReasonFitNumericalError, op,
			fmt.Sprintf("empty VBL bound [%v, %v]", b.VBL.Min, vblUpper), nil))
	}
	box := newBoundedSpace(
		[]float64{b.A.Min, b.P.Min, b.VBL.Min},
		[]float64{b.A.Max, b.P.Max, vblUpper},
	)

	sse := func(x []float64) float64 {
		var sum float64
		for i := range vi {
			d := vr[i] - LambertJonas(vi[i], x[0], x[1], x[2])
			sum += d * d
		}
		return sum
	}

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			v := sse(box.toParams(z))
			if math.IsNaN(v) {
				return math.Inf(1)
			}
			return v
		},
	}

	best, evals, ferr := f.minimize(problem, box, f.starts(box))
	res.Evaluations = evals
	if ferr != nil {
		return fail(ferr)
	}

	x := box.toParams(best)
	params := ModelParamsFromVector(x)
	if err := params.Validate(); err != nil {
		return fail(newError(ReasonFitNumericalError, op, "non-finite parameters", err))
	}

	pred := make([]float64, len(vi))
	for i := range vi {
		pred[i] = params.Residual(vi[i])
	}
	rmse := floats.Distance(vr, pred, 2) / math.Sqrt(float64(len(vi)))
	if math.IsNaN(rmse) || math.IsInf(rmse, 0) {
		return fail(newError(ReasonFitNumericalError, op, "non-finite rmse", nil))
	}

	res.Status = FitSuccess
	res.Params = params
	res.RMSE = rmse
	res.StdErr = standardErrors(vi, vr, x)

	f.logger.Info("fit converged",
		zap.Float64("v50", params.VBL),
		zap.Float64("a", params.A),
		zap.Float64("p", params.P),
		zap.Float64("rmse", rmse),
		zap.Int("points", len(used)),
		zap.Int("evaluations", evals),
	)
	return res, nil
}

// starts returns the deterministic multi-start points in unconstrained space.
func (f *Fitter) starts(box boundedSpace) [][]float64 {
	guess := f.params.InitialGuess
	lo, hi := box.lower, box.upper
	candidates := [][]float64{
		{guess.A, guess.P, guess.VBL},
		{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, lo[2] + 0.9*(hi[2]-lo[2])},
		{guess.A, guess.P, (lo[2] + hi[2]) / 2},
	}
	out := make([][]float64, len(candidates))
	for i, x := range candidates {
		out[i] = box.toFree(x)
	}
	return out
}

// minimize runs Nelder-Mead from every start and once more from the best
// location found. Only converged runs are accepted.
func (f *Fitter) minimize(problem optimize.Problem, box boundedSpace, starts [][]float64) ([]float64, int, *Error) {
	const op = "Fitter.minimize"

	var (
		best    []float64
		bestF   = math.Inf(1)
		evals   int
		lastErr error
		status  optimize.Status
	)

	run := func(x0 []float64) {
		settings := &optimize.Settings{
			FuncEvaluations: f.params.MaxFitEvaluations,
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-10,
				Relative:   1e-10,
				Iterations: 100,
			},
		}
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: 0.5,
		}

		result, err := optimize.Minimize(problem, x0, settings, method)
		if result != nil {
			evals += result.Stats.FuncEvaluations
			status = result.Status
		}
		if err != nil {
			lastErr = err
			f.logger.Debug("optimizer start failed", zap.Error(err))
			return
		}
		if !converged(result.Status) {
			f.logger.Debug("optimizer start did not converge", zap.String("status", result.Status.String()))
			return
		}
		if result.F < bestF {
			bestF = result.F
			best = append([]float64(nil), result.X...)
		}
	}

	for _, x0 := range starts {
		run(x0)
	}
	if best != nil {
		run(best)
	}

	if best == nil {
		if lastErr != nil {
			return nil, evals, newError(ReasonFitFailed, op, "optimizer error", lastErr)
		}
		return nil, evals, newError(ReasonFitFailed, op,
			fmt.Sprintf("optimizer did not converge (%s) within %d evaluations per start", status, f.params.MaxFitEvaluations), nil)
	}
	if math.IsInf(bestF, 0) || math.IsNaN(bestF) {
		return nil, evals, newError(ReasonFitNumericalError, op, "objective is not finite at the optimum", nil)
	}
	return best, evals, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionThreshold, optimize.FunctionConvergence,
		optimize.GradientThreshold, optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// standardErrors estimates parameter uncertainties from the Jacobian of the
// model at x. Returns zeros when the normal matrix cannot be inverted or
// there are no degrees of freedom left.
func standardErrors(vi, vr, x []float64) ModelParams {
	n, k := len(vi), len(x)
	if n <= k {
		return ModelParams{}
	}

	model := func(y, params []float64) {
		for i := range vi {
			y[i] = LambertJonas(vi[i], params[0], params[1], params[2])
		}
	}

	jac := mat.NewDense(n, k, nil)
	fd.Jacobian(jac, model, x, &fd.JacobianSettings{Formula: fd.Central})

	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)

	var cov mat.Dense
	if err := cov.Inverse(&jtj); err != nil {
		return ModelParams{}
	}

	pred := make([]float64, n)
	model(pred, x)
	resid := floats.Distance(vr, pred, 2)
	s2 := resid * resid / float64(n-k)
	cov.Scale(s2, &cov)

	out := make([]float64, k)
	for j := 0; j < k; j++ {
		v := cov.At(j, j)
		if !(v >= 0) || math.IsInf(v, 0) {
			return ModelParams{}
		}
		out[j] = math.Sqrt(v)
	}
	return ModelParamsFromVector(out)
}

// boundedSpace maps a box-constrained parameter vector onto R^n with a
// logistic transform so an unconstrained optimizer can search it.
type boundedSpace struct {
	lower, upper []float64
}

func newBoundedSpace(lower, upper []float64) boundedSpace {
	return boundedSpace{lower: lower, upper: upper}
}

// toParams maps z into the box.
func (b boundedSpace) toParams(z []float64) []float64 {
	x := make([]float64, len(z))
	for i, zi := range z {
		x[i] = b.lower[i] + (b.upper[i]-b.lower[i])/(1+math.Exp(-zi))
	}
	return x
}

// toFree maps x into R^n, nudging boundary values slightly inside the box.
func (b boundedSpace) toFree(x []float64) []float64 {
	const eps = 1e-6
	z := make([]float64, len(x))
	for i, xi := range x {
		frac := (xi - b.lower[i]) / (b.upper[i] - b.lower[i])
		frac = math.Max(eps, math.Min(frac, 1-eps))
		z[i] = math.Log(frac / (1 - frac))
	}
	return z
}
