package ballistics

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/copyleftdev/ballistic/internal/logging"
)

// Solver runs the search and fit for single configurations. A Solver holds
// no per-configuration state and may be shared by concurrent solves.
type Solver struct {
	params SearchParams
	source ObservationSource
	opts   options
}

// NewSolver validates params and returns a Solver.
func NewSolver(params SearchParams, source ObservationSource, opts ...Option) (*Solver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, newError(ReasonInvalidParams, "NewSolver", "observation source is required", nil)
	}
	return &Solver{
		params: params,
		source: source,
		opts:   buildOptions(opts),
	}, nil
}

// Params returns the search parameters.
func (s *Solver) Params() SearchParams {
	return s.params
}

// ConfigDir returns the work directory used for configuration index, or ""
// when no work directory is configured.
func (s *Solver) ConfigDir(index int) string {
	if s.opts.workDir == "" {
		return ""
	}
	return filepath.Join(s.opts.workDir, fmt.Sprintf("config_%02d", index))
}

// Solve estimates V50 for cfg. It always returns a well-formed record: every
// failure, including a panic in the observation source, is reported through
// Status and Reason. Cancelling ctx does not interrupt the search.
func (s *Solver) Solve(ctx context.Context, index int, cfg TargetConfiguration) (rec ResultRecord) {
	start := time.Now()
	rec = newRecord(index, cfg, s.params.VelocityFloor)

	fields := map[string]interface{}{
		"config": index,
		"label":  cfg.Label(),
	}
	scope, err := logging.OpenScope(s.opts.logger, s.ConfigDir(index), fields)
	if err != nil {
		s.opts.logger.WithError(err).Warn("could not open configuration log, continuing without it", fields)
		scope, _ = logging.OpenScope(s.opts.logger, "", fields)
	}
	defer scope.Close()
	logger := scope.Logger()

	defer func() {
		if r := recover(); r != nil {
			rec.fail(newError(ReasonCriticalFailure, "Solver.Solve", fmt.Sprintf("panic: %v", r), nil))
			logger.Error("critical failure", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
		rec.DurationSeconds = time.Since(start).Seconds()
		s.opts.recorder.ObserveSolve(string(rec.Status), string(rec.Reason), rec.Runs)
	}()

	logger.Info("solving configuration", map[string]interface{}{
		"thicknesses": cfg.Thicknesses(),
	})

	ctrl := NewController(cfg, s.params, s.source, WithLogger(logger), WithRecorder(s.opts.recorder))
	snap := ctrl.Run(context.WithoutCancel(ctx))
	rec.applySnapshot(snap)

	if !snap.Bracket.Established() {
		e := newError(ReasonNoPenetrationFound, "Solver.Solve",
			fmt.Sprintf("no penetration observed in %d runs", snap.Runs), nil)
		rec.fail(e)
		logger.Error("search failed", map[string]interface{}{"reason": string(e.Reason), "v_low": snap.Bracket.Low})
		return rec
	}

	fitter := NewFitter(s.params, logging.NewZapLogger(logger))
	fit, err := fitter.Fit(snap.Points)
	rec.applyFit(fit)
	if err != nil {
		return rec
	}

	s.opts.recorder.ObserveFit(fit.RMSE)
	logger.Info("configuration solved", map[string]interface{}{
		"V50":  rec.V50,
		"rmse": rec.RMSE,
		"runs": rec.Runs,
	})
	return rec
}
