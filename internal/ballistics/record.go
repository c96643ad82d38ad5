package ballistics

import (
	"encoding/json"
	"math"
)

// ResultRecord is the per-configuration outcome of a solve. It is the only
// value that leaves the solver, and exactly one is produced per configuration.
type ResultRecord struct {
	// Index numbers configurations from 1 in submission order
	Index       int       `json:"index"`
	Label       string    `json:"label"`
	Thicknesses []float64 `json:"thicknesses"`

	Status FitStatus `json:"status"`
	Reason Reason    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`

	V50    float64     `json:"V50,omitempty"`
	ParamA float64     `json:"param_a,omitempty"`
	ParamP float64     `json:"param_p,omitempty"`
	RMSE   float64     `json:"rmse,omitempty"`
	StdErr ModelParams `json:"std_err"`

	VLow  float64 `json:"v_low"`
	VHigh float64 `json:"v_high"`
	Runs  int     `json:"runs"`
	// PointsUsed is the filtered point set handed to the fitter, or the
	// collected points when the fit never ran
	PointsUsed []ObservationPoint `json:"points_used"`
	Converged  bool               `json:"converged"`
	Trials     []Trial            `json:"trials,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`
}

// Succeeded reports whether the record carries a fitted V50.
func (r ResultRecord) Succeeded() bool {
	return r.Status == FitSuccess
}

// Bracket returns the terminal velocity bracket.
func (r ResultRecord) Bracket() VelocityBracket {
	return VelocityBracket{Low: r.VLow, High: r.VHigh}
}

// Model returns the fitted parameters.
func (r ResultRecord) Model() ModelParams {
	return ModelParams{A: r.ParamA, P: r.ParamP, VBL: r.V50}
}

type recordAlias ResultRecord

// MarshalJSON encodes an unbounded v_high as null.
func (r ResultRecord) MarshalJSON() ([]byte, error) {
	var high *float64
	if !math.IsInf(r.VHigh, 1) {
		v := r.VHigh
		high = &v
	}
	return json.Marshal(struct {
		recordAlias
		VHigh *float64 `json:"v_high"`
	}{recordAlias(r), high})
}

// UnmarshalJSON decodes a null v_high as +Inf.
func (r *ResultRecord) UnmarshalJSON(data []byte) error {
	aux := struct {
		*recordAlias
		VHigh *float64 `json:"v_high"`
	}{recordAlias: (*recordAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.VHigh = math.Inf(1)
	if aux.VHigh != nil {
		r.VHigh = *aux.VHigh
	}
	return nil
}

func newRecord(index int, cfg TargetConfiguration, floor float64) ResultRecord {
	return ResultRecord{
		Index:       index,
		Label:       cfg.Label(),
		Thicknesses: cfg.Thicknesses(),
		Status:      FitFailed,
		VLow:        floor,
		VHigh:       math.Inf(1),
	}
}

func (r *ResultRecord) applySnapshot(snap SearchSnapshot) {
	r.VLow = snap.Bracket.Low
	r.VHigh = snap.Bracket.High
	r.Runs = snap.Runs
	r.PointsUsed = snap.Points
	r.Converged = snap.Converged
	r.Trials = snap.Trials
}

func (r *ResultRecord) applyFit(fit FitResult) {
	r.Status = fit.Status
	r.Reason = fit.Reason
	r.Detail = fit.Detail
	if fit.Points != nil {
		r.PointsUsed = fit.Points
	}
	if fit.Status != FitSuccess {
		return
	}
	r.V50 = fit.Params.VBL
	r.ParamA = fit.Params.A
	r.ParamP = fit.Params.P
	r.RMSE = fit.RMSE
	r.StdErr = fit.StdErr
}

func (r *ResultRecord) fail(err *Error) {
	r.Status = FitFailed
	r.Reason = err.Reason
	r.Detail = err.Detail()
}
