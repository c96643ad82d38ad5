package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"

	"github.com/copyleftdev/ballistic/internal/ballistics"
)

const (
	plotWidth  = 70
	plotHeight = 12
)

// Curve samples the model at n evenly spaced impact velocities in [from, to].
func Curve(m ballistics.ModelParams, from, to float64, n int) (vi, vr []float64) {
	if n < 2 {
		n = 2
	}
	vi = make([]float64, n)
	vr = make([]float64, n)
	step := (to - from) / float64(n-1)
	for i := range vi {
		vi[i] = from + float64(i)*step
		vr[i] = m.Residual(vi[i])
	}
	return vi, vr
}

// ModelPlot renders residual velocity against impact velocity over [from, to].
func ModelPlot(m ballistics.ModelParams, from, to float64) string {
	_, vr := Curve(m, from, to, plotWidth)
	return asciigraph.Plot(vr,
		asciigraph.Height(plotHeight),
		asciigraph.Width(plotWidth),
		asciigraph.Caption(fmt.Sprintf("vr(vi) for a=%.3f p=%.3f VBL=%.1f, vi %.0f..%.0f m/s",
			m.A, m.P, m.VBL, from, to)),
	)
}

// TrialPlot renders the impact velocity of every trial in run order.
func TrialPlot(rec ballistics.ResultRecord) string {
	if len(rec.Trials) < 2 {
		return ""
	}
	data := make([]float64, len(rec.Trials))
	for i, t := range rec.Trials {
		data[i] = t.Velocity
	}
	return asciigraph.Plot(data,
		asciigraph.Height(plotHeight),
		asciigraph.Width(plotWidth),
		asciigraph.Caption(fmt.Sprintf("config %d (%s): impact velocity per trial", rec.Index, rec.Label)),
	)
}

// fitRange returns the velocity span covering the fitted limit and every
// point used.
func fitRange(rec ballistics.ResultRecord) (float64, float64) {
	lo, hi := rec.V50, rec.V50
	for _, p := range rec.PointsUsed {
		lo = math.Min(lo, p.ImpactVelocity)
		hi = math.Max(hi, p.ImpactVelocity)
	}
	return 0.9 * lo, 1.1 * hi
}

// RecordPlot renders the trial history and, for successful records, the
// fitted curve.
func RecordPlot(rec ballistics.ResultRecord) string {
	var b strings.Builder
	if trials := TrialPlot(rec); trials != "" {
		b.WriteString(trials)
		b.WriteString("\n\n")
	}
	if rec.Succeeded() {
		from, to := fitRange(rec)
		b.WriteString(ModelPlot(rec.Model(), from, to))
		b.WriteString("\n")
	}
	return b.String()
}

// Summary writes a one-line-per-record table.
func Summary(w io.Writer, records []ballistics.ResultRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLABEL\tSTATUS\tV50\tRMSE\tBRACKET\tRUNS\tPOINTS")
	for _, r := range records {
		v50, rmse := "-", "-"
		status := string(r.Status)
		if r.Succeeded() {
			v50 = fmt.Sprintf("%.1f", r.V50)
			rmse = fmt.Sprintf("%.2f", r.RMSE)
		} else if r.Reason != "" {
			status += " (" + string(r.Reason) + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t[%s, %s]\t%d\t%d\n",
			r.Index, r.Label, status, v50, rmse,
			formatFloat(r.VLow), formatFloat(r.VHigh), r.Runs, len(r.PointsUsed))
	}
	return tw.Flush()
}
