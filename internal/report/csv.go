// Package report writes result records to CSV and JSON files and renders
// terminal plots of fitted models.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/errors"
)

var summaryColumns = []string{
	"status", "reason", "V50", "param_a", "param_p", "rmse",
	"v_low", "v_high", "runs", "points_used", "converged", "duration_seconds",
}

// Header returns the CSV header for records with up to layers thicknesses.
func Header(layers int) []string {
	h := []string{"config_index", "label"}
	for i := 1; i <= layers; i++ {
		h = append(h, fmt.Sprintf("t%d", i))
	}
	return append(h, summaryColumns...)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Row renders rec as a CSV row matching Header(layers).
func Row(rec ballistics.ResultRecord, layers int) []string {
	row := []string{strconv.Itoa(rec.Index), rec.Label}
	for i := 0; i < layers; i++ {
		if i < len(rec.Thicknesses) {
			row = append(row, formatFloat(rec.Thicknesses[i]))
		} else {
			row = append(row, "")
		}
	}

	v50, a, p, rmse := "", "", "", ""
	if rec.Succeeded() {
		v50 = formatFloat(rec.V50)
		a = formatFloat(rec.ParamA)
		p = formatFloat(rec.ParamP)
		rmse = formatFloat(rec.RMSE)
	}
	return append(row,
		string(rec.Status),
		string(rec.Reason),
		v50, a, p, rmse,
		formatFloat(rec.VLow),
		formatFloat(rec.VHigh),
		strconv.Itoa(rec.Runs),
		strconv.Itoa(len(rec.PointsUsed)),
		strconv.FormatBool(rec.Converged),
		strconv.FormatFloat(rec.DurationSeconds, 'f', 3, 64),
	)
}

// WriteCSV writes records sorted by configuration index.
func WriteCSV(w io.Writer, records []ballistics.ResultRecord) error {
	sorted := append([]ballistics.ResultRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	layers := 0
	for _, r := range sorted {
		if len(r.Thicknesses) > layers {
			layers = len(r.Thicknesses)
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Header(layers)); err != nil {
		return err
	}
	for _, r := range sorted {
		if err := cw.Write(Row(r, layers)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVFile keeps a results file in sync with the records seen so far. Every
// Append rewrites the whole file, so a crash loses at most the configuration
// in progress.
type CSVFile struct {
	path    string
	mu      sync.Mutex
	records []ballistics.ResultRecord
}

// NewCSVFile returns a CSVFile writing to path. Nothing is written until the
// first Append.
func NewCSVFile(path string) *CSVFile {
	return &CSVFile{path: path}
}

// Path returns the file location.
func (f *CSVFile) Path() string {
	return f.path
}

// Append adds rec, replacing any earlier record with the same index, and
// rewrites the file.
func (f *CSVFile) Append(rec ballistics.ResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	replaced := false
	for i := range f.records {
		if f.records[i].Index == rec.Index {
			f.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		f.records = append(f.records, rec)
	}
	return f.flush()
}

// Records returns a copy of the records written so far.
func (f *CSVFile) Records() []ballistics.ResultRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ballistics.ResultRecord(nil), f.records...)
}

func (f *CSVFile) flush() error {
	fail := func(err error, msg string) error {
		return errors.Wrap(err, msg).WithOperation("CSVFile.Append").WithComponent(errors.ComponentReport)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err, "create results directory")
	}
	tmp, err := os.CreateTemp(dir, ".results-*.csv")
	if err != nil {
		return fail(err, "create temporary results file")
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, f.records); err != nil {
		tmp.Close()
		return fail(err, "write results")
	}
	if err := tmp.Close(); err != nil {
		return fail(err, "close results")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fail(err, "replace "+f.path)
	}
	return nil
}
