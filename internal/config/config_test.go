package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ballistic/internal/ballistics"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join("data", "ballistic.db"), cfg.Database.DSN)
	assert.DirExists(t, "data")
	assert.Equal(t, ballistics.DefaultSearchParams(), cfg.Search)
	assert.Equal(t, ObserverSynthetic, cfg.Observer.Kind)
	assert.Equal(t, 30*time.Minute, cfg.Observer.Timeout)
	assert.Equal(t, 10.0, cfg.Observer.PenetrationThreshold)
	assert.Equal(t, DefaultSynthetic(), cfg.Synthetic)
	assert.Equal(t, 1, cfg.BatchParallelism)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENV", "production")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SEARCH_INITIAL_VELOCITY", "400")
	t.Setenv("SEARCH_GROWTH_FACTOR", "2")
	t.Setenv("SEARCH_BOUND_VBL_MAX", "1500")
	t.Setenv("SEARCH_GUESS_VBL", "700")
	t.Setenv("OBSERVER_KIND", "command")
	t.Setenv("OBSERVER_COMMAND", "/opt/solver/run.sh")
	t.Setenv("OBSERVER_ARGS", "{velocity} {t1} {run_dir}")
	t.Setenv("OBSERVER_TIMEOUT", "5m")
	t.Setenv("SYNTHETIC_VBL", "640")
	t.Setenv("BATCH_PARALLELISM", "4")
	t.Setenv("DB_DSN", "file:state/results.db?_pragma=busy_timeout(5000)")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 400.0, cfg.Search.InitialVelocity)
	assert.Equal(t, 2.0, cfg.Search.GrowthFactor)
	assert.Equal(t, 1500.0, cfg.Search.Bounds.VBL.Max)
	assert.Equal(t, 50.0, cfg.Search.Bounds.VBL.Min, "unset fields keep defaults")
	assert.Equal(t, 700.0, cfg.Search.InitialGuess.VBL)
	assert.Equal(t, 150.0, cfg.Search.LinearStep)
	assert.Equal(t, []string{"{velocity}", "{t1}", "{run_dir}"}, cfg.Observer.Args)
	assert.Equal(t, 5*time.Minute, cfg.Observer.Timeout)
	assert.Equal(t, 640.0, cfg.Synthetic.Model.VBL)
	assert.Equal(t, 0.75, cfg.Synthetic.Model.A)
	assert.Equal(t, 4, cfg.BatchParallelism)
	assert.DirExists(t, "state")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"command without executable", map[string]string{"OBSERVER_KIND": "command"}},
		{"unknown observer", map[string]string{"OBSERVER_KIND": "lsdyna"}},
		{"bad search params", map[string]string{"SEARCH_MAX_TOTAL_RUNS": "0"}},
		{"bad parallelism", map[string]string{"BATCH_PARALLELISM": "0"}},
		{"bad database", map[string]string{"DB_TYPE": "postgres"}},
		{"unparsable number", map[string]string{"SEARCH_INITIAL_VELOCITY": "fast"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

const batchYAML = `
configurations:
  - label: baseline
    thicknesses: [2.0, 3.0]
  - thicknesses: [4]
search:
  initial_velocity: 400
  extra_samples: 5
  bounds:
    vbl: {min: 100, max: 1800}
observer:
  kind: command
  command: ./run_case.sh
  args: ["{velocity}", "{t1}", "{run_dir}"]
  timeout: 10m
work_dir: runs/study
results_csv: runs/study/v50.csv
parallelism: 2
`

func baseConfig() *Config {
	cfg := &Config{Search: ballistics.DefaultSearchParams(), Synthetic: DefaultSynthetic(), WorkDir: "runs", BatchParallelism: 1}
	cfg.Observer = ObserverConfig{Kind: ObserverSynthetic, Timeout: time.Minute, PenetrationThreshold: 10}
	return cfg
}

func TestParseBatch(t *testing.T) {
	b, err := ParseBatch([]byte(batchYAML), baseConfig())
	require.NoError(t, err)

	require.Len(t, b.Configurations, 2)
	assert.Equal(t, 400.0, b.Search.InitialVelocity)
	assert.Equal(t, 5, b.Search.ExtraSamples)
	assert.Equal(t, 1.5, b.Search.GrowthFactor, "defaults survive partial overrides")
	assert.Equal(t, vblRange(100, 1800), b.Search.Bounds.VBL)
	assert.Equal(t, ballistics.DefaultSearchParams().Bounds.A, b.Search.Bounds.A)
	assert.Equal(t, ObserverCommand, b.Observer.Kind)
	assert.Equal(t, 10*time.Minute, b.Observer.Timeout)
	assert.Equal(t, 10.0, b.Observer.PenetrationThreshold)
	assert.Equal(t, "runs/study", b.WorkDir)
	assert.Equal(t, "runs/study/v50.csv", b.ResultsCSV)
	assert.Equal(t, 2, b.Parallelism)

	targets := b.Targets()
	assert.Equal(t, "baseline", targets[0].Label())
	assert.Equal(t, "4", targets[1].Label())
	assert.Equal(t, []float64{2, 3}, targets[0].Thicknesses())
}

func vblRange(min, max float64) ballistics.Range {
	return ballistics.Range{Min: min, Max: max}
}

func TestParseBatchErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "configurations: []"},
		{"missing thickness", "configurations:\n  - label: x\n"},
		{"negative thickness", "configurations:\n  - thicknesses: [2, -1]\n"},
		{"bad search", "configurations:\n  - thicknesses: [2]\nsearch:\n  convergence_tolerance: 0\n"},
		{"bad observer", "configurations:\n  - thicknesses: [2]\nobserver:\n  kind: command\n"},
		{"malformed", "configurations: [ {"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBatch([]byte(tt.yaml), baseConfig())
			assert.Error(t, err)
		})
	}
}

func TestLoadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("configurations:\n  - thicknesses: [3]\nsynthetic:\n  vbl: 700\n  noise: 0\n"), 0o644))

	b, err := LoadBatch(path, baseConfig())
	require.NoError(t, err)
	assert.Equal(t, 700.0, b.Synthetic.Model.VBL)
	assert.Equal(t, 0.0, b.Synthetic.Noise)
	assert.Equal(t, 0.75, b.Synthetic.Model.A)

	_, err = LoadBatch(filepath.Join(t.TempDir(), "missing.yaml"), baseConfig())
	assert.Error(t, err)
}
