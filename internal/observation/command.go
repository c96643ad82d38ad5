package observation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/logging"
)

// DefaultPenetrationThreshold is the residual velocity (m/s) above which a
// verdict without an explicit penetrated flag counts as a penetration.
const DefaultPenetrationThreshold = 10.0

// CommandConfig configures a Command source.
type CommandConfig struct {
	// Command is the executable run once per experiment.
	Command string
	// Args may reference {velocity}, {label}, {run_dir} and {t1}..{tN}.
	Args    []string
	Timeout time.Duration
	// PenetrationThreshold applies when the verdict omits "penetrated".
	PenetrationThreshold float64
	// WorkDir, when set, receives one run directory per experiment.
	WorkDir string
}

// Command runs an external solver wrapper for every experiment and reads a
// JSON verdict from its standard output:
//
//	{"penetrated": true, "residual_velocity": 123.4}
//
// The last line of output that parses as a JSON object is used. A non-zero
// exit, a timeout or a missing verdict is a failed experiment.
type Command struct {
	cfg    CommandConfig
	logger *logging.Logger
}

type verdict struct {
	Penetrated       *bool    `json:"penetrated"`
	ResidualVelocity *float64 `json:"residual_velocity"`
	Error            string   `json:"error"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewCommand validates cfg and creates the source. A nil logger discards output.
func NewCommand(cfg CommandConfig, logger *logging.Logger) (*Command, error) {
	if cfg.Command == "" {
		return nil, errors.New("observer command is required")
	}
	// Relative paths would otherwise resolve inside each run directory.
	if strings.ContainsRune(cfg.Command, filepath.Separator) && !filepath.IsAbs(cfg.Command) {
		abs, err := filepath.Abs(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("resolve observer command: %w", err)
		}
		cfg.Command = abs
	}
	if cfg.PenetrationThreshold <= 0 {
		cfg.PenetrationThreshold = DefaultPenetrationThreshold
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Command{cfg: cfg, logger: logger.WithField("component", "command_observer")}, nil
}

// runDir returns the directory for one experiment, or "" without a work dir.
func (c *Command) runDir(target ballistics.TargetConfiguration, velocity float64) string {
	if c.cfg.WorkDir == "" {
		return ""
	}
	label := unsafeChars.ReplaceAllString(target.Label(), "_")
	return filepath.Join(c.cfg.WorkDir, label, fmt.Sprintf("v_%.3f", velocity))
}

func (c *Command) expand(target ballistics.TargetConfiguration, velocity float64, runDir string) []string {
	pairs := []string{
		"{velocity}", strconv.FormatFloat(velocity, 'f', -1, 64),
		"{label}", target.Label(),
		"{run_dir}", runDir,
	}
	for i, t := range target.Thicknesses() {
		pairs = append(pairs, fmt.Sprintf("{t%d}", i+1), strconv.FormatFloat(t, 'f', -1, 64))
	}
	r := strings.NewReplacer(pairs...)

	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// Observe implements ballistics.ObservationSource.
func (c *Command) Observe(ctx context.Context, target ballistics.TargetConfiguration, velocity float64) (ballistics.Outcome, error) {
	runDir := c.runDir(target, velocity)
	if runDir != "" {
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return ballistics.Outcome{}, fmt.Errorf("create run directory: %w", err)
		}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	args := c.expand(target, velocity, runDir)
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.Dir = runDir
	// Stop waiting on output pipes held open by orphaned grandchildren.
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	fields := map[string]interface{}{
		"velocity": velocity,
		"label":    target.Label(),
		"elapsed":  time.Since(start).String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		c.logger.Warn("solver timed out", fields)
		return ballistics.Outcome{}, fmt.Errorf("solver timed out after %s", c.cfg.Timeout)
	}
	if err != nil {
		fields["stderr"] = tail(stderr.String(), 512)
		c.logger.Warn("solver exited with error", fields)
		return ballistics.Outcome{}, fmt.Errorf("solver: %w", err)
	}

	v, err := parseVerdict(stdout.Bytes())
	if err != nil {
		return ballistics.Outcome{}, err
	}
	c.logger.Debug("solver finished", fields)
	return c.decide(v), nil
}

func (c *Command) decide(v verdict) ballistics.Outcome {
	if v.Error != "" {
		return ballistics.ExperimentFailed(v.Error)
	}
	vr := 0.0
	if v.ResidualVelocity != nil {
		vr = *v.ResidualVelocity
	}
	penetrated := vr > c.cfg.PenetrationThreshold
	if v.Penetrated != nil {
		penetrated = *v.Penetrated
	}
	if penetrated {
		return ballistics.Penetrated(vr)
	}
	return ballistics.NotPenetrated()
}

func parseVerdict(out []byte) (verdict, error) {
	var found *verdict
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var v verdict
		if err := json.Unmarshal([]byte(line), &v); err == nil {
			found = &v
		}
	}
	if found == nil {
		return verdict{}, errors.New("solver produced no JSON verdict")
	}
	if found.Error == "" && found.Penetrated == nil && found.ResidualVelocity == nil {
		return verdict{}, errors.New("solver verdict has neither penetrated nor residual_velocity")
	}
	return *found, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
