package observation

import (
	"fmt"
	"path/filepath"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/config"
	"github.com/copyleftdev/ballistic/internal/logging"
)

// New builds the observation source selected by obs. Command runs are kept
// under <workDir>/experiments.
func New(obs config.ObserverConfig, syn config.SyntheticConfig, workDir string, logger *logging.Logger) (ballistics.ObservationSource, error) {
	switch obs.Kind {
	case config.ObserverSynthetic:
		return NewSynthetic(SyntheticConfig{
			Model:       syn.Model,
			VBLPerMM:    syn.VBLPerMM,
			Noise:       syn.Noise,
			FailureRate: syn.FailureRate,
			Delay:       syn.Delay,
			Seed:        syn.Seed,
		})
	case config.ObserverCommand:
		dir := ""
		if workDir != "" {
			dir = filepath.Join(workDir, "experiments")
		}
		return NewCommand(CommandConfig{
			Command:              obs.Command,
			Args:                 obs.Args,
			Timeout:              obs.Timeout,
			PenetrationThreshold: obs.PenetrationThreshold,
			WorkDir:              dir,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown observer kind %q", obs.Kind)
	}
}
