package particle

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/estimate"
	"github.com/milosgajdos/go-pftrack/resample"
	"gopkg.in/yaml.v3"
)

// Algorithm is particle filter algorithm
type Algorithm string

const (
	// SIS is Sequential Importance Sampling: particles are never resampled
	SIS Algorithm = "SIS"
	// SIR is Sequential Importance Resampling: particles are resampled every cycle
	SIR Algorithm = "SIR"
	// GPF is generic particle filter: particles are resampled when the effective sample size drops below a threshold
	GPF Algorithm = "G_PF"
	// APF is auxiliary particle filter with two stage weighting
	APF Algorithm = "APF"
)

// maxConfigSize is the maximum config file size
const maxConfigSize = 1 << 20

// Config is particle filter configuration
type Config struct {
	// Algorithm is particle filter algorithm
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	// Particles is the number of particles
	Particles int `json:"particles" yaml:"particles"`
	// Resample is resampling method; ignored by SIS
	Resample resample.Method `json:"resample" yaml:"resample"`
	// ResamplePercent sets G_PF resampling threshold as a percentage of particles
	ResamplePercent float64 `json:"resample_percent" yaml:"resample_percent"`
	// Estimator is the kind of estimator
	Estimator estimate.Kind `json:"estimator" yaml:"estimator"`
	// RobustPercent sets the number of particles robust mean uses as a percentage of particles
	RobustPercent float64 `json:"robust_percent" yaml:"robust_percent"`
	// Regularize perturbs resampled particles with Gaussian kernel noise
	Regularize bool `json:"regularize" yaml:"regularize"`
	// Alpha is regularization kernel bandwidth; non-positive Alpha uses the optimal Gaussian bandwidth
	Alpha float64 `json:"alpha" yaml:"alpha"`
	// Seed seeds the random source; zero seeds it with current time
	Seed uint64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns default particle filter configuration
func DefaultConfig() Config {
	return Config{
		Algorithm:       GPF,
		Particles:       100,
		Resample:        resample.SystematicMethod,
		ResamplePercent: 50,
		Estimator:       estimate.WeightedMeanKind,
		RobustPercent:   20,
	}
}

// Threshold returns G_PF resampling threshold: round(ResamplePercent * Particles / 100).
// The threshold is a whole number of particles; halves are rounded to even.
func (c Config) Threshold() float64 {
	return math.RoundToEven(c.ResamplePercent * float64(c.Particles) / 100)
}

// RobustCount returns the number of particles robust mean averages: round(RobustPercent * Particles / 100).
// Halves are rounded to even.
func (c Config) RobustCount() int {
	return int(math.RoundToEven(c.RobustPercent * float64(c.Particles) / 100))
}

// Validate checks the configuration.
// It returns error wrapping pftrack.ErrConfig if the configuration is invalid.
func (c Config) Validate() error {
	switch c.Algorithm {
	case SIS, SIR, GPF, APF:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", pftrack.ErrConfig, c.Algorithm)
	}

	if c.Particles <= 0 {
		return fmt.Errorf("%w: invalid particle count: %d", pftrack.ErrConfig, c.Particles)
	}

	if c.Algorithm != SIS {
		switch c.Resample {
		case resample.MultinomialMethod, resample.SystematicMethod, resample.StratifiedMethod, resample.ResidualMethod:
		default:
			return fmt.Errorf("%w: unknown resampling method %q", pftrack.ErrConfig, c.Resample)
		}
	}

	if !inPercentRange(c.ResamplePercent) {
		return fmt.Errorf("%w: resample_percent must be between 0 and 100, got %v", pftrack.ErrConfig, c.ResamplePercent)
	}

	if !inPercentRange(c.RobustPercent) {
		return fmt.Errorf("%w: robust_percent must be between 0 and 100, got %v", pftrack.ErrConfig, c.RobustPercent)
	}

	switch c.Estimator {
	case estimate.WeightedMeanKind, estimate.MAPKind:
	case estimate.RobustMeanKind:
		if c.RobustCount() < 1 {
			return fmt.Errorf("%w: robust mean selects no particles: %v%% of %d", pftrack.ErrConfig, c.RobustPercent, c.Particles)
		}
	default:
		return fmt.Errorf("%w: unknown estimator %q", pftrack.ErrConfig, c.Estimator)
	}

	if math.IsNaN(c.Alpha) || math.IsInf(c.Alpha, 0) {
		return fmt.Errorf("%w: invalid regularization alpha: %v", pftrack.ErrConfig, c.Alpha)
	}

	return nil
}

// LoadConfig loads Config from a JSON (.json) or YAML (.yaml, .yml) file.
// Fields omitted from the file retain their DefaultConfig values.
// It returns error if the file can't be read or parsed or if the loaded configuration is invalid.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("%w: config file must have .json, .yaml or .yml extension, got %q", pftrack.ErrConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", pftrack.ErrConfig, fileInfo.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %v", pftrack.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func inPercentRange(p float64) bool {
	return p >= 0 && p <= 100
}
