// Package config loads pairfinder settings from TOML. It is only used by the
// command line; the pairing core receives a plain pairing.Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pairfinder/alignment"
	"pairfinder/correspondence"
	"pairfinder/imageprocessor"
	"pairfinder/pairing"
	"pairfinder/scale"
	"pairfinder/types"
	"pairfinder/utils"

	"github.com/pelletier/go-toml/v2"
)

// Matching controls correspondence search
type Matching struct {
	Threshold        float64 `toml:"threshold"`
	AmbiguityEpsilon float64 `toml:"ambiguity_epsilon"`
	ApproximateAbove int     `toml:"approximate_above"`
}

// Scale controls resolution ratio checks
type Scale struct {
	Tolerance       float64  `toml:"tolerance"`
	AspectTolerance float64  `toml:"aspect_tolerance"`
	CropTolerance   float64  `toml:"crop_tolerance"`
	Plausible       []string `toml:"plausible"`
}

// Alignment controls feature matching and robust fitting
type Alignment struct {
	MaxCorners        int     `toml:"max_corners"`
	RANSACIterations  int     `toml:"ransac_iterations"`
	InlierThreshold   float64 `toml:"inlier_threshold"`
	MinInliers        int     `toml:"min_inliers"`
	ResidualTolerance float64 `toml:"residual_tolerance"`
	Seed              int64   `toml:"seed"`
}

// Session controls verification and the worker pools
type Session struct {
	Fingerprinter         string  `toml:"fingerprinter"`
	ModelPath             string  `toml:"model_path"`
	ModelBatchSize        int     `toml:"model_batch_size"`
	PixelThreshold        float64 `toml:"pixel_threshold"`
	AlignedPixelThreshold float64 `toml:"aligned_pixel_threshold"`
	Workers               int     `toml:"workers"`
}

// Logging selects the log level and optional JSON log file
type Logging struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Storage locates the fingerprint cache
type Storage struct {
	Database string `toml:"database"`
	// Cache enables fingerprint reuse across sessions
	Cache bool `toml:"cache"`
}

// Config is the file representation of all settings
type Config struct {
	Matching  Matching  `toml:"matching"`
	Scale     Scale     `toml:"scale"`
	Alignment Alignment `toml:"alignment"`
	Session   Session   `toml:"session"`
	Logging   Logging   `toml:"logging"`
	Storage   Storage   `toml:"storage"`
}

// Default returns the built-in settings
func Default() Config {
	m := correspondence.DefaultOptions()
	s := scale.DefaultOptions()
	a := alignment.DefaultOptions()
	p := pairing.DefaultConfig()

	plausible := make([]string, 0, len(s.Plausible))
	for _, f := range s.Plausible {
		plausible = append(plausible, f.String())
	}

	return Config{
		Matching: Matching{
			Threshold:        m.Threshold,
			AmbiguityEpsilon: m.AmbiguityEpsilon,
			ApproximateAbove: m.ApproximateAbove,
		},
		Scale: Scale{
			Tolerance:       s.Tolerance,
			AspectTolerance: s.AspectTolerance,
			CropTolerance:   s.CropTolerance,
			Plausible:       plausible,
		},
		Alignment: Alignment{
			MaxCorners:        a.MaxCorners,
			RANSACIterations:  a.RANSACIterations,
			InlierThreshold:   a.InlierThreshold,
			MinInliers:        a.MinInliers,
			ResidualTolerance: a.ResidualTolerance,
			Seed:              a.Seed,
		},
		Session: Session{
			Fingerprinter:         p.Fingerprinter,
			ModelBatchSize:        16,
			PixelThreshold:        p.PixelThreshold,
			AlignedPixelThreshold: p.AlignedPixelThreshold,
		},
		Logging: Logging{Level: "info"},
		Storage: Storage{Database: utils.GetDefaultDatabasePath(), Cache: true},
	}
}

// Load reads path over the defaults and validates the result. A missing
// file yields the defaults; exists reports whether the file was found.
func Load(path string) (cfg Config, exists bool, err error) {
	cfg = Default()
	if path == "" {
		return cfg, false, cfg.Validate()
	}

	path = utils.ExpandHome(path)
	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, false, cfg.Validate()
	case err != nil:
		return cfg, false, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
		return cfg, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Storage.Database = utils.ExpandHome(cfg.Storage.Database)
	cfg.Logging.File = utils.ExpandHome(cfg.Logging.File)
	cfg.Session.ModelPath = utils.ExpandHome(cfg.Session.ModelPath)
	return cfg, true, cfg.Validate()
}

// Encode renders cfg as TOML
func (c Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// CreateSample writes a sample configuration with the default values
func CreateSample(path string) error {
	data, err := Default().Encode()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	sample := "# pairfinder configuration\n\n" + string(data)
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Pairing converts the file settings into the session configuration
func (c Config) Pairing() (pairing.Config, error) {
	plausible, err := ParseScales(c.Scale.Plausible)
	if err != nil {
		return pairing.Config{}, err
	}

	p := pairing.DefaultConfig()
	p.Fingerprinter = c.Session.Fingerprinter
	p.PixelThreshold = c.Session.PixelThreshold
	p.AlignedPixelThreshold = c.Session.AlignedPixelThreshold
	p.Workers = c.Session.Workers

	p.Matching.Threshold = c.Matching.Threshold
	p.Matching.AmbiguityEpsilon = c.Matching.AmbiguityEpsilon
	p.Matching.ApproximateAbove = c.Matching.ApproximateAbove

	p.Scale.Tolerance = c.Scale.Tolerance
	p.Scale.AspectTolerance = c.Scale.AspectTolerance
	p.Scale.CropTolerance = c.Scale.CropTolerance
	p.Scale.Plausible = plausible

	p.Alignment.MaxCorners = c.Alignment.MaxCorners
	p.Alignment.RANSACIterations = c.Alignment.RANSACIterations
	p.Alignment.InlierThreshold = c.Alignment.InlierThreshold
	p.Alignment.MinInliers = c.Alignment.MinInliers
	p.Alignment.ResidualTolerance = c.Alignment.ResidualTolerance
	p.Alignment.Seed = c.Alignment.Seed

	if c.Session.ModelPath != "" {
		p.Embedder = imageprocessor.DefaultEmbedderOptions(c.Session.ModelPath)
		if c.Session.ModelBatchSize > 0 {
			p.Embedder.BatchSize = c.Session.ModelBatchSize
		}
	}
	return p, nil
}

// ParseScales parses factors written as "4", "1.5" or "3/2"
func ParseScales(values []string) ([]types.ScaleFactor, error) {
	out := make([]types.ScaleFactor, 0, len(values))
	for _, v := range values {
		f, err := parseScale(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseScale(v string) (types.ScaleFactor, error) {
	if num, den, ok := strings.Cut(v, "/"); ok {
		n, errN := strconv.Atoi(num)
		d, errD := strconv.Atoi(den)
		if errN != nil || errD != nil || n <= 0 || d <= 0 {
			return types.UnknownScale, fmt.Errorf("invalid scale factor %q", v)
		}
		return types.NewScaleFactor(n, d), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return types.UnknownScale, fmt.Errorf("invalid scale factor %q", v)
	}
	return scale.FromFloat(f)
}
