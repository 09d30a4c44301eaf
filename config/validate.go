package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"pairfinder/imageprocessor"
	"pairfinder/types"
)

// Validate ensures the configuration is usable
func (c Config) Validate() error {
	if err := c.validateMatching(); err != nil {
		return err
	}
	if err := c.validateScale(); err != nil {
		return err
	}
	if err := c.validateAlignment(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c Config) validateMatching() error {
	m := c.Matching
	if err := unit("matching.threshold", m.Threshold); err != nil {
		return err
	}
	if m.AmbiguityEpsilon < 0 || m.AmbiguityEpsilon >= 1 {
		return fmt.Errorf("matching.ambiguity_epsilon must be in [0, 1), got %v", m.AmbiguityEpsilon)
	}
	if m.ApproximateAbove < 0 {
		return errors.New("matching.approximate_above must not be negative")
	}
	return nil
}

func (c Config) validateScale() error {
	s := c.Scale
	for name, v := range map[string]float64{
		"scale.tolerance":        s.Tolerance,
		"scale.aspect_tolerance": s.AspectTolerance,
		"scale.crop_tolerance":   s.CropTolerance,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%s must be in (0, 1), got %v", name, v)
		}
	}
	if len(s.Plausible) == 0 {
		return errors.New("scale.plausible must list at least one factor")
	}
	if _, err := ParseScales(s.Plausible); err != nil {
		return fmt.Errorf("scale.plausible: %w", err)
	}
	return nil
}

func (c Config) validateAlignment() error {
	a := c.Alignment
	if a.MaxCorners <= 0 || a.RANSACIterations <= 0 || a.MinInliers <= 0 {
		return errors.New("alignment.max_corners, ransac_iterations and min_inliers must be positive")
	}
	if a.InlierThreshold <= 0 {
		return errors.New("alignment.inlier_threshold must be positive")
	}
	if a.ResidualTolerance <= 0 {
		return errors.New("alignment.residual_tolerance must be positive")
	}
	return nil
}

func (c Config) validateSession() error {
	s := c.Session
	if !slices.Contains(imageprocessor.FingerprinterNames(), strings.ToLower(s.Fingerprinter)) {
		return fmt.Errorf("session.fingerprinter %q is not one of %s", s.Fingerprinter,
			strings.Join(imageprocessor.FingerprinterNames(), ", "))
	}
	if strings.EqualFold(s.Fingerprinter, string(types.KindEmbedding)) && s.ModelPath == "" {
		return errors.New("session.model_path is required for the embedding fingerprinter")
	}
	if err := unit("session.pixel_threshold", s.PixelThreshold); err != nil {
		return err
	}
	if err := unit("session.aligned_pixel_threshold", s.AlignedPixelThreshold); err != nil {
		return err
	}
	if s.Workers < 0 {
		return errors.New("session.workers must not be negative")
	}
	return nil
}

func (c Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
}

func unit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
	}
	return nil
}
