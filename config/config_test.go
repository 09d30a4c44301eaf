package config

import (
	"os"
	"path/filepath"
	"testing"

	"pairfinder/types"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, exists, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairfinder.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[matching]
threshold = 0.9

[scale]
plausible = ["2", "3/2"]

[session]
workers = 3
`), 0o644))

	cfg, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.InDelta(t, 0.9, cfg.Matching.Threshold, 1e-12)
	require.Equal(t, Default().Matching.AmbiguityEpsilon, cfg.Matching.AmbiguityEpsilon)
	require.Equal(t, 3, cfg.Session.Workers)

	p, err := cfg.Pairing()
	require.NoError(t, err)
	require.InDelta(t, 0.9, p.Matching.Threshold, 1e-12)
	require.Equal(t, []types.ScaleFactor{types.NewScaleFactor(2, 1), types.NewScaleFactor(3, 2)}, p.Scale.Plausible)
	require.Equal(t, 3, p.Workers)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[matching]\nthreshhold = 0.9\n"), 0o644))
	_, _, err := Load(path)
	require.Error(t, err)
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sample.toml")
	require.NoError(t, CreateSample(path))

	cfg, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, Default(), cfg)
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Matching.Threshold = 1.2 }},
		{"zero tolerance", func(c *Config) { c.Scale.Tolerance = 0 }},
		{"no plausible factors", func(c *Config) { c.Scale.Plausible = nil }},
		{"bad factor", func(c *Config) { c.Scale.Plausible = []string{"x2"} }},
		{"negative residual", func(c *Config) { c.Alignment.ResidualTolerance = -1 }},
		{"unknown fingerprinter", func(c *Config) { c.Session.Fingerprinter = "sift" }},
		{"embedding without model", func(c *Config) { c.Session.Fingerprinter = "embedding" }},
		{"negative workers", func(c *Config) { c.Session.Workers = -2 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestParseScales(t *testing.T) {
	got, err := ParseScales([]string{"4", " 1.5 ", "5/2"})
	require.NoError(t, err)
	require.Equal(t, []types.ScaleFactor{
		types.NewScaleFactor(4, 1),
		types.NewScaleFactor(3, 2),
		types.NewScaleFactor(5, 2),
	}, got)

	_, err = ParseScales([]string{"0/1"})
	require.Error(t, err)
}
