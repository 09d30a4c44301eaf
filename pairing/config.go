package pairing

import (
	"database/sql"
	"io"
	"log/slog"
	"time"

	"pairfinder/alignment"
	"pairfinder/correspondence"
	"pairfinder/imageprocessor"
	"pairfinder/scale"
	"pairfinder/types"

	"github.com/google/uuid"
)

// Config is everything a session needs to know. It is built by the caller;
// sessions never read configuration files.
type Config struct {
	// Fingerprinter names the backend, see imageprocessor.FingerprinterNames
	Fingerprinter string
	Embedder      imageprocessor.EmbedderOptions

	Matching  correspondence.Options
	Scale     scale.Options
	Alignment alignment.Options

	// PixelThreshold is the pixel similarity an exact-scale pair needs to be
	// confirmed without alignment
	PixelThreshold float64
	// AlignedPixelThreshold is the pixel similarity the corrected crops of
	// an aligned pair need before the pair is confirmed
	AlignedPixelThreshold float64

	// Workers sizes the fingerprint and alignment pools; 0 uses 3/4 of the CPUs
	Workers int

	// HQRoot and LQRoot are recorded in the manifest
	HQRoot string
	LQRoot string
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Fingerprinter:         string(types.KindPerceptualHash),
		Matching:              correspondence.DefaultOptions(),
		Scale:                 scale.DefaultOptions(),
		Alignment:             alignment.DefaultOptions(),
		PixelThreshold:        0.95,
		AlignedPixelThreshold: 0.90,
	}
}

// Option customizes a session beyond its Config
type Option func(*session)

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *session) { s.logger = logger }
}

// WithFingerprinter uses fp instead of constructing Config.Fingerprinter.
// The session does not close it.
func WithFingerprinter(fp imageprocessor.Fingerprinter) Option {
	return func(s *session) { s.fp = fp }
}

// WithCache enables the fingerprint cache in db
func WithCache(db *sql.DB, forceRewrite bool) Option {
	return func(s *session) {
		s.db = db
		s.forceRewrite = forceRewrite
	}
}

// WithProgress writes live fingerprinting progress to w
func WithProgress(w io.Writer) Option {
	return func(s *session) { s.progress = w }
}

// WithClock overrides the manifest creation time source
func WithClock(now func() time.Time) Option {
	return func(s *session) { s.now = now }
}

// WithSessionID overrides the generated session id
func WithSessionID(id string) Option {
	return func(s *session) { s.id = id }
}

func newSession(cfg Config, opts []Option) *session {
	s := &session{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	d := DefaultConfig()
	if s.cfg.PixelThreshold <= 0 {
		s.cfg.PixelThreshold = d.PixelThreshold
	}
	if s.cfg.AlignedPixelThreshold <= 0 {
		s.cfg.AlignedPixelThreshold = d.AlignedPixelThreshold
	}
	if s.cfg.Fingerprinter == "" {
		s.cfg.Fingerprinter = d.Fingerprinter
	}
	return s
}
