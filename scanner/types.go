package scanner

import (
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"time"

	"pairfinder/types"
)

// Options configures a fingerprinting run
type Options struct {
	Side    types.Side
	Workers int // 0 uses signalhandler.GetOptimalProcs

	// DB enables the fingerprint cache; unchanged files are not decoded again
	DB           *sql.DB
	ForceRewrite bool

	// Progress receives a live progress line; nil disables it
	Progress io.Writer
	Logger   *slog.Logger
}

// ScanOptions defines the options for the scan command
type ScanOptions struct {
	FolderPath   string
	ForceRewrite bool
	Workers      int
	Out          io.Writer
}

// Result holds the outcome of fingerprinting one file
type Result struct {
	Path   string
	Record types.ImageRecord
	Err    error
	Cached bool
	// Fallback is set when the layout was unsupported and pixel statistics
	// were computed from the Go decoder instead
	Fallback bool
}

// OK reports whether the file produced a usable record
func (r Result) OK() bool {
	return r.Err == nil
}

// ProgressTracker tracks progress of the scan operation
type ProgressTracker struct {
	processed int
	errors    int
	cached    int
	fallbacks int
	ticker    *time.Ticker
	done      chan bool
	mu        sync.Mutex
	total     int
	out       io.Writer
}
