package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pairfinder/logging"

	"github.com/mattn/go-isatty"
)

// TerminalWriter returns f when it is attached to a terminal and nil
// otherwise, so progress lines never end up in redirected output
func TerminalWriter(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return f
	}
	return nil
}

// NewProgressTracker initializes the progress tracker. A nil out records
// counts without printing.
func NewProgressTracker(total int, out io.Writer) *ProgressTracker {
	tracker := &ProgressTracker{
		ticker: time.NewTicker(500 * time.Millisecond),
		done:   make(chan bool),
		total:  total,
		out:    out,
	}

	go tracker.displayProgress()

	return tracker
}

// displayProgress shows the progress periodically
func (p *ProgressTracker) displayProgress() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			if p.out == nil {
				continue
			}
			p.mu.Lock()
			if p.errors > 0 {
				fmt.Fprintf(p.out, "\rProgress: %d/%d (Cached: %d, Errors: %d)", p.processed, p.total, p.cached, p.errors)
			} else {
				fmt.Fprintf(p.out, "\rProgress: %d/%d (Cached: %d)", p.processed, p.total, p.cached)
			}
			p.mu.Unlock()
		}
	}
}

// record updates the tracker state from one result
func (p *ProgressTracker) record(result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed++
	switch {
	case !result.OK():
		p.errors++
		if !errors.Is(result.Err, context.Canceled) {
			logging.LogImageProcessed(result.Path, false, result.Err.Error())
		}
	case result.Cached:
		p.cached++
	default:
		if result.Fallback {
			p.fallbacks++
		}
		logging.LogImageProcessed(result.Path, true, "")
	}
}

// Counts returns processed, cached, fallback and error totals
func (p *ProgressTracker) Counts() (processed, cached, fallbacks, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.cached, p.fallbacks, p.errors
}

// Stop ends the progress tracking
func (p *ProgressTracker) Stop() {
	p.ticker.Stop()
	p.done <- true
	if p.out != nil && p.total > 0 {
		fmt.Fprintln(p.out)
	}
}

// PrintStartupInfo displays information about the scan before starting
func PrintStartupInfo(out io.Writer, total int, options ScanOptions) {
	fmt.Fprintf(out, "Starting fingerprint indexing...\nTotal image files to process: %d\n", total)
	fmt.Fprintf(out, "Force rewrite mode: %v\n", options.ForceRewrite)
}

// PrintCompletionStats displays statistics after scan completion
func PrintCompletionStats(out io.Writer, tracker *ProgressTracker, startTime time.Time) {
	elapsed := time.Since(startTime)
	processed, cached, fallbacks, failed := tracker.Counts()

	logging.DebugLog("Scan completed in %v. Processed: %d, Cached: %d, Fallbacks: %d, Errors: %d",
		elapsed, processed, cached, fallbacks, failed)

	fmt.Fprintln(out, "Indexing complete.")
	fmt.Fprintf(out, "Processed %d images in %v (%d unchanged).\n", processed, elapsed.Round(time.Second), cached)

	if fallbacks > 0 {
		fmt.Fprintf(out, "Fingerprinted %d images from pixel statistics after unsupported layouts.\n", fallbacks)
	}

	if failed > 0 {
		fmt.Fprintf(out, "Encountered %d errors during indexing.\n", failed)
		fmt.Fprintln(out, "Check the log file for details.")
	}
}
