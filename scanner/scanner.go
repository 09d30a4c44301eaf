package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"pairfinder/database"
	"pairfinder/imageprocessor"
	"pairfinder/logging"
	"pairfinder/signalhandler"
	"pairfinder/types"

	"gocv.io/x/gocv"
)

type indexedResult struct {
	index int
	Result
}

// FingerprintFiles decodes and fingerprints paths with a bounded worker pool.
// Results are returned in the order of paths. Once ctx is cancelled no new
// file is started; files not started carry ctx.Err().
func FingerprintFiles(ctx context.Context, paths []string, fp imageprocessor.Fingerprinter, opts Options) []Result {
	tracker := NewProgressTracker(len(paths), opts.Progress)
	defer tracker.Stop()
	return fingerprintFiles(ctx, paths, fp, opts, tracker)
}

func fingerprintFiles(ctx context.Context, paths []string, fp imageprocessor.Fingerprinter, opts Options, tracker *ProgressTracker) []Result {
	results := make([]Result, len(paths))
	if len(paths) == 0 {
		return results
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = signalhandler.GetOptimalProcs()
	}
	logger := logging.NewComponentLogger(opts.Logger, "scanner")

	var wg sync.WaitGroup
	resultsChan := make(chan indexedResult, 100)
	semaphore := make(chan struct{}, workers)

	var batch *batchSubmitter
	if bf, ok := fp.(imageprocessor.BatchFingerprinter); ok {
		batch = newBatchSubmitter(bf, resultsChan, opts, logger)
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range resultsChan {
			results[r.index] = r.Result
			tracker.record(r.Result)
		}
	}()

	for i, path := range paths {
		if ctx.Err() != nil {
			resultsChan <- indexedResult{index: i, Result: Result{Path: path, Err: ctx.Err()}}
			continue
		}
		select {
		case <-ctx.Done():
			resultsChan <- indexedResult{index: i, Result: Result{Path: path, Err: ctx.Err()}}
			continue
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			result, prepared := processFile(p, fp, batch != nil, opts, logger)
			if prepared != nil {
				prepared.index = i
				batch.submit(*prepared)
				return
			}
			resultsChan <- indexedResult{index: i, Result: result}
		}(i, path)
	}

	wg.Wait()
	if batch != nil {
		batch.close()
	}
	close(resultsChan)
	<-collected

	return results
}

// processFile produces the record for one file. Batched backends get a
// prepared image back instead of a fingerprint.
func processFile(path string, fp imageprocessor.Fingerprinter, batched bool, opts Options, logger *slog.Logger) (result Result, prepared *preparedImage) {
	result = Result{Path: path}

	// OpenCV can panic on corrupt input
	defer func() {
		if r := recover(); r != nil {
			logging.LogError("Panic during image loading: %v, file: %s\nStack trace: %s", r, path, string(debug.Stack()))
			result = Result{Path: path, Err: &imageprocessor.DecodeError{Path: path, Err: fmt.Errorf("panic: %v", r)}}
			prepared = nil
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		result.Err = &imageprocessor.DecodeError{Path: path, Err: err}
		return result, nil
	}

	if opts.DB != nil && !opts.ForceRewrite {
		if cached, ok := checkCache(opts.DB, fp.Name(), path, info, logger); ok {
			cached.Side = opts.Side
			result.Record = cached
			result.Cached = true
			return result, nil
		}
	}

	rec := types.ImageRecord{
		Side:   opts.Side,
		Path:   path,
		Format: GetFileFormat(path),
		Size:   info.Size(),
	}

	decoded, err := imageprocessor.LoadImage(path)
	if err != nil {
		fallback, bounds, ok := imageprocessor.FallbackFingerprint(err)
		if !ok {
			result.Err = err
			return result, nil
		}
		logger.Warn("unsupported layout, fingerprinting pixel statistics",
			slog.String(logging.FieldPath, path), slog.String("error", err.Error()))
		rec.Width, rec.Height = bounds.Dx(), bounds.Dy()
		rec.Fingerprint = fallback
		result.Record = rec
		result.Fallback = true
		storeCache(opts.DB, fp.Name(), rec, info.ModTime(), logger)
		return result, nil
	}

	rec.Width, rec.Height = decoded.Width, decoded.Height
	if decoded.Format != "" {
		rec.Format = decoded.Format
	}

	if batched {
		bf := fp.(imageprocessor.BatchFingerprinter)
		var mat gocv.Mat
		if size := bf.InputSize(); size.X > 0 && size.Y > 0 {
			mat = imageprocessor.ResizeArea(decoded.Mat, size)
		} else {
			mat = decoded.Mat.Clone()
		}
		decoded.Close()
		result.Record = rec
		return result, &preparedImage{mat: mat, result: result, modTime: info.ModTime()}
	}
	defer decoded.Close()

	fingerprint, err := fp.Fingerprint(decoded.Mat)
	if err != nil {
		result.Err = fmt.Errorf("fingerprint %s: %w", path, err)
		return result, nil
	}
	rec.Fingerprint = fingerprint
	result.Record = rec
	storeCache(opts.DB, fp.Name(), rec, info.ModTime(), logger)
	return result, nil
}

// checkCache returns the cached record for path if the file is unchanged
func checkCache(db *sql.DB, fingerprinter, path string, info os.FileInfo, logger *slog.Logger) (types.ImageRecord, bool) {
	cached, ok, err := database.LookupFingerprint(db, path, fingerprinter)
	if err != nil {
		logger.Warn("cache lookup failed", slog.String(logging.FieldPath, path), slog.String("error", err.Error()))
		return types.ImageRecord{}, false
	}
	if !ok || !cached.Fresh(info.Size(), info.ModTime()) || cached.Record.Fingerprint.IsZero() {
		return types.ImageRecord{}, false
	}
	logger.Debug("skipping unchanged image", slog.String(logging.FieldPath, path))
	return cached.Record, true
}

func storeCache(db *sql.DB, fingerprinter string, rec types.ImageRecord, modTime time.Time, logger *slog.Logger) {
	if db == nil {
		return
	}
	if err := database.StoreFingerprint(db, fingerprinter, rec, modTime); err != nil {
		logger.Warn("cache store failed", slog.String(logging.FieldPath, rec.Path), slog.String("error", err.Error()))
	}
}

// preparedImage is a decoded image waiting for a batched forward pass.
// The submitter owns mat.
type preparedImage struct {
	index   int
	mat     gocv.Mat
	result  Result
	modTime time.Time
}

// batchSubmitter is the single goroutine allowed to call a batch backend.
// Workers only decode and resize.
type batchSubmitter struct {
	fp     imageprocessor.BatchFingerprinter
	in     chan preparedImage
	out    chan<- indexedResult
	done   chan struct{}
	db     *sql.DB
	logger *slog.Logger
}

func newBatchSubmitter(fp imageprocessor.BatchFingerprinter, out chan<- indexedResult, opts Options, logger *slog.Logger) *batchSubmitter {
	size := fp.BatchSize()
	if size < 1 {
		size = 1
	}
	b := &batchSubmitter{
		fp:     fp,
		in:     make(chan preparedImage, 2*size),
		out:    out,
		done:   make(chan struct{}),
		db:     opts.DB,
		logger: logger,
	}
	go b.run(size)
	return b
}

func (b *batchSubmitter) submit(img preparedImage) {
	b.in <- img
}

// close flushes the pending batch and waits for the submitter to exit
func (b *batchSubmitter) close() {
	close(b.in)
	<-b.done
}

func (b *batchSubmitter) run(size int) {
	defer close(b.done)

	pending := make([]preparedImage, 0, size)
	for img := range b.in {
		pending = append(pending, img)
		if len(pending) == size {
			b.flush(pending)
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		b.flush(pending)
	}
}

func (b *batchSubmitter) flush(batch []preparedImage) {
	mats := make([]gocv.Mat, len(batch))
	for i := range batch {
		mats[i] = batch[i].mat
	}

	fps, err := b.fp.FingerprintBatch(mats)
	if err == nil && len(fps) != len(batch) {
		err = fmt.Errorf("backend returned %d fingerprints for %d images", len(fps), len(batch))
	}
	b.logger.Debug("batch fingerprinted", slog.Int("images", len(batch)))

	for i, img := range batch {
		img.mat.Close()
		result := img.result
		if err != nil {
			result.Err = fmt.Errorf("fingerprint %s: %w", result.Path, err)
		} else {
			result.Record.Fingerprint = fps[i]
			storeCache(b.db, b.fp.Name(), result.Record, img.modTime, b.logger)
		}
		b.out <- indexedResult{index: img.index, Result: result}
	}
}

// ScanAndStoreFolder fingerprints every image under options.FolderPath and
// stores the fingerprints in db
func ScanAndStoreFolder(ctx context.Context, db *sql.DB, fp imageprocessor.Fingerprinter, options ScanOptions) ([]Result, error) {
	paths, err := ListImages(options.FolderPath)
	if err != nil {
		return nil, err
	}

	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	PrintStartupInfo(out, len(paths), options)

	tracker := NewProgressTracker(len(paths), TerminalWriter(os.Stdout))
	startTime := time.Now()
	results := fingerprintFiles(ctx, paths, fp, Options{
		Workers:      options.Workers,
		DB:           db,
		ForceRewrite: options.ForceRewrite,
	}, tracker)
	tracker.Stop()

	PrintCompletionStats(out, tracker, startTime)
	return results, ctx.Err()
}
