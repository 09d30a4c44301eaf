// Package pairing runs a pairing session: it fingerprints two listings,
// matches them, checks scale, verifies or aligns each candidate pair and
// returns the resulting manifest.
package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"pairfinder/correspondence"
	"pairfinder/imageprocessor"
	"pairfinder/logging"
	"pairfinder/scanner"
	"pairfinder/types"
)

// ErrNoInput is returned when both listings are empty
var ErrNoInput = errors.New("no input images: both listings are empty")

type session struct {
	cfg          Config
	logger       *slog.Logger
	fp           imageprocessor.Fingerprinter
	db           *sql.DB
	forceRewrite bool
	progress     io.Writer
	now          func() time.Time
	id           string
}

// RunSession pairs the HQ listing with the LQ listing. Per-record problems
// become orphans with a reason code; only structural problems return an
// error. On cancellation the records that were not finished are orphaned
// with reason "cancelled" and the manifest is marked partial.
func RunSession(ctx context.Context, hqListing, lqListing []string, cfg Config, opts ...Option) (types.PairingManifest, error) {
	s := newSession(cfg, opts)
	s.logger = logging.NewComponentLogger(s.logger, "pairing").With(slog.String("session", s.id))

	hqPaths := uniqueSorted(hqListing)
	lqPaths := uniqueSorted(lqListing)
	if len(hqPaths) == 0 && len(lqPaths) == 0 {
		return types.PairingManifest{}, ErrNoInput
	}

	fp, release, err := s.fingerprinter()
	if err != nil {
		return types.PairingManifest{}, err
	}
	defer release()

	createdAt := s.now()
	l := &ledger{logger: s.logger}
	s.logger.Info("session started",
		slog.Int("hq", len(hqPaths)),
		slog.Int("lq", len(lqPaths)),
		slog.String("fingerprinter", fp.Name()))

	switch {
	case len(lqPaths) == 0:
		l.warn("lq listing is empty: all %d hq records are orphans", len(hqPaths))
	case len(hqPaths) == 0:
		l.warn("hq listing is empty: all %d lq records are orphans", len(lqPaths))
	}

	hqRecords := s.fingerprint(ctx, types.SideHQ, hqPaths, fp, l)
	lqRecords := s.fingerprint(ctx, types.SideLQ, lqPaths, fp, l)

	if ctx.Err() != nil {
		// matching needs the full fingerprint set
		for _, r := range hqRecords {
			l.orphan(types.SideHQ, r.Path, types.ReasonCancelled, detailFingerprinted)
		}
		for _, r := range lqRecords {
			l.orphan(types.SideLQ, r.Path, types.ReasonCancelled, detailFingerprinted)
		}
		return s.finish(l, createdAt, hqPaths, lqPaths)
	}

	matchOpts := s.cfg.Matching
	matchOpts.Logger = s.logger
	result := correspondence.Match(hqRecords, lqRecords, matchOpts)

	for _, w := range result.Warnings {
		l.warn("%s", w.String())
	}
	for _, r := range result.UnmatchedHQ {
		l.orphan(types.SideHQ, r.Path, types.ReasonNoMatch, "")
	}
	for _, r := range result.UnmatchedLQ {
		l.orphan(types.SideLQ, r.Path, types.ReasonNoMatch, "")
	}

	verdicts := s.verifyAll(ctx, result.Matches)
	for i, m := range result.Matches {
		v := verdicts[i]
		switch {
		case v.cancelled:
			l.orphan(types.SideHQ, m.HQ.Path, types.ReasonCancelled, "")
			l.orphan(types.SideLQ, m.LQ.Path, types.ReasonCancelled, "")
		case v.pair != nil:
			l.confirm(*v.pair, v.detail)
		default:
			l.orphan(types.SideHQ, m.HQ.Path, v.hqReason, v.detail)
			l.orphan(types.SideLQ, m.LQ.Path, v.lqReason, v.detail)
		}
	}

	return s.finish(l, createdAt, hqPaths, lqPaths)
}

func (s *session) finish(l *ledger, createdAt time.Time, hqPaths, lqPaths []string) (types.PairingManifest, error) {
	m, err := l.manifest(s.id, createdAt, s.cfg, hqPaths, lqPaths)
	if err != nil {
		return m, err
	}
	s.logger.Info("session finished",
		slog.Int("pairs", len(m.Pairs)),
		slog.Int("orphans_hq", len(m.OrphansHQ)),
		slog.Int("orphans_lq", len(m.OrphansLQ)),
		slog.Bool("partial", m.Partial))
	return m, nil
}

// detailFingerprinted marks cancelled records whose fingerprint was computed
// (and cached, when a cache is configured) before the session stopped
const detailFingerprinted = "fingerprinted before cancellation"

// fingerprinter returns the backend and a release func. A backend that
// fails to load is a structural error.
func (s *session) fingerprinter() (imageprocessor.Fingerprinter, func(), error) {
	if s.fp != nil {
		return s.fp, func() {}, nil
	}
	fp, err := imageprocessor.NewFingerprinter(s.cfg.Fingerprinter, imageprocessor.Options{Embedder: s.cfg.Embedder})
	if err != nil {
		return nil, nil, fmt.Errorf("load fingerprinter: %w", err)
	}
	release := func() {}
	if c, ok := fp.(io.Closer); ok {
		release = func() {
			if err := c.Close(); err != nil {
				s.logger.Warn("close fingerprinter", slog.String("error", err.Error()))
			}
		}
	}
	return fp, release, nil
}

// fingerprint scans one side. Unreadable and cancelled files are orphaned
// here; the usable records are returned.
func (s *session) fingerprint(ctx context.Context, side types.Side, paths []string, fp imageprocessor.Fingerprinter, l *ledger) []types.ImageRecord {
	results := scanner.FingerprintFiles(ctx, paths, fp, scanner.Options{
		Side:         side,
		Workers:      s.cfg.Workers,
		DB:           s.db,
		ForceRewrite: s.forceRewrite,
		Progress:     s.progress,
		Logger:       s.logger,
	})

	records := make([]types.ImageRecord, 0, len(results))
	for _, r := range results {
		switch {
		case errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded):
			l.orphan(side, r.Path, types.ReasonCancelled, "")
		case r.Err != nil:
			l.orphan(side, r.Path, types.ReasonUnreadable, r.Err.Error())
		default:
			if r.Fallback {
				l.warn("%s %s: unsupported layout, fingerprinted from pixel statistics", side, r.Path)
			}
			records = append(records, r.Record)
		}
	}
	return records
}

func uniqueSorted(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
