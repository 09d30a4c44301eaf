package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pairfinder/alignment"
	"pairfinder/imageprocessor"
	"pairfinder/logging"
	"pairfinder/scale"
	"pairfinder/signalhandler"
	"pairfinder/types"

	"golang.org/x/sync/errgroup"
)

// verdict is the outcome of checking one candidate match. A nil pair means
// rejection with the given reasons.
type verdict struct {
	pair      *types.PairEntry
	hqReason  string
	lqReason  string
	detail    string
	cancelled bool
}

func rejected(reason, detail string) verdict {
	return verdict{hqReason: reason, lqReason: reason, detail: detail}
}

// verifyAll checks every match on a bounded pool. Results are indexed like
// matches; matches not started before cancellation are marked cancelled.
func (s *session) verifyAll(ctx context.Context, matches []types.CandidateMatch) []verdict {
	out := make([]verdict, len(matches))

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = signalhandler.GetOptimalProcs()
	}
	var g errgroup.Group
	g.SetLimit(workers)

	for i := range matches {
		if ctx.Err() != nil {
			out[i] = verdict{cancelled: true}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				out[i] = verdict{cancelled: true}
				return nil
			}
			out[i] = s.verify(matches[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// verify runs one candidate through the scale check, pixel verification and,
// when needed, alignment
func (s *session) verify(m types.CandidateMatch) verdict {
	logger := s.logger.With(slog.String("hq", m.HQ.Path), slog.String("lq", m.LQ.Path))

	est := scale.EstimateRecords(m.HQ, m.LQ, s.cfg.Scale)
	switch est.Verdict {
	case scale.VerdictAspectMismatch:
		return rejected(types.ReasonAspectMismatch, est.Reason)
	case scale.VerdictImplausible:
		return rejected(types.ReasonImplausibleScale, est.Reason)
	}
	m.Scale = est.Scale

	hq, err := imageprocessor.LoadImageLenient(m.HQ.Path)
	if err != nil {
		return verdict{hqReason: types.ReasonUnreadable, lqReason: types.ReasonAlignmentFailed, detail: err.Error()}
	}
	defer hq.Close()
	lq, err := imageprocessor.LoadImageLenient(m.LQ.Path)
	if err != nil {
		return verdict{hqReason: types.ReasonAlignmentFailed, lqReason: types.ReasonUnreadable, detail: err.Error()}
	}
	defer lq.Close()

	if est.Verdict == scale.VerdictExact {
		pixel := imageprocessor.ComputeSSIM(hq.Mat, lq.Mat)
		if pixel >= s.cfg.PixelThreshold {
			m.Confidence = types.Confirmed
			return verdict{pair: pairEntry(m, types.ReasonPairedExact), detail: fmt.Sprintf("pixel similarity %.3f", pixel)}
		}
		logger.Debug("exact scale but pixels differ, aligning", slog.Float64("pixel_similarity", pixel))
	}

	alignOpts := s.cfg.Alignment
	alignOpts.Logger = s.logger
	res, err := alignment.Align(hq.Mat, lq.Mat, est.Scale, alignOpts)
	if err != nil {
		var failure *alignment.Failure
		if !errors.As(err, &failure) {
			logger.Warn("alignment error", slog.String("error", err.Error()))
		}
		return rejected(types.ReasonAlignmentFailed, err.Error())
	}

	pixel, err := correctedSimilarity(res)
	if err != nil {
		return rejected(types.ReasonAlignmentFailed, err.Error())
	}
	if pixel < s.cfg.AlignedPixelThreshold {
		return rejected(types.ReasonAlignmentFailed,
			fmt.Sprintf("corrected pixel similarity %.3f below %.3f", pixel, s.cfg.AlignedPixelThreshold))
	}

	m.Confidence = types.Confirmed
	m.Transform = &res.Transform
	entry := pairEntry(m, types.ReasonPairedAligned)
	entry.CorrectedHQ = res.CorrectedHQ
	entry.CorrectedLQ = res.CorrectedLQ

	logger.Info("pair aligned",
		slog.String("kind", string(res.Transform.Kind)),
		slog.Float64("residual", res.Transform.ResidualError),
		slog.String(logging.FieldReason, types.ReasonPairedAligned))
	return verdict{pair: entry, detail: fmt.Sprintf("%s, residual %.2f px", res.Transform.Kind, res.Transform.ResidualError)}
}

// correctedSimilarity compares the resampled crops
func correctedSimilarity(res *alignment.Result) (float64, error) {
	hq, err := imageprocessor.DecodeImage(res.CorrectedHQ)
	if err != nil {
		return 0, fmt.Errorf("corrected hq: %w", err)
	}
	defer hq.Close()
	lq, err := imageprocessor.DecodeImage(res.CorrectedLQ)
	if err != nil {
		return 0, fmt.Errorf("corrected lq: %w", err)
	}
	defer lq.Close()
	return imageprocessor.ComputeSSIM(hq.Mat, lq.Mat), nil
}

func pairEntry(m types.CandidateMatch, reason string) *types.PairEntry {
	return &types.PairEntry{
		HQPath:     m.HQ.Path,
		LQPath:     m.LQ.Path,
		Similarity: m.Similarity,
		Scale:      m.Scale,
		Method:     m.Method,
		Reason:     reason,
		Ambiguous:  m.Ambiguous,
		Transform:  m.Transform,
	}
}
