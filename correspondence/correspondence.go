// Package correspondence builds a one-to-one matching between HQ and LQ
// records from filename evidence and fingerprint similarity.
package correspondence

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"pairfinder/imageprocessor"
	"pairfinder/logging"
	"pairfinder/types"
)

// Options tunes matching. Similarities are on the [0,1] scale.
type Options struct {
	// Threshold is the minimum similarity for any match
	Threshold float64
	// AmbiguityEpsilon is the similarity gap below which two candidates tie
	AmbiguityEpsilon float64
	// ApproximateAbove switches to banded hash search once the number of
	// HQ x LQ candidate pairs exceeds it. Zero disables approximate search.
	ApproximateAbove int
	Logger           *slog.Logger
}

// DefaultOptions returns the defaults used by pairing sessions
func DefaultOptions() Options {
	return Options{
		Threshold:        0.80,
		AmbiguityEpsilon: 0.01,
		ApproximateAbove: 250_000,
	}
}

// OutcomeKind distinguishes matched and orphaned LQ records
type OutcomeKind int

const (
	Matched OutcomeKind = iota
	Orphaned
)

func (k OutcomeKind) String() string {
	if k == Matched {
		return "matched"
	}
	return "orphaned"
}

// Outcome is the result for one LQ record. Match is set only when Kind is
// Matched.
type Outcome struct {
	Kind  OutcomeKind
	LQ    types.ImageRecord
	Match *types.CandidateMatch
}

// AmbiguousMatchWarning reports an LQ record whose best HQ candidates are
// within epsilon of each other. Candidates is sorted by path.
type AmbiguousMatchWarning struct {
	LQPath     string
	Chosen     string
	Candidates []string
	Similarity float64
}

func (w AmbiguousMatchWarning) String() string {
	return fmt.Sprintf("ambiguous match for %s: %d candidates within epsilon of %.4f (%s), chose %s",
		w.LQPath, len(w.Candidates), w.Similarity, strings.Join(w.Candidates, ", "), w.Chosen)
}

// Result is the outcome of Match. Every LQ record appears in exactly one
// Outcome; every HQ record is either in a match or in UnmatchedHQ.
type Result struct {
	Matches     []types.CandidateMatch
	Outcomes    []Outcome
	UnmatchedHQ []types.ImageRecord
	UnmatchedLQ []types.ImageRecord
	Warnings    []AmbiguousMatchWarning
}

// candidate is one scored HQ option for an LQ record
type candidate struct {
	hq   int
	sim  float64
	dist int
}

// better orders candidates: similarity desc, filename distance asc, index asc
func better(a, b candidate, aIdx, bIdx int) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return aIdx < bIdx
}

// Match pairs LQ records with HQ records. Inputs are copied and sorted by
// path so the result does not depend on their order. It never fails; records
// without a counterpart above threshold are reported as unmatched.
func Match(hq, lq []types.ImageRecord, opts Options) Result {
	opts = opts.withDefaults()
	logger := logging.NewComponentLogger(opts.Logger, "correspondence")

	hq = sortedCopy(hq)
	lq = sortedCopy(lq)

	var res Result
	if len(hq) == 0 || len(lq) == 0 {
		res.UnmatchedHQ = hq
		res.UnmatchedLQ = lq
		for _, r := range lq {
			res.Outcomes = append(res.Outcomes, Outcome{Kind: Orphaned, LQ: r})
		}
		return res
	}

	hqStems := stems(hq)
	lqStems := stems(lq)

	hqOwner := make([]int, len(hq)) // LQ index holding each HQ, -1 if free
	lqMatch := make([]int, len(lq)) // HQ index matched to each LQ, -1 if free
	for i := range hqOwner {
		hqOwner[i] = -1
	}
	for i := range lqMatch {
		lqMatch[i] = -1
	}
	methods := make([]types.MatchMethod, len(lq))
	sims := make([]float64, len(lq))
	ambiguous := make([]bool, len(lq))

	// name pass: stems unique on both sides, and the named HQ must be
	// as good as the best content candidate for the LQ record
	allHQ := make([]int, len(hq))
	for i := range allHQ {
		allHQ[i] = i
	}
	var nameIndex *bandIndex
	if opts.ApproximateAbove > 0 && len(hq)*len(lq) > opts.ApproximateAbove {
		nameIndex = newBandIndex(hq, allHQ, opts.Threshold)
	}
	hqByStem := uniqueIndex(hqStems)
	lqByStem := uniqueIndex(lqStems)
	for stem, li := range lqByStem {
		hi, ok := hqByStem[stem]
		if !ok {
			continue
		}
		sim := imageprocessor.Similarity(hq[hi].Fingerprint, lq[li].Fingerprint)
		if sim < opts.Threshold {
			logger.Debug("name match below threshold",
				slog.String("hq", hq[hi].Path), slog.String("lq", lq[li].Path), slog.Float64("similarity", sim))
			continue
		}
		pool := allHQ
		if nameIndex != nil {
			pool = nameIndex.candidates(lq[li].Fingerprint)
		}
		if best, bestHQ := bestSimilarity(hq, lq[li], pool); best-sim > opts.AmbiguityEpsilon {
			logger.Debug("name match outscored by content",
				slog.String("hq", hq[hi].Path), slog.String("lq", lq[li].Path),
				slog.String("better", hq[bestHQ].Path), slog.Float64("similarity", sim), slog.Float64("best", best))
			continue
		}
		hqOwner[hi] = li
		lqMatch[li] = hi
		methods[li] = types.MethodName
		sims[li] = sim
	}

	// content pass over whatever the name pass left free
	var freeHQ []int
	for i, owner := range hqOwner {
		if owner < 0 {
			freeHQ = append(freeHQ, i)
		}
	}
	var freeLQ []int
	for i, m := range lqMatch {
		if m < 0 {
			freeLQ = append(freeLQ, i)
		}
	}

	prefs := buildPreferences(hq, lq, hqStems, lqStems, freeHQ, freeLQ, opts, logger)

	for _, li := range freeLQ {
		n := tiedCandidates(prefs[li], opts.AmbiguityEpsilon)
		if n < 2 {
			continue
		}
		ambiguous[li] = true
		w := AmbiguousMatchWarning{LQPath: lq[li].Path, Similarity: prefs[li][0].sim}
		for _, c := range prefs[li][:n] {
			w.Candidates = append(w.Candidates, hq[c.hq].Path)
		}
		sort.Strings(w.Candidates)
		res.Warnings = append(res.Warnings, w)
	}

	// deferred acceptance: LQ records propose in preference order, an HQ
	// keeps the best proposer and the displaced one proposes again
	next := make([]int, len(lq))
	holder := make(map[int]candidate, len(freeHQ))
	queue := append([]int(nil), freeLQ...)
	for len(queue) > 0 {
		li := queue[0]
		queue = queue[1:]

		for next[li] < len(prefs[li]) {
			c := prefs[li][next[li]]
			next[li]++

			owner := hqOwner[c.hq]
			if owner < 0 {
				hqOwner[c.hq] = li
				lqMatch[li] = c.hq
				holder[c.hq] = c
				break
			}
			if better(c, holder[c.hq], li, owner) {
				lqMatch[owner] = -1
				queue = append(queue, owner)
				hqOwner[c.hq] = li
				lqMatch[li] = c.hq
				holder[c.hq] = c
				break
			}
		}
	}
	for hi, c := range holder {
		li := hqOwner[hi]
		methods[li] = types.MethodContent
		sims[li] = c.sim
	}

	for li := range lq {
		hi := lqMatch[li]
		if hi < 0 {
			res.Outcomes = append(res.Outcomes, Outcome{Kind: Orphaned, LQ: lq[li]})
			res.UnmatchedLQ = append(res.UnmatchedLQ, lq[li])
			continue
		}
		m := types.CandidateMatch{
			HQ:         hq[hi],
			LQ:         lq[li],
			Similarity: sims[li],
			Scale:      types.UnknownScale,
			Confidence: types.Likely,
			Method:     methods[li],
			Ambiguous:  ambiguous[li],
		}
		res.Matches = append(res.Matches, m)
		res.Outcomes = append(res.Outcomes, Outcome{Kind: Matched, LQ: lq[li]})
	}
	for hi := range hq {
		if hqOwner[hi] < 0 {
			res.UnmatchedHQ = append(res.UnmatchedHQ, hq[hi])
		}
	}

	sort.SliceStable(res.Matches, func(i, j int) bool { return res.Matches[i].HQ.Path < res.Matches[j].HQ.Path })
	byLQ := make(map[string]int, len(res.Matches))
	for i, m := range res.Matches {
		byLQ[m.LQ.Path] = i
	}
	for i := range res.Outcomes {
		if idx, ok := byLQ[res.Outcomes[i].LQ.Path]; ok {
			res.Outcomes[i].Match = &res.Matches[idx]
		}
	}
	for i := range res.Warnings {
		w := &res.Warnings[i]
		if idx, ok := byLQ[w.LQPath]; ok {
			w.Chosen = res.Matches[idx].HQ.Path
		}
		logger.Warn("ambiguous match",
			slog.String(logging.FieldPath, w.LQPath),
			slog.String("chosen", w.Chosen),
			slog.Int("candidates", len(w.Candidates)))
	}

	logger.Debug("matching complete",
		slog.Int("matches", len(res.Matches)),
		slog.Int("unmatched_hq", len(res.UnmatchedHQ)),
		slog.Int("unmatched_lq", len(res.UnmatchedLQ)),
		slog.Int("ambiguous", len(res.Warnings)))
	return res
}

// tiedCandidates counts the leading candidates within epsilon of the best
func tiedCandidates(prefs []candidate, epsilon float64) int {
	if len(prefs) == 0 {
		return 0
	}
	n := 1
	for n < len(prefs) && prefs[0].sim-prefs[n].sim <= epsilon {
		n++
	}
	return n
}

// bestSimilarity returns the highest similarity of r against the pool and
// the HQ index that reached it
func bestSimilarity(hq []types.ImageRecord, r types.ImageRecord, pool []int) (float64, int) {
	best, bestHQ := -1.0, -1
	for _, hi := range pool {
		if sim := imageprocessor.Similarity(hq[hi].Fingerprint, r.Fingerprint); sim > best {
			best, bestHQ = sim, hi
		}
	}
	return best, bestHQ
}

// buildPreferences scores every allowed (LQ, HQ) pair above threshold and
// sorts each LQ's candidates by preference
func buildPreferences(hq, lq []types.ImageRecord, hqStems, lqStems []string, freeHQ, freeLQ []int, opts Options, logger *slog.Logger) [][]candidate {
	prefs := make([][]candidate, len(lq))

	pairs := len(freeHQ) * len(freeLQ)
	var index *bandIndex
	if opts.ApproximateAbove > 0 && pairs > opts.ApproximateAbove {
		index = newBandIndex(hq, freeHQ, opts.Threshold)
		if index != nil {
			logger.Info("using approximate search", slog.Int("candidate_pairs", pairs), slog.Int("bands", index.bands))
		}
	}

	for _, li := range freeLQ {
		pool := freeHQ
		if index != nil {
			pool = index.candidates(lq[li].Fingerprint)
		}
		for _, hi := range pool {
			sim := imageprocessor.Similarity(hq[hi].Fingerprint, lq[li].Fingerprint)
			if sim < opts.Threshold {
				continue
			}
			prefs[li] = append(prefs[li], candidate{
				hq:   hi,
				sim:  sim,
				dist: FilenameDistance(hqStems[hi], lqStems[li]),
			})
		}
		p := prefs[li]
		sort.Slice(p, func(a, b int) bool { return better(p[a], p[b], p[a].hq, p[b].hq) })
	}
	return prefs
}

func sortedCopy(records []types.ImageRecord) []types.ImageRecord {
	out := append([]types.ImageRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func stems(records []types.ImageRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = NormalizeStem(r.Path)
	}
	return out
}

// uniqueIndex maps stems that occur exactly once onto their index
func uniqueIndex(stems []string) map[string]int {
	counts := make(map[string]int, len(stems))
	for _, s := range stems {
		counts[s]++
	}
	index := make(map[string]int, len(stems))
	for i, s := range stems {
		if counts[s] == 1 {
			index[s] = i
		}
	}
	return index
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.AmbiguityEpsilon < 0 {
		o.AmbiguityEpsilon = 0
	}
	return o
}
