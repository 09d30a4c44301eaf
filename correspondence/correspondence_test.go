package correspondence

import (
	"math/rand"
	"strconv"
	"testing"

	"pairfinder/types"

	"github.com/stretchr/testify/require"
)

func hashRecord(side types.Side, path string, words ...uint64) types.ImageRecord {
	return types.ImageRecord{
		Side:        side,
		Path:        path,
		Width:       100,
		Height:      100,
		Fingerprint: types.Fingerprint{Kind: types.KindPerceptualHash, Bits: words},
	}
}

func pairsOf(res Result) map[string]string {
	out := make(map[string]string, len(res.Matches))
	for _, m := range res.Matches {
		out[m.LQ.Path] = m.HQ.Path
	}
	return out
}

func TestMatchEmptyInputs(t *testing.T) {
	res := Match(nil, nil, DefaultOptions())
	require.Empty(t, res.Matches)
	require.Empty(t, res.Outcomes)

	hq := []types.ImageRecord{hashRecord(types.SideHQ, "/hq/a.png", 0, 0)}
	res = Match(hq, nil, DefaultOptions())
	require.Empty(t, res.Matches)
	require.Len(t, res.UnmatchedHQ, 1)

	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/a.png", 0, 0)}
	res = Match(nil, lq, DefaultOptions())
	require.Len(t, res.Outcomes, 1)
	require.Equal(t, Orphaned, res.Outcomes[0].Kind)
	require.Nil(t, res.Outcomes[0].Match)
}

func TestNamePassStripsSuffixes(t *testing.T) {
	hq := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/a.png", 0, 0),
		hashRecord(types.SideHQ, "/hq/b.png", ^uint64(0), 0),
	}
	lq := []types.ImageRecord{
		hashRecord(types.SideLQ, "/lq/a_lq.png", 0, 1),
		hashRecord(types.SideLQ, "/lq/B_x4.jpg", ^uint64(0), 3),
	}

	res := Match(hq, lq, DefaultOptions())
	require.Equal(t, map[string]string{
		"/lq/a_lq.png": "/hq/a.png",
		"/lq/B_x4.jpg": "/hq/b.png",
	}, pairsOf(res))
	for _, m := range res.Matches {
		require.Equal(t, types.MethodName, m.Method)
		require.Equal(t, types.Likely, m.Confidence)
	}
}

func TestNamePassYieldsToBetterContent(t *testing.T) {
	// a.png shares the stem but is 45 bits away; b.png is identical
	far := uint64(1)<<45 - 1
	hq := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/a.png", far, 0),
		hashRecord(types.SideHQ, "/hq/b.png", 0, 0),
	}
	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/a_lq.png", 0, 0)}

	for _, threshold := range []float64{0.60, 0.95} {
		opts := DefaultOptions()
		opts.Threshold = threshold
		res := Match(hq, lq, opts)
		require.Equal(t, map[string]string{"/lq/a_lq.png": "/hq/b.png"}, pairsOf(res), "threshold %v", threshold)
		require.Equal(t, types.MethodContent, res.Matches[0].Method)
		require.Len(t, res.UnmatchedHQ, 1)
		require.Equal(t, "/hq/a.png", res.UnmatchedHQ[0].Path)
	}
}

func TestNamePassKeepsNearTie(t *testing.T) {
	// the named HQ is one bit behind an identical stranger, within epsilon
	hq := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/a.png", 1, 0),
		hashRecord(types.SideHQ, "/hq/b.png", 0, 0),
	}
	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/a_lq.png", 0, 0)}

	res := Match(hq, lq, DefaultOptions())
	require.Equal(t, map[string]string{"/lq/a_lq.png": "/hq/a.png"}, pairsOf(res))
	require.Equal(t, types.MethodName, res.Matches[0].Method)
}

func TestNamePassRequiresUniqueStems(t *testing.T) {
	hq := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/one/x.png", 0, 0),
		hashRecord(types.SideHQ, "/hq/two/x.png", ^uint64(0), ^uint64(0)),
	}
	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/x.png", ^uint64(0), ^uint64(0))}

	res := Match(hq, lq, DefaultOptions())
	require.Len(t, res.Matches, 1)
	require.Equal(t, "/hq/two/x.png", res.Matches[0].HQ.Path)
	require.Equal(t, types.MethodContent, res.Matches[0].Method)
}

func TestContentPassDisplacesWeakerClaim(t *testing.T) {
	h1 := uint64(0)
	h2 := uint64(0xFFFFFFFF00000000)
	// l1 is 12 bits from h1 and 20 bits from h2; l2 is 1 bit from h1
	l1 := uint64(0xFFF0000000000000)
	l2 := uint64(1)

	hq := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/h1.png", h1, 0),
		hashRecord(types.SideHQ, "/hq/h2.png", h2, 0),
	}
	lq := []types.ImageRecord{
		hashRecord(types.SideLQ, "/lq/l1.png", l1, 0),
		hashRecord(types.SideLQ, "/lq/l2.png", l2, 0),
	}

	res := Match(hq, lq, DefaultOptions())
	require.Equal(t, map[string]string{
		"/lq/l1.png": "/hq/h2.png",
		"/lq/l2.png": "/hq/h1.png",
	}, pairsOf(res))
	require.Empty(t, res.UnmatchedHQ)
	require.Empty(t, res.UnmatchedLQ)
}

func TestBelowThresholdIsOrphan(t *testing.T) {
	hq := []types.ImageRecord{hashRecord(types.SideHQ, "/hq/h.png", 0, 0)}
	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/l.png", ^uint64(0), 0)}

	res := Match(hq, lq, DefaultOptions())
	require.Empty(t, res.Matches)
	require.Len(t, res.UnmatchedHQ, 1)
	require.Len(t, res.UnmatchedLQ, 1)
	require.Equal(t, Orphaned, res.Outcomes[0].Kind)
}

func TestTieBreakIsDeterministicUnderShuffle(t *testing.T) {
	// both HQ candidates are exactly one bit away from the LQ record
	base := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/other.png", 1, 0),
		hashRecord(types.SideHQ, "/hq/scene_v2.png", 2, 0),
		hashRecord(types.SideHQ, "/hq/zzz.png", ^uint64(0), ^uint64(0)),
	}
	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/scene.png", 0, 0)}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		hq := append([]types.ImageRecord(nil), base...)
		rng.Shuffle(len(hq), func(a, b int) { hq[a], hq[b] = hq[b], hq[a] })

		res := Match(hq, lq, DefaultOptions())
		require.Len(t, res.Matches, 1)
		require.Equal(t, "/hq/scene_v2.png", res.Matches[0].HQ.Path)
		require.True(t, res.Matches[0].Ambiguous)
		require.Len(t, res.Warnings, 1)
		require.Equal(t, []string{"/hq/other.png", "/hq/scene_v2.png"}, res.Warnings[0].Candidates)
		require.Equal(t, "/hq/scene_v2.png", res.Warnings[0].Chosen)
	}
}

func TestTieBreakFallsBackToPathOrder(t *testing.T) {
	hq := []types.ImageRecord{
		hashRecord(types.SideHQ, "/hq/b2.png", 2, 0),
		hashRecord(types.SideHQ, "/hq/b1.png", 1, 0),
	}
	lq := []types.ImageRecord{hashRecord(types.SideLQ, "/lq/q.png", 0, 0)}

	res := Match(hq, lq, DefaultOptions())
	require.Equal(t, "/hq/b1.png", res.Matches[0].HQ.Path)
}

func TestOneToOneAndOutcomeAccounting(t *testing.T) {
	// several LQ records all closest to the same HQ record
	var hq, lq []types.ImageRecord
	hq = append(hq, hashRecord(types.SideHQ, "/hq/h.png", 0, 0))
	for i, w := range []uint64{1, 3, 7, 15} {
		lq = append(lq, hashRecord(types.SideLQ, "/lq/l"+string(rune('a'+i))+".png", w, 0))
	}

	res := Match(hq, lq, DefaultOptions())
	require.Len(t, res.Matches, 1)
	require.Equal(t, "/lq/la.png", res.Matches[0].LQ.Path)
	require.Len(t, res.Outcomes, len(lq))
	require.Len(t, res.UnmatchedLQ, len(lq)-1)

	seen := map[string]bool{}
	for _, m := range res.Matches {
		require.False(t, seen[m.HQ.Path])
		seen[m.HQ.Path] = true
	}
	for _, o := range res.Outcomes {
		if o.Kind == Matched {
			require.NotNil(t, o.Match)
			require.Equal(t, o.LQ.Path, o.Match.LQ.Path)
		}
	}
}

func TestApproximateSearchAgreesWithExhaustive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var hq, lq []types.ImageRecord
	for i := 0; i < 40; i++ {
		a, b := rng.Uint64(), rng.Uint64()
		hq = append(hq, hashRecord(types.SideHQ, "/hq/img"+strconv.Itoa(i)+".png", a, b))
		// three flipped bits keeps the copy well above threshold
		flipped := a ^ (1 << uint(rng.Intn(64))) ^ (1 << uint(rng.Intn(64)))
		lq = append(lq, hashRecord(types.SideLQ, "/lq/shot"+strconv.Itoa(i)+".png", flipped, b^(1<<uint(rng.Intn(64)))))
	}

	exhaustive := DefaultOptions()
	exhaustive.ApproximateAbove = 0
	approximate := DefaultOptions()
	approximate.ApproximateAbove = 1

	want := pairsOf(Match(hq, lq, exhaustive))
	require.Len(t, want, 40)
	require.Equal(t, want, pairsOf(Match(hq, lq, approximate)))
}

func TestNormalizeStem(t *testing.T) {
	tests := map[string]string{
		"/lq/a_lq.png":              "a",
		"/lq/Photo_0001_x4.JPG":     "photo_0001",
		"/lq/photo-4x.png":          "photo",
		"/lq/img_hr_downscaled.png": "img",
		"/lq/small.png":             "small",
		"/lq/frame_lr_small.webp":   "frame",
	}
	for in, want := range tests {
		require.Equal(t, want, NormalizeStem(in), in)
	}
}
