package report

import (
	"bytes"
	"testing"

	"pairfinder/types"

	"github.com/stretchr/testify/require"
)

func manifest() types.PairingManifest {
	return types.PairingManifest{
		Pairs: []types.PairEntry{{
			HQPath: "hq/a.png", LQPath: "lq/a_lq.png", Similarity: 0.97,
			Scale: types.NewScaleFactor(4, 1), Method: types.MethodName, Reason: types.ReasonPairedExact,
		}},
		OrphansHQ: []types.OrphanEntry{{Path: "hq/b.png", Reason: types.ReasonNoMatch}},
		OrphansLQ: []types.OrphanEntry{{Path: "lq/c.png", Reason: types.ReasonAspectMismatch}},
		Actions: []types.ActionEntry{
			{Side: types.SideHQ, Path: "hq/a.png", State: types.StateConfirmed, Reason: types.ReasonPairedExact},
			{Side: types.SideHQ, Path: "hq/b.png", State: types.StateOrphan, Reason: types.ReasonNoMatch},
			{Side: types.SideLQ, Path: "lq/a_lq.png", State: types.StateConfirmed, Reason: types.ReasonPairedExact},
			{Side: types.SideLQ, Path: "lq/c.png", State: types.StateOrphan, Reason: types.ReasonAspectMismatch},
		},
		Warnings: []string{"something odd"},
	}
}

func TestSummary(t *testing.T) {
	require.Equal(t, []Row{
		{State: types.StateConfirmed, Reason: types.ReasonPairedExact, Count: 2},
		{State: types.StateOrphan, Reason: types.ReasonAspectMismatch, Count: 1},
		{State: types.StateOrphan, Reason: types.ReasonNoMatch, Count: 1},
	}, Summary(manifest()))
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderSummary(&buf, manifest()))
	out := buf.String()
	require.Contains(t, out, "paired_exact")
	require.Contains(t, out, "aspect_mismatch")
	require.Contains(t, out, "1 pairs, 1 hq orphans, 1 lq orphans")
	require.Contains(t, out, "warning: something odd")
	require.NotContains(t, out, "partial")
}

func TestRenderPairs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPairs(&buf, manifest()))
	require.Contains(t, buf.String(), "lq/a_lq.png")
	require.Contains(t, buf.String(), "0.970")

	buf.Reset()
	require.NoError(t, RenderPairs(&buf, types.PairingManifest{}))
	require.Equal(t, "no confirmed pairs\n", buf.String())
}
