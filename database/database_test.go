package database

import (
	"path/filepath"
	"testing"
	"time"

	"pairfinder/types"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairs.db")
	db, err := InitDatabase(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return path
}

func TestFingerprintRoundTrip(t *testing.T) {
	db, err := InitDatabase(openTemp(t))
	require.NoError(t, err)
	defer db.Close()

	mod := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	rec := types.ImageRecord{
		Path:   "/hq/a.png",
		Format: "png",
		Width:  800,
		Height: 600,
		Size:   4096,
		Fingerprint: types.Fingerprint{
			Kind:  types.KindPerceptualHash,
			Bits:  []uint64{0xDEADBEEF, ^uint64(0)},
			Stats: []float32{0.25, -0.5, 1},
		},
	}
	require.NoError(t, StoreFingerprint(db, "phash", rec, mod))

	cached, ok, err := LookupFingerprint(db, "/hq/a.png", "phash")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, cached.Record)
	require.True(t, cached.Fresh(4096, mod))
	require.False(t, cached.Fresh(4097, mod))
	require.False(t, cached.Fresh(4096, mod.Add(time.Second)))

	_, ok, err = LookupFingerprint(db, "/hq/a.png", "embedding")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreReplacesEntry(t *testing.T) {
	db, err := InitDatabase(openTemp(t))
	require.NoError(t, err)
	defer db.Close()

	rec := types.ImageRecord{Path: "/x.png", Format: "png", Width: 1, Height: 1,
		Fingerprint: types.Fingerprint{Kind: types.KindPixelStats, Stats: []float32{1}}}
	require.NoError(t, StoreFingerprint(db, "pixelstats", rec, time.Now()))
	rec.Width = 2
	require.NoError(t, StoreFingerprint(db, "pixelstats", rec, time.Now()))

	records, err := QueryFingerprints(db, "pixelstats")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 2, records[0].Width)

	stats, err := GetScanStats(db, "pixelstats")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalImages)
	require.Equal(t, map[string]int{"png": 1}, stats.Formats)
}

func TestRecordSession(t *testing.T) {
	path := openTemp(t)
	// reopening runs the column checks against an existing schema
	db, err := InitDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	m := types.PairingManifest{
		SessionID: "session-1",
		CreatedAt: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC),
		HQRoot:    "/hq",
		LQRoot:    "/lq",
		Pairs:     []types.PairEntry{{HQPath: "/hq/a.png", LQPath: "/lq/a.png"}},
		OrphansHQ: []types.OrphanEntry{{Path: "/hq/b.png", Reason: types.ReasonNoMatch}},
		Actions: []types.ActionEntry{
			{Side: types.SideHQ, Path: "/hq/a.png", State: types.StateConfirmed, Reason: types.ReasonPairedExact},
			{Side: types.SideLQ, Path: "/lq/a.png", State: types.StateConfirmed, Reason: types.ReasonPairedExact},
			{Side: types.SideHQ, Path: "/hq/b.png", State: types.StateOrphan, Reason: types.ReasonNoMatch},
		},
	}
	require.NoError(t, RecordSession(db, m))

	sessions, err := ListSessions(db, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, SessionSummary{
		ID: "session-1", CreatedAt: m.CreatedAt, HQRoot: "/hq", LQRoot: "/lq",
		Pairs: 1, OrphansHQ: 1,
	}, sessions[0])

	actions, err := SessionActions(db, "session-1")
	require.NoError(t, err)
	require.Equal(t, m.Actions, actions)

	require.Error(t, RecordSession(db, m), "duplicate session id")
}
