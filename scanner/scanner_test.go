package scanner

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pairfinder/database"
	"pairfinder/imageprocessor"
	"pairfinder/scale"
	"pairfinder/testsupport"
	"pairfinder/types"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestListImagesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "notes.txt", ".hidden/c.png", "sub/d.webp", ".e.png"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	paths, err := ListImages(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.JPG"),
		filepath.Join(dir, "sub", "d.webp"),
	}, paths)

	_, err = ListImages(filepath.Join(dir, "missing"))
	require.Error(t, err)
	_, err = ListImages(filepath.Join(dir, "a.png"))
	require.Error(t, err)
}

func TestFingerprintFilesKeepsInputOrder(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		testsupport.WriteScene(t, dir, "c.png", 3, 120, 90, 1),
		testsupport.WriteScene(t, dir, "a.png", 1, 80, 60, 1),
		testsupport.WriteScene(t, dir, "b.png", 2, 100, 50, 1),
	}
	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not a png"), 0o644))
	paths = append(paths, bad)

	results := FingerprintFiles(context.Background(), paths, imageprocessor.NewPerceptualHasher(),
		Options{Side: types.SideHQ, Workers: 3})
	require.Len(t, results, 4)

	for i, want := range []image.Point{{120, 90}, {80, 60}, {100, 50}} {
		require.True(t, results[i].OK(), "%s: %v", paths[i], results[i].Err)
		require.Equal(t, paths[i], results[i].Record.Path)
		require.Equal(t, types.SideHQ, results[i].Record.Side)
		require.Equal(t, want, image.Pt(results[i].Record.Width, results[i].Record.Height))
		require.Len(t, results[i].Record.Fingerprint.Bits, 2)
		require.Len(t, results[i].Record.Fingerprint.Stats, imageprocessor.StatsLen)
	}

	var de *imageprocessor.DecodeError
	require.True(t, errors.As(results[3].Err, &de), "got %v", results[3].Err)
}

func TestFingerprintFilesUsesCache(t *testing.T) {
	dir := t.TempDir()
	db, err := database.InitDatabase(filepath.Join(dir, "pairs.db"))
	require.NoError(t, err)
	defer db.Close()

	paths := []string{
		testsupport.WriteScene(t, dir, "img/a.png", 1, 64, 48, 1),
		testsupport.WriteScene(t, dir, "img/b.png", 2, 64, 48, 1),
	}
	opts := Options{Side: types.SideLQ, Workers: 2, DB: db}
	fp := imageprocessor.NewPerceptualHasher()

	first := FingerprintFiles(context.Background(), paths, fp, opts)
	second := FingerprintFiles(context.Background(), paths, fp, opts)
	for i := range paths {
		require.True(t, first[i].OK())
		require.False(t, first[i].Cached)
		require.True(t, second[i].Cached)
		require.Equal(t, first[i].Record, second[i].Record)
	}

	opts.ForceRewrite = true
	forced := FingerprintFiles(context.Background(), paths, fp, opts)
	require.False(t, forced[0].Cached)
}

func TestFingerprintFilesCancelled(t *testing.T) {
	dir := t.TempDir()
	paths := []string{testsupport.WriteScene(t, dir, "a.png", 1, 32, 32, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := FingerprintFiles(ctx, paths, imageprocessor.NewPerceptualHasher(), Options{})
	require.ErrorIs(t, results[0].Err, context.Canceled)
}

// batchRecorder is a batch backend that records how it was called
type batchRecorder struct {
	mu      sync.Mutex
	batches []int
	sizes   []image.Point
}

func (b *batchRecorder) Name() string           { return "recorder" }
func (b *batchRecorder) BatchSize() int         { return 2 }
func (b *batchRecorder) InputSize() image.Point { return image.Pt(16, 16) }

func (b *batchRecorder) Fingerprint(img gocv.Mat) (types.Fingerprint, error) {
	fps, err := b.FingerprintBatch([]gocv.Mat{img})
	if err != nil {
		return types.Fingerprint{}, err
	}
	return fps[0], nil
}

func (b *batchRecorder) FingerprintBatch(imgs []gocv.Mat) ([]types.Fingerprint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, len(imgs))
	fps := make([]types.Fingerprint, len(imgs))
	for i, img := range imgs {
		b.sizes = append(b.sizes, image.Pt(img.Cols(), img.Rows()))
		fps[i] = types.Fingerprint{Kind: types.KindEmbedding, Vector: []float32{1}, Stats: []float32{1}}
	}
	return fps, nil
}

func TestBatchBackendIsFedBySubmitter(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 5; i++ {
		paths = append(paths, testsupport.WriteScene(t, dir, string(rune('a'+i))+".png", int64(i), 40+i, 30, 1))
	}

	backend := &batchRecorder{}
	results := FingerprintFiles(context.Background(), paths, backend, Options{Workers: 4})

	total := 0
	for _, n := range backend.batches {
		require.LessOrEqual(t, n, 2)
		total += n
	}
	require.Equal(t, 5, total)
	for _, size := range backend.sizes {
		require.Equal(t, image.Pt(16, 16), size)
	}
	for i, r := range results {
		require.True(t, r.OK())
		require.Equal(t, 40+i, r.Record.Width, "records keep the original dimensions")
		require.Equal(t, types.KindEmbedding, r.Record.Fingerprint.Kind)
	}
}

func TestSearchCacheRanksCounterparts(t *testing.T) {
	dir := t.TempDir()
	db, err := database.InitDatabase(filepath.Join(dir, "pairs.db"))
	require.NoError(t, err)
	defer db.Close()

	fp := imageprocessor.NewPerceptualHasher()
	indexed := []string{
		testsupport.WriteScene(t, dir, "hq/scene.png", 11, 400, 300, 1),
		testsupport.WriteScene(t, dir, "hq/other.png", 12, 400, 300, 1),
	}
	FingerprintFiles(context.Background(), indexed, fp, Options{DB: db})

	query := testsupport.WriteScene(t, dir, "lq/scene.png", 11, 400, 300, 4)
	rec, candidates, err := SearchCache(context.Background(), db, fp, SearchOptions{
		QueryPath: query,
		Threshold: 0.5,
		Limit:     5,
		Scale:     scale.DefaultOptions(),
	})
	require.NoError(t, err)
	require.Equal(t, 100, rec.Width)
	require.NotEmpty(t, candidates)
	require.Equal(t, indexed[0], candidates[0].Record.Path)
	require.Equal(t, scale.VerdictExact, candidates[0].Estimate.Verdict)
	require.Equal(t, types.NewScaleFactor(4, 1), candidates[0].Estimate.Scale)
}
