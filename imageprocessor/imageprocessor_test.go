package imageprocessor

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"pairfinder/testsupport"
	"pairfinder/types"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func encodeScene(t *testing.T, seed int64, w, h int) []byte {
	t.Helper()
	img := testsupport.SyntheticScene(seed, w, h)
	defer img.Close()
	data, err := EncodePNG(img)
	require.NoError(t, err)
	return data
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an image"),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeImage(data)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
		})
	}
}

func TestDecodeImagePNG(t *testing.T) {
	decoded, err := DecodeImage(encodeScene(t, 1, 120, 80))
	require.NoError(t, err)
	defer decoded.Close()

	require.Equal(t, 120, decoded.Width)
	require.Equal(t, 80, decoded.Height)
	require.Equal(t, "png", decoded.Format)
}

func TestCheckLayoutIncompletePalette(t *testing.T) {
	img := image.NewPaletted(image.Rect(0, 0, 16, 16), color.Palette{color.Black, color.White})
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 2)
	}
	require.NoError(t, CheckLayout(img))

	img.Pix[3] = 7
	err := CheckLayout(img)
	var ue *UnsupportedFormatError
	require.True(t, errors.As(err, &ue))
	require.Contains(t, ue.Layout, "palette index 7")

	fp, bounds, ok := FallbackFingerprint(err)
	require.True(t, ok)
	require.Equal(t, types.KindPixelStats, fp.Kind)
	require.Len(t, fp.Stats, StatsLen)
	require.Equal(t, 16, bounds.Dx())
}

func TestFallbackFingerprintIgnoresOtherErrors(t *testing.T) {
	_, _, ok := FallbackFingerprint(&DecodeError{Err: ErrEmptyInput})
	require.False(t, ok)
}

func TestPerceptualHashSurvivesDownscale(t *testing.T) {
	hq := testsupport.SyntheticScene(7, 800, 600)
	defer hq.Close()
	lq := testsupport.Downscale(hq, 4)
	defer lq.Close()
	other := testsupport.SyntheticScene(8, 800, 600)
	defer other.Close()

	hasher := NewPerceptualHasher()
	a, err := hasher.Fingerprint(hq)
	require.NoError(t, err)
	b, err := hasher.Fingerprint(lq)
	require.NoError(t, err)
	c, err := hasher.Fingerprint(other)
	require.NoError(t, err)

	require.Len(t, a.Bits, 2)
	same := Similarity(a, b)
	require.GreaterOrEqual(t, same, 0.9)
	require.Greater(t, same, Similarity(a, c))
}

func TestPixelStatsMatPathAgreesWithGoPath(t *testing.T) {
	scene := testsupport.SyntheticScene(3, 256, 192)
	defer scene.Close()

	fromMat, err := ComputePixelStats(scene)
	require.NoError(t, err)

	goImg, err := scene.ToImage()
	require.NoError(t, err)
	fromImage, err := PixelStatsFromImage(goImg)
	require.NoError(t, err)

	require.GreaterOrEqual(t, CosineSimilarity(fromMat, fromImage), 0.99)
}

func TestSimilarityCrossKindUsesStats(t *testing.T) {
	stats := []float32{0.5, -0.5, 0.1}
	a := types.Fingerprint{Kind: types.KindPerceptualHash, Bits: []uint64{0}, Stats: stats}
	b := types.Fingerprint{Kind: types.KindPixelStats, Stats: stats}
	require.InDelta(t, 1.0, Similarity(a, b), 1e-9)
}

func TestHammingDistance(t *testing.T) {
	require.Equal(t, 0, HammingDistance([]uint64{0xff}, []uint64{0xff}))
	require.Equal(t, 4, HammingDistance([]uint64{0xf0}, []uint64{0xff}))
	require.Equal(t, 64, HammingDistance([]uint64{1}, []uint64{1, 5}))
}

func TestCosineSimilarityClamps(t *testing.T) {
	require.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}))
	require.Equal(t, 1.0, CosineSimilarity([]float32{0, 0}, []float32{0, 0}))
	require.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
}

func TestComputeSSIM(t *testing.T) {
	hq := testsupport.SyntheticScene(11, 400, 300)
	defer hq.Close()
	lq := testsupport.Downscale(hq, 2)
	defer lq.Close()
	flat := testsupport.FlatScene(200, 150, color.RGBA{A: 255})
	defer flat.Close()

	require.GreaterOrEqual(t, ComputeSSIM(hq, lq), 0.99)
	require.Less(t, ComputeSSIM(hq, flat), 0.8)
	require.Equal(t, 0.0, ComputeSSIM(gocv.NewMat(), lq))
}

func TestRegistry(t *testing.T) {
	require.Equal(t, []string{"embedding", "phash", "pixelstats"}, FingerprinterNames())

	fp, err := NewFingerprinter("PHASH", Options{})
	require.NoError(t, err)
	require.Equal(t, "phash", fp.Name())

	_, err = NewFingerprinter("clip", Options{})
	require.ErrorContains(t, err, "unknown fingerprinter")
}

func TestEmbedderWithoutModelFails(t *testing.T) {
	_, err := NewFingerprinter("embedding", Options{Embedder: DefaultEmbedderOptions(t.TempDir() + "/missing.onnx")})
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestFingerprintBytes(t *testing.T) {
	fp, err := FingerprintBytes(NewPixelStatsFingerprinter(), encodeScene(t, 5, 64, 64))
	require.NoError(t, err)
	require.Equal(t, types.KindPixelStats, fp.Kind)
	require.Len(t, fp.Stats, StatsLen)
}

func TestFormats(t *testing.T) {
	require.True(t, IsImageFile("/x/A.PNG"))
	require.False(t, IsImageFile("/x/notes.txt"))
	require.Equal(t, FormatTIFF, GetFileFormat("scan.tif"))
	require.Equal(t, FormatUnknown, GetFileFormat("scan.cr3"))

	require.Equal(t, FormatPNG, SniffFormat(encodeScene(t, 1, 16, 16)))
	require.Equal(t, FormatWEBP, SniffFormat([]byte("RIFF\x10\x00\x00\x00WEBPVP8 ")))
	require.Equal(t, FormatUnknown, SniffFormat([]byte("RIFF")))
}

func TestFlattenIncompletePalette(t *testing.T) {
	img := image.NewPaletted(image.Rect(2, 3, 6, 5), color.Palette{color.White})
	img.Pix[1] = 9

	flat := flatten(img)
	require.Equal(t, image.Rect(0, 0, 4, 2), flat.Bounds())
	require.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, flat.RGBAAt(0, 0))
	require.Equal(t, color.RGBA{A: 255}, flat.RGBAAt(1, 0))
}
