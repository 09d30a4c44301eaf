package alignment

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"pairfinder/imageprocessor"
	"pairfinder/testsupport"
	"pairfinder/types"

	"github.com/stretchr/testify/require"
)

func TestAlignRecoversCroppedDownscale(t *testing.T) {
	hq := testsupport.SyntheticScene(21, 800, 600)
	defer hq.Close()
	small := testsupport.Downscale(hq, 4)
	defer small.Close()
	lq := testsupport.Crop(small, image.Rect(10, 10, 200, 150))
	defer lq.Close()

	res, err := Align(hq, lq, types.NewScaleFactor(4, 1), DefaultOptions())
	require.NoError(t, err)

	require.Less(t, res.Transform.ResidualError, 1.0)
	require.Equal(t, types.TransformAffine, res.Transform.Kind)
	require.InDelta(t, 10, res.Transform.Parameters[2], 0.5)
	require.InDelta(t, 10, res.Transform.Parameters[5], 0.5)
	require.GreaterOrEqual(t, res.Transform.Inliers, DefaultOptions().MinInliers)

	require.Equal(t, image.Rect(10, 10, 200, 150), res.LQCrop)
	require.Equal(t, image.Rect(40, 40, 800, 600), res.HQCrop)

	hqOut, err := imageprocessor.DecodeImage(res.CorrectedHQ)
	require.NoError(t, err)
	defer hqOut.Close()
	lqOut, err := imageprocessor.DecodeImage(res.CorrectedLQ)
	require.NoError(t, err)
	defer lqOut.Close()

	require.Equal(t, 4*lqOut.Width, hqOut.Width)
	require.Equal(t, 4*lqOut.Height, hqOut.Height)
	require.GreaterOrEqual(t, imageprocessor.ComputeSSIM(hqOut.Mat, lqOut.Mat), 0.98)
}

func TestAlignCorrectsMinorRotation(t *testing.T) {
	hq := testsupport.SyntheticScene(33, 800, 600)
	defer hq.Close()
	rotated := testsupport.Rotate(hq, 1.5)
	defer rotated.Close()
	small := testsupport.Downscale(rotated, 4)
	defer small.Close()
	lq := testsupport.Crop(small, image.Rect(12, 12, 188, 138))
	defer lq.Close()

	res, err := Align(hq, lq, types.NewScaleFactor(4, 1), DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, types.TransformAffine, res.Transform.Kind)
	require.Less(t, res.Transform.ResidualError, 1.0)
	// rotation shows up in the off-diagonal terms
	angle := math.Atan2(res.Transform.Parameters[3], res.Transform.Parameters[0]) * 180 / math.Pi
	require.InDelta(t, 1.5, math.Abs(angle), 0.3)

	require.Equal(t, 4*res.LQCrop.Dx(), res.HQCrop.Dx())
	require.Equal(t, 4*res.LQCrop.Dy(), res.HQCrop.Dy())

	hqOut, err := imageprocessor.DecodeImage(res.CorrectedHQ)
	require.NoError(t, err)
	defer hqOut.Close()
	lqOut, err := imageprocessor.DecodeImage(res.CorrectedLQ)
	require.NoError(t, err)
	defer lqOut.Close()

	require.Equal(t, 4*lqOut.Width, hqOut.Width)
	require.Equal(t, 4*lqOut.Height, hqOut.Height)
	require.GreaterOrEqual(t, imageprocessor.ComputeSSIM(hqOut.Mat, lqOut.Mat), 0.9)
}

func TestAlignIdentityForExactDownscale(t *testing.T) {
	hq := testsupport.SyntheticScene(5, 400, 300)
	defer hq.Close()
	lq := testsupport.Downscale(hq, 2)
	defer lq.Close()

	res, err := Align(hq, lq, types.NewScaleFactor(2, 1), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, types.TransformIdentity, res.Transform.Kind)
	require.Equal(t, image.Rect(0, 0, 200, 150), res.LQCrop)
	require.Equal(t, image.Rect(0, 0, 400, 300), res.HQCrop)
}

func TestAlignRejectsTexturelessPair(t *testing.T) {
	hq := testsupport.FlatScene(400, 300, color.RGBA{R: 90, G: 90, B: 90, A: 255})
	defer hq.Close()
	lq := testsupport.FlatScene(100, 75, color.RGBA{R: 90, G: 90, B: 90, A: 255})
	defer lq.Close()

	_, err := Align(hq, lq, types.NewScaleFactor(4, 1), DefaultOptions())
	var failure *Failure
	require.True(t, errors.As(err, &failure), "got %v", err)
	require.Contains(t, failure.Reason, "too few features")
}

func TestAlignRejectsUnrelatedContent(t *testing.T) {
	hq := testsupport.SyntheticScene(1, 800, 600)
	defer hq.Close()
	other := testsupport.SyntheticScene(2, 800, 600)
	defer other.Close()
	lq := testsupport.Downscale(other, 4)
	defer lq.Close()

	_, err := Align(hq, lq, types.NewScaleFactor(4, 1), DefaultOptions())
	var failure *Failure
	require.True(t, errors.As(err, &failure), "got %v", err)
}

func TestAlignRequiresKnownScale(t *testing.T) {
	hq := testsupport.SyntheticScene(1, 80, 60)
	defer hq.Close()

	_, err := Align(hq, hq, types.UnknownScale, DefaultOptions())
	var failure *Failure
	require.True(t, errors.As(err, &failure))
}

func TestRANSACAffineToleratesOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	truth := Affine(math.Cos(0.03), -math.Sin(0.03), 12.5, math.Sin(0.03), math.Cos(0.03), -4.25)

	var src, dst []Point2D
	for i := 0; i < 60; i++ {
		p := Point2D{X: rng.Float64() * 200, Y: rng.Float64() * 150}
		src = append(src, p)
		dst = append(dst, truth.Apply(p))
	}
	for i := 0; i < 25; i++ {
		src = append(src, Point2D{X: rng.Float64() * 200, Y: rng.Float64() * 150})
		dst = append(dst, Point2D{X: rng.Float64() * 200, Y: rng.Float64() * 150})
	}

	f, err := ransacAffine(src, dst, 500, 1.0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(f.inliers), 60)
	require.Less(t, f.residual, 1e-6)
	for i := range truth {
		require.InDelta(t, truth[i], f.matrix[i], 1e-6)
	}
}

func TestHomographyDLTRecoversProjection(t *testing.T) {
	truth := Matrix{1.02, 0.01, 5, -0.02, 0.98, 3, 1e-4, -2e-4, 1}
	src := []Point2D{{0, 0}, {200, 0}, {200, 150}, {0, 150}, {100, 75}, {37, 120}}
	dst := make([]Point2D, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
	}

	h, err := homographyDLT(src, dst)
	require.NoError(t, err)
	require.Less(t, rmsResidual(h, src, dst), 1e-6)
}

func TestDegenerateSampleRejected(t *testing.T) {
	collinear := []Point2D{{0, 0}, {1, 1}, {2, 2}}
	_, err := affineFromPoints(collinear, collinear)
	require.ErrorIs(t, err, errDegenerate)
}

func TestMatrixInverse(t *testing.T) {
	m := Affine(2, 0, 10, 0, 2, -4)
	inv, ok := m.Inverse()
	require.True(t, ok)
	p := Point2D{X: 3, Y: 7}
	back := inv.Apply(m.Apply(p))
	require.InDelta(t, p.X, back.X, 1e-9)
	require.InDelta(t, p.Y, back.Y, 1e-9)
}
