// Package alignment recovers the geometric transform between an HQ image and
// an LQ copy that is cropped, shifted or slightly rotated, and resamples the
// pair into a common frame.
package alignment

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"math/rand"

	"pairfinder/imageprocessor"
	"pairfinder/logging"
	"pairfinder/types"

	"gocv.io/x/gocv"
)

// Options tunes feature detection, matching and robust fitting
type Options struct {
	MaxCorners        int
	CornerQuality     float64
	MinCornerDistance float64
	PatchRadius       int
	MinNCC            float64
	RatioTest         float64

	RANSACIterations int
	InlierThreshold  float64

	MinInliers     int
	MinInlierRatio float64
	// ResidualTolerance is the maximum RMS residual in LQ pixels
	ResidualTolerance float64

	// Seed makes RANSAC sampling reproducible
	Seed   int64
	Logger *slog.Logger
}

// DefaultOptions returns the settings used by pairing sessions
func DefaultOptions() Options {
	return Options{
		MaxCorners:        400,
		CornerQuality:     0.01,
		MinCornerDistance: 5,
		PatchRadius:       7,
		MinNCC:            0.7,
		RatioTest:         0.8,
		RANSACIterations:  1000,
		InlierThreshold:   1.5,
		MinInliers:        12,
		MinInlierRatio:    0.3,
		ResidualTolerance: 1.0,
		Seed:              1,
	}
}

// Failure reports a pair that could not be aligned reliably. It is a
// per-pair outcome, not a session error.
type Failure struct {
	Reason          string
	Correspondences int
	Inliers         int
	Residual        float64
}

func (f *Failure) Error() string {
	if f.Correspondences == 0 {
		return fmt.Sprintf("alignment failed: %s", f.Reason)
	}
	return fmt.Sprintf("alignment failed: %s (%d/%d inliers, residual %.2f px)",
		f.Reason, f.Inliers, f.Correspondences, f.Residual)
}

// Result is a successful alignment. LQCrop is in reference-frame pixels
// (HQ reduced by Scale); HQCrop is the same region in HQ pixels.
type Result struct {
	Transform   types.GeometricTransform
	Scale       types.ScaleFactor
	LQCrop      image.Rectangle
	HQCrop      image.Rectangle
	CorrectedHQ []byte
	CorrectedLQ []byte
}

// Align fits the transform mapping lq into the reference frame of hq at the
// given scale, then crops both images to their common valid region so the
// HQ crop is exactly scale times the LQ crop. Both crops are PNG encoded.
func Align(hq, lq gocv.Mat, scale types.ScaleFactor, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	logger := logging.NewComponentLogger(opts.Logger, "alignment")

	if hq.Empty() || lq.Empty() {
		return nil, &Failure{Reason: "empty image"}
	}
	if !scale.Known() {
		return nil, &Failure{Reason: "unknown scale"}
	}

	refW := hq.Cols() * scale.Den / scale.Num
	refH := hq.Rows() * scale.Den / scale.Num
	if refW < 2*opts.PatchRadius+2 || refH < 2*opts.PatchRadius+2 {
		return nil, &Failure{Reason: fmt.Sprintf("reference frame %dx%d too small", refW, refH)}
	}

	ref := imageprocessor.ResizeArea(hq, image.Pt(refW, refH))
	defer ref.Close()

	refGray := grayOf(ref)
	defer refGray.Close()
	lqGray := grayOf(lq)
	defer lqGray.Close()

	refFeatures := detectFeatures(refGray, opts)
	lqFeatures := detectFeatures(lqGray, opts)
	if len(refFeatures) < opts.MinInliers || len(lqFeatures) < opts.MinInliers {
		return nil, &Failure{Reason: fmt.Sprintf("too few features (%d reference, %d lq)", len(refFeatures), len(lqFeatures))}
	}

	matches := matchFeatures(lqFeatures, refFeatures, opts)
	if len(matches) < opts.MinInliers {
		return nil, &Failure{Reason: "too few correspondences", Correspondences: len(matches)}
	}

	src := make([]Point2D, len(matches))
	dst := make([]Point2D, len(matches))
	for i, m := range matches {
		src[i] = m.lq
		dst[i] = m.ref
	}

	best, kind, err := fitTransform(src, dst, opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("transform fitted",
		slog.String("kind", string(kind)),
		slog.Int("inliers", len(best.inliers)),
		slog.Int("correspondences", len(matches)),
		slog.Float64("residual", best.residual))

	if kind != types.TransformProjective {
		if best.matrix.NearIdentity(lq.Cols(), lq.Rows(), snapTolerance) {
			kind = types.TransformIdentity
			best.matrix = Identity()
		} else if t, ok := snapTranslation(best.matrix, lq.Cols(), lq.Rows()); ok {
			best.matrix = t
		}
	}

	res := &Result{
		Transform: types.GeometricTransform{
			Kind:            kind,
			Parameters:      best.matrix,
			ResidualError:   best.residual,
			Inliers:         len(best.inliers),
			Correspondences: len(matches),
		},
		Scale: scale,
	}
	if err := resample(hq, lq, refW, refH, best.matrix, kind, res); err != nil {
		return nil, err
	}
	return res, nil
}

// fitTransform tries an affine model first and falls back to a homography
// when the affine residual is too large
func fitTransform(src, dst []Point2D, opts Options) (fit, types.TransformKind, error) {
	rng := rand.New(rand.NewSource(opts.Seed))

	affine, affErr := ransacAffine(src, dst, opts.RANSACIterations, opts.InlierThreshold, rng)
	if affErr == nil && accept(affine, len(src), opts) == "" {
		return affine, types.TransformAffine, nil
	}

	projective, projErr := ransacProjective(src, dst, opts.RANSACIterations, opts.InlierThreshold, rng)
	if projErr == nil && accept(projective, len(src), opts) == "" {
		return projective, types.TransformProjective, nil
	}

	// report the better of the two failed attempts
	switch {
	case affErr == nil:
		return fit{}, "", failureFor(affine, len(src), accept(affine, len(src), opts))
	case projErr == nil:
		return fit{}, "", failureFor(projective, len(src), accept(projective, len(src), opts))
	default:
		return fit{}, "", &Failure{Reason: affErr.Error(), Correspondences: len(src)}
	}
}

// accept returns an empty string when f meets the success criteria
func accept(f fit, correspondences int, opts Options) string {
	switch {
	case len(f.inliers) < opts.MinInliers:
		return "too few inliers"
	case float64(len(f.inliers)) < opts.MinInlierRatio*float64(correspondences):
		return "inlier ratio too low"
	case f.residual > opts.ResidualTolerance:
		return "residual above tolerance"
	default:
		return ""
	}
}

func failureFor(f fit, correspondences int, reason string) *Failure {
	return &Failure{
		Reason:          reason,
		Correspondences: correspondences,
		Inliers:         len(f.inliers),
		Residual:        f.residual,
	}
}

// resample warps lq into the reference frame and crops both images to the
// region covered by the warped lq
func resample(hq, lq gocv.Mat, refW, refH int, m Matrix, kind types.TransformKind, res *Result) error {
	warped := lq.Clone()
	defer func() { warped.Close() }()

	if kind != types.TransformIdentity {
		transform := toMat(m, kind)
		defer transform.Close()

		dst := gocv.NewMat()
		size := image.Pt(refW, refH)
		if kind == types.TransformProjective {
			gocv.WarpPerspectiveWithParams(lq, &dst, transform, size,
				gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
		} else {
			gocv.WarpAffineWithParams(lq, &dst, transform, size,
				gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
		}
		warped.Close()
		warped = dst
	}

	box, ok := validRegion(m, lq.Cols(), lq.Rows(), refW, refH, warped.Cols(), warped.Rows(), res.Scale)
	if !ok {
		return &Failure{Reason: "no valid overlap", Inliers: res.Transform.Inliers,
			Correspondences: res.Transform.Correspondences, Residual: res.Transform.ResidualError}
	}
	hqBox := image.Rect(
		box.Min.X*res.Scale.Num/res.Scale.Den, box.Min.Y*res.Scale.Num/res.Scale.Den,
		box.Max.X*res.Scale.Num/res.Scale.Den, box.Max.Y*res.Scale.Num/res.Scale.Den,
	).Intersect(image.Rect(0, 0, hq.Cols(), hq.Rows()))
	if hqBox.Dx()*res.Scale.Den != box.Dx()*res.Scale.Num || hqBox.Dy()*res.Scale.Den != box.Dy()*res.Scale.Num {
		return &Failure{Reason: "crop exceeds hq bounds"}
	}

	lqCrop := warped.Region(box)
	defer lqCrop.Close()
	hqCrop := hq.Region(hqBox)
	defer hqCrop.Close()

	var err error
	if res.CorrectedLQ, err = imageprocessor.EncodePNG(lqCrop); err != nil {
		return fmt.Errorf("encode corrected lq: %w", err)
	}
	if res.CorrectedHQ, err = imageprocessor.EncodePNG(hqCrop); err != nil {
		return fmt.Errorf("encode corrected hq: %w", err)
	}
	res.LQCrop = box
	res.HQCrop = hqBox
	return nil
}

// validRegion is the largest axis-aligned box, in reference pixels, inside
// both the warped lq quadrilateral and the frame. Its corners are aligned to
// the scale denominator so the hq box has integer coordinates. Fractional
// transforms lose one pixel at each edge to interpolation.
func validRegion(m Matrix, lqW, lqH, refW, refH, warpedW, warpedH int, scale types.ScaleFactor) (image.Rectangle, bool) {
	c := frameCorners(lqW, lqH) // TL, TR, BR, BL
	tl, tr, br, bl := m.Apply(c[0]), m.Apply(c[1]), m.Apply(c[2]), m.Apply(c[3])

	left := math.Max(math.Max(tl.X, bl.X), 0)
	right := math.Min(math.Min(tr.X, br.X), float64(min(refW, warpedW)))
	top := math.Max(math.Max(tl.Y, tr.Y), 0)
	bottom := math.Min(math.Min(bl.Y, br.Y), float64(min(refH, warpedH)))

	if !integral(m) {
		left++
		top++
		right--
		bottom--
	}

	const eps = 1e-6
	den := scale.Den
	x0 := ceilTo(left-eps, den)
	y0 := ceilTo(top-eps, den)
	x1 := floorTo(right+eps, den)
	y1 := floorTo(bottom+eps, den)
	if x1-x0 < 2 || y1-y0 < 2 {
		return image.Rectangle{}, false
	}
	return image.Rect(x0, y0, x1, y1), true
}

// snapTolerance is how far, in pixels, a frame corner may move when a fit
// is replaced by the nearest whole-pixel translation
const snapTolerance = 0.1

// snapTranslation returns the whole-pixel translation m approximates, if any
func snapTranslation(m Matrix, w, h int) (Matrix, bool) {
	t := Translation(math.Round(m[2]), math.Round(m[5]))
	for _, p := range frameCorners(w, h) {
		if m.Apply(p).Distance(t.Apply(p)) >= snapTolerance {
			return Matrix{}, false
		}
	}
	return t, true
}

// integral reports whether m is a translation by whole pixels
func integral(m Matrix) bool {
	const eps = 1e-3
	isInt := func(v float64) bool { return math.Abs(v-math.Round(v)) < eps }
	return math.Abs(m[0]-1) < eps && math.Abs(m[1]) < eps && math.Abs(m[3]) < eps &&
		math.Abs(m[4]-1) < eps && m.IsAffine() && isInt(m[2]) && isInt(m[5])
}

func ceilTo(v float64, step int) int {
	return int(math.Ceil(v/float64(step))) * step
}

func floorTo(v float64, step int) int {
	return int(math.Floor(v/float64(step))) * step
}

func toMat(m Matrix, kind types.TransformKind) gocv.Mat {
	rows := 2
	if kind == types.TransformProjective {
		rows = 3
	}
	out := gocv.NewMatWithSize(rows, 3, gocv.MatTypeCV64F)
	for r := 0; r < rows; r++ {
		for c := 0; c < 3; c++ {
			out.SetDoubleAt(r, c, m[r*3+c])
		}
	}
	return out
}

func grayOf(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if img.Channels() != 1 {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(&gray)
	}
	return gray
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxCorners <= 0 {
		o.MaxCorners = d.MaxCorners
	}
	if o.CornerQuality <= 0 {
		o.CornerQuality = d.CornerQuality
	}
	if o.MinCornerDistance <= 0 {
		o.MinCornerDistance = d.MinCornerDistance
	}
	if o.PatchRadius <= 0 {
		o.PatchRadius = d.PatchRadius
	}
	if o.MinNCC <= 0 {
		o.MinNCC = d.MinNCC
	}
	if o.RatioTest <= 0 {
		o.RatioTest = d.RatioTest
	}
	if o.RANSACIterations <= 0 {
		o.RANSACIterations = d.RANSACIterations
	}
	if o.InlierThreshold <= 0 {
		o.InlierThreshold = d.InlierThreshold
	}
	if o.MinInliers <= 0 {
		o.MinInliers = d.MinInliers
	}
	if o.MinInlierRatio <= 0 {
		o.MinInlierRatio = d.MinInlierRatio
	}
	if o.ResidualTolerance <= 0 {
		o.ResidualTolerance = d.ResidualTolerance
	}
	return o
}
