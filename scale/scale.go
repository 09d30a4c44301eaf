// Package scale infers the resolution ratio between an HQ image and its LQ
// counterpart and decides whether the pair is geometrically consistent.
package scale

import (
	"fmt"
	"math"

	"pairfinder/types"
)

// Verdict classifies a dimension comparison
type Verdict int

const (
	// VerdictExact means both axes share one plausible factor
	VerdictExact Verdict = iota
	// VerdictApproximate means the LQ looks like a cropped or slightly
	// resized copy; alignment should use the hinted factor
	VerdictApproximate
	// VerdictAspectMismatch means the aspect ratios disagree; never pairable
	VerdictAspectMismatch
	// VerdictImplausible means no plausible factor explains the ratio
	VerdictImplausible
)

func (v Verdict) String() string {
	switch v {
	case VerdictExact:
		return "exact"
	case VerdictApproximate:
		return "approximate"
	case VerdictAspectMismatch:
		return "aspect_mismatch"
	case VerdictImplausible:
		return "implausible"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// DefaultPlausible lists the factors SR datasets are built with
var DefaultPlausible = []types.ScaleFactor{
	types.NewScaleFactor(1, 1),
	types.NewScaleFactor(3, 2),
	types.NewScaleFactor(2, 1),
	types.NewScaleFactor(5, 2),
	types.NewScaleFactor(3, 1),
	types.NewScaleFactor(4, 1),
	types.NewScaleFactor(6, 1),
	types.NewScaleFactor(8, 1),
}

// Options tunes the estimator. Tolerances are relative.
type Options struct {
	Tolerance       float64
	AspectTolerance float64
	CropTolerance   float64
	Plausible       []types.ScaleFactor
}

// DefaultOptions returns 1% ratio tolerance, 5% aspect tolerance and 12%
// crop allowance over DefaultPlausible
func DefaultOptions() Options {
	return Options{
		Tolerance:       0.01,
		AspectTolerance: 0.05,
		CropTolerance:   0.12,
		Plausible:       DefaultPlausible,
	}
}

// Estimate is the outcome of comparing two resolutions
type Estimate struct {
	Verdict     Verdict
	Scale       types.ScaleFactor
	WidthRatio  float64
	HeightRatio float64
	Reason      string
}

// Consistent reports whether the pair may be confirmed without alignment
func (e Estimate) Consistent() bool {
	return e.Verdict == VerdictExact
}

// EstimateDimensions compares HQ and LQ dimensions
func EstimateDimensions(hqW, hqH, lqW, lqH int, opts Options) Estimate {
	opts = opts.withDefaults()

	if hqW <= 0 || hqH <= 0 || lqW <= 0 || lqH <= 0 {
		return Estimate{Verdict: VerdictImplausible, Reason: "missing dimensions"}
	}

	wr := float64(hqW) / float64(lqW)
	hr := float64(hqH) / float64(lqH)
	est := Estimate{WidthRatio: wr, HeightRatio: hr}

	hqAspect := float64(hqW) / float64(hqH)
	lqAspect := float64(lqW) / float64(lqH)
	if relDiff(hqAspect, lqAspect) > opts.AspectTolerance {
		est.Verdict = VerdictAspectMismatch
		est.Reason = fmt.Sprintf("aspect mismatch %.2f vs %.2f", hqAspect, lqAspect)
		return est
	}

	smaller := math.Min(wr, hr)
	if smaller < 1-opts.Tolerance {
		est.Verdict = VerdictImplausible
		est.Reason = fmt.Sprintf("implausible scale %.2f", smaller)
		return est
	}

	ratio := (wr + hr) / 2
	if relDiff(wr, hr) <= opts.Tolerance {
		if f, ok := nearest(ratio, opts.Plausible, opts.Tolerance); ok {
			est.Verdict = VerdictExact
			est.Scale = f
			return est
		}
	}

	// a cropped LQ raises the ratio of the cropped axis, so the smaller
	// ratio is the better guess; it may not fall below the factor
	if f, ok := nearest(smaller, opts.Plausible, opts.CropTolerance); ok && smaller >= f.Float()*(1-opts.Tolerance) {
		est.Verdict = VerdictApproximate
		est.Scale = f
		return est
	}

	est.Verdict = VerdictImplausible
	est.Reason = fmt.Sprintf("implausible scale %.2f", ratio)
	return est
}

// EstimateRecords compares the dimensions of two records
func EstimateRecords(hq, lq types.ImageRecord, opts Options) Estimate {
	return EstimateDimensions(hq.Width, hq.Height, lq.Width, lq.Height, opts)
}

// EstimateScale returns the factor relating hq to lq and whether the pair is
// consistent: both axes agree within tolerance on a plausible factor
func EstimateScale(hq, lq types.ImageRecord, opts Options) (types.ScaleFactor, bool) {
	est := EstimateRecords(hq, lq, opts)
	if est.Verdict != VerdictExact {
		return types.UnknownScale, false
	}
	return est.Scale, true
}

// FromFloat converts a decimal factor such as 1.5 into a rational with a
// denominator of at most 8
func FromFloat(f float64) (types.ScaleFactor, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return types.UnknownScale, fmt.Errorf("invalid scale factor %v", f)
	}
	for den := 1; den <= 8; den++ {
		num := math.Round(f * float64(den))
		if num > 0 && math.Abs(num/float64(den)-f) < 1e-6 {
			return types.NewScaleFactor(int(num), den), nil
		}
	}
	return types.UnknownScale, fmt.Errorf("scale factor %v is not a simple rational", f)
}

func nearest(ratio float64, candidates []types.ScaleFactor, tol float64) (types.ScaleFactor, bool) {
	best := types.UnknownScale
	bestDiff := math.Inf(1)
	for _, c := range candidates {
		if !c.Known() {
			continue
		}
		d := math.Abs(ratio-c.Float()) / c.Float()
		if d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best, best.Known() && bestDiff <= tol
}

func relDiff(a, b float64) float64 {
	m := math.Min(a, b)
	if m == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / m
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.AspectTolerance <= 0 {
		o.AspectTolerance = d.AspectTolerance
	}
	if o.CropTolerance <= 0 {
		o.CropTolerance = d.CropTolerance
	}
	if len(o.Plausible) == 0 {
		o.Plausible = d.Plausible
	}
	return o
}
