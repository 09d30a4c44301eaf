package alignment

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// feature is a detected corner with its intensity patch descriptor
type feature struct {
	pt   Point2D
	desc []float32
}

// detectFeatures finds Shi-Tomasi corners refined to subpixel accuracy and
// describes each by a zero-mean unit-norm patch. gray must be 8-bit single
// channel.
func detectFeatures(gray gocv.Mat, opts Options) []feature {
	corners := gocv.NewMat()
	defer corners.Close()

	gocv.GoodFeaturesToTrack(gray, &corners, opts.MaxCorners, opts.CornerQuality, opts.MinCornerDistance)
	if corners.Empty() || corners.Rows() == 0 {
		return nil
	}

	criteria := gocv.NewTermCriteria(gocv.MaxIter|gocv.EPS, 40, 0.001)
	gocv.CornerSubPix(gray, &corners, image.Pt(5, 5), image.Pt(-1, -1), criteria)

	pixels := gray.ToBytes()
	w, h := gray.Cols(), gray.Rows()
	margin := float64(opts.PatchRadius + 1)

	features := make([]feature, 0, corners.Rows())
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		p := Point2D{X: float64(v[0]), Y: float64(v[1])}
		if p.X < margin || p.Y < margin || p.X > float64(w)-margin-1 || p.Y > float64(h)-margin-1 {
			continue
		}
		desc, ok := patchDescriptor(pixels, w, p, opts.PatchRadius)
		if !ok {
			continue
		}
		features = append(features, feature{pt: p, desc: desc})
	}
	return features
}

// patchDescriptor samples a (2r+1)^2 bilinear patch centred on p and
// normalizes it. Flat patches carry no information and are rejected.
func patchDescriptor(pixels []byte, stride int, p Point2D, r int) ([]float32, bool) {
	side := 2*r + 1
	desc := make([]float32, 0, side*side)
	var mean float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			v := bilinear(pixels, stride, p.X+float64(dx), p.Y+float64(dy))
			desc = append(desc, float32(v))
			mean += v
		}
	}
	mean /= float64(len(desc))

	var norm float64
	for i := range desc {
		d := float64(desc[i]) - mean
		desc[i] = float32(d)
		norm += d * d
	}
	norm = math.Sqrt(norm)
	if norm < 1e-3 {
		return nil, false
	}
	for i := range desc {
		desc[i] = float32(float64(desc[i]) / norm)
	}
	return desc, true
}

func bilinear(pixels []byte, stride int, x, y float64) float64 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)
	at := func(xx, yy int) float64 { return float64(pixels[yy*stride+xx]) }
	top := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
	bottom := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
	return top*(1-fy) + bottom*fy
}

// correspondence pairs an LQ feature with a reference feature
type correspondence struct {
	lq, ref Point2D
	score   float64
}

// matchFeatures pairs features by mutual best normalized cross-correlation,
// keeping only matches that pass the ratio test against the runner-up
func matchFeatures(lq, ref []feature, opts Options) []correspondence {
	if len(lq) == 0 || len(ref) == 0 {
		return nil
	}

	bestForRef := make([]int, len(ref))
	bestRefScore := make([]float64, len(ref))
	for j := range bestForRef {
		bestForRef[j] = -1
		bestRefScore[j] = math.Inf(-1)
	}

	type pick struct {
		ref          int
		best, second float64
	}
	picks := make([]pick, len(lq))

	for i, f := range lq {
		p := pick{ref: -1, best: math.Inf(-1), second: math.Inf(-1)}
		for j, g := range ref {
			s := ncc(f.desc, g.desc)
			if s > p.best {
				p.second = p.best
				p.best, p.ref = s, j
			} else if s > p.second {
				p.second = s
			}
			if s > bestRefScore[j] {
				bestRefScore[j], bestForRef[j] = s, i
			}
		}
		picks[i] = p
	}

	var out []correspondence
	for i, p := range picks {
		if p.ref < 0 || bestForRef[p.ref] != i || p.best < opts.MinNCC {
			continue
		}
		// compare descriptor distances, sqrt(2 - 2 ncc) for unit vectors
		d1 := math.Sqrt(math.Max(2-2*p.best, 0))
		if !math.IsInf(p.second, -1) {
			d2 := math.Sqrt(math.Max(2-2*p.second, 0))
			if d1 >= opts.RatioTest*d2 {
				continue
			}
		}
		out = append(out, correspondence{lq: lq[i].pt, ref: ref[p.ref].pt, score: p.best})
	}
	return out
}

func ncc(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
