package alignment

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var errDegenerate = errors.New("degenerate point sample")

// fit is a robustly estimated transform
type fit struct {
	matrix   Matrix
	inliers  []int
	residual float64
}

// ransac is the shared sampling loop. minimal fits a sample, refine fits
// all inliers of the best sample.
func ransac(src, dst []Point2D, sampleSize, iterations int, threshold float64, rng *rand.Rand,
	minimal, refine func(src, dst []Point2D) (Matrix, error)) (fit, error) {

	n := len(src)
	if n != len(dst) {
		return fit{}, fmt.Errorf("point count mismatch: %d vs %d", n, len(dst))
	}
	if n < sampleSize {
		return fit{}, fmt.Errorf("need at least %d points, got %d", sampleSize, n)
	}

	var best []int
	bestErr := math.Inf(1)
	sample := make([]Point2D, sampleSize)
	target := make([]Point2D, sampleSize)

	for iter := 0; iter < iterations; iter++ {
		indices := rng.Perm(n)[:sampleSize]
		for i, idx := range indices {
			sample[i] = src[idx]
			target[i] = dst[idx]
		}

		m, err := minimal(sample, target)
		if err != nil {
			continue
		}

		var inliers []int
		var sumErr float64
		for i := range src {
			d := m.Apply(src[i]).Distance(dst[i])
			if d < threshold {
				inliers = append(inliers, i)
				sumErr += d
			}
		}
		if len(inliers) > len(best) || (len(inliers) == len(best) && sumErr < bestErr) {
			best = inliers
			bestErr = sumErr
		}
		if len(best) == n {
			break
		}
	}

	if len(best) < sampleSize {
		return fit{}, fmt.Errorf("RANSAC failed to find enough inliers")
	}

	inSrc := make([]Point2D, len(best))
	inDst := make([]Point2D, len(best))
	for i, idx := range best {
		inSrc[i] = src[idx]
		inDst[i] = dst[idx]
	}
	m, err := refine(inSrc, inDst)
	if err != nil {
		return fit{}, fmt.Errorf("refit on %d inliers: %w", len(best), err)
	}

	// the refit may move the consensus; recount against the final model
	var inliers []int
	for i := range src {
		if m.Apply(src[i]).Distance(dst[i]) < threshold {
			inliers = append(inliers, i)
		}
	}
	if len(inliers) < sampleSize {
		return fit{}, fmt.Errorf("refit lost consensus")
	}
	inSrc = inSrc[:0]
	inDst = inDst[:0]
	for _, idx := range inliers {
		inSrc = append(inSrc, src[idx])
		inDst = append(inDst, dst[idx])
	}
	return fit{matrix: m, inliers: inliers, residual: rmsResidual(m, inSrc, inDst)}, nil
}

// ransacAffine estimates an affine transform from 3-point samples
func ransacAffine(src, dst []Point2D, iterations int, threshold float64, rng *rand.Rand) (fit, error) {
	return ransac(src, dst, 3, iterations, threshold, rng, affineFromPoints, affineLeastSquares)
}

// ransacProjective estimates a homography from 4-point samples
func ransacProjective(src, dst []Point2D, iterations int, threshold float64, rng *rand.Rand) (fit, error) {
	return ransac(src, dst, 4, iterations, threshold, rng, homographyDLT, homographyDLT)
}

// affineFromPoints solves the affine transform through exactly 3 pairs
func affineFromPoints(src, dst []Point2D) (Matrix, error) {
	if len(src) != 3 || len(dst) != 3 {
		return Matrix{}, fmt.Errorf("need exactly 3 points")
	}
	area := (src[1].X-src[0].X)*(src[2].Y-src[0].Y) - (src[2].X-src[0].X)*(src[1].Y-src[0].Y)
	if math.Abs(area) < 1 {
		return Matrix{}, errDegenerate
	}

	// [x', y'] = [a, b, tx; c, d, ty] * [x, y, 1]
	A := mat.NewDense(6, 6, nil)
	B := mat.NewVecDense(6, nil)
	for i := 0; i < 3; i++ {
		x, y := src[i].X, src[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return Matrix{}, err
	}
	return Affine(params.AtVec(0), params.AtVec(1), params.AtVec(2),
		params.AtVec(3), params.AtVec(4), params.AtVec(5)), nil
}

// affineLeastSquares fits an affine transform to n >= 3 pairs with QR
func affineLeastSquares(src, dst []Point2D) (Matrix, error) {
	n := len(src)
	if n < 3 {
		return Matrix{}, fmt.Errorf("need at least 3 points")
	}

	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return Matrix{}, err
	}
	return Affine(params.AtVec(0), params.AtVec(1), params.AtVec(2),
		params.AtVec(3), params.AtVec(4), params.AtVec(5)), nil
}

// homographyDLT fits a homography to n >= 4 pairs with the normalized
// direct linear transform
func homographyDLT(src, dst []Point2D) (Matrix, error) {
	n := len(src)
	if n < 4 || len(dst) != n {
		return Matrix{}, fmt.Errorf("need at least 4 points")
	}

	ts, ns, ok := normalizePoints(src)
	if !ok {
		return Matrix{}, errDegenerate
	}
	td, nd, ok := normalizePoints(dst)
	if !ok {
		return Matrix{}, errDegenerate
	}

	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFullV) {
		return Matrix{}, fmt.Errorf("SVD failed")
	}
	var V mat.Dense
	svd.VTo(&V)

	var hn Matrix
	for i := 0; i < 9; i++ {
		hn[i] = V.At(i, 8)
	}

	// H = Td^-1 * Hn * Ts
	tdInv, ok := td.Inverse()
	if !ok {
		return Matrix{}, errDegenerate
	}
	h := multiply(multiply(tdInv, hn), ts)
	if math.Abs(h[8]) < 1e-12 {
		return Matrix{}, errDegenerate
	}
	return h.normalized(), nil
}

// normalizePoints moves the centroid to the origin and scales the mean
// distance to sqrt(2)
func normalizePoints(pts []Point2D) (Matrix, []Point2D, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var meanDist float64
	for _, p := range pts {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= float64(len(pts))
	if meanDist < 1e-9 {
		return Matrix{}, nil, false
	}

	s := math.Sqrt2 / meanDist
	t := Affine(s, 0, -s*cx, 0, s, -s*cy)
	out := make([]Point2D, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return t, out, true
}

func multiply(a, b Matrix) Matrix {
	var out Matrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += a[r*3+k] * b[k*3+c]
			}
			out[r*3+c] = sum
		}
	}
	return out
}
