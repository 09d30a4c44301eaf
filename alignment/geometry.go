package alignment

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point2D is a point in pixel coordinates
type Point2D struct {
	X, Y float64
}

// Distance returns the Euclidean distance to other
func (p Point2D) Distance(other Point2D) float64 {
	dx, dy := p.X-other.X, p.Y-other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Matrix is a row-major 3x3 planar transform. Affine transforms keep the
// last row at 0 0 1.
type Matrix [9]float64

// Identity returns the identity transform
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Affine builds a transform from the 2x3 affine coefficients
func Affine(a, b, tx, c, d, ty float64) Matrix {
	return Matrix{a, b, tx, c, d, ty, 0, 0, 1}
}

// Translation returns a pure translation
func Translation(tx, ty float64) Matrix {
	return Affine(1, 0, tx, 0, 1, ty)
}

// Apply maps p through the transform
func (m Matrix) Apply(p Point2D) Point2D {
	x := m[0]*p.X + m[1]*p.Y + m[2]
	y := m[3]*p.X + m[4]*p.Y + m[5]
	w := m[6]*p.X + m[7]*p.Y + m[8]
	if w == 0 {
		return Point2D{X: math.Inf(1), Y: math.Inf(1)}
	}
	return Point2D{X: x / w, Y: y / w}
}

// IsAffine reports whether the last row is 0 0 1
func (m Matrix) IsAffine() bool {
	return m[6] == 0 && m[7] == 0 && m[8] == 1
}

// normalized scales a projective matrix so m[8] is 1
func (m Matrix) normalized() Matrix {
	if m[8] == 0 || m[8] == 1 {
		return m
	}
	for i := range m {
		m[i] /= m[8]
	}
	return m
}

// Inverse returns the inverse transform
func (m Matrix) Inverse() (Matrix, bool) {
	dense := mat.NewDense(3, 3, m[:])
	var inv mat.Dense
	if err := inv.Inverse(dense); err != nil {
		return Matrix{}, false
	}
	var out Matrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	return out.normalized(), true
}

// NearIdentity reports whether every corner of a w x h frame moves less than
// tol pixels under m
func (m Matrix) NearIdentity(w, h int, tol float64) bool {
	for _, p := range frameCorners(w, h) {
		if m.Apply(p).Distance(p) >= tol {
			return false
		}
	}
	return true
}

func frameCorners(w, h int) []Point2D {
	fw, fh := float64(w), float64(h)
	return []Point2D{{0, 0}, {fw, 0}, {fw, fh}, {0, fh}}
}

// rmsResidual is the root mean square distance between m(src) and dst
func rmsResidual(m Matrix, src, dst []Point2D) float64 {
	if len(src) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range src {
		d := m.Apply(src[i]).Distance(dst[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(src)))
}
