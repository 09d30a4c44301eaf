// Package testsupport draws deterministic synthetic scenes for tests.
package testsupport

import (
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

// SyntheticScene draws a w x h BGR scene of filled rectangles and discs on a
// gradient background. The same seed always draws the same scene.
func SyntheticScene(seed int64, w, h int) gocv.Mat {
	rng := rand.New(rand.NewSource(seed))
	img := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)

	// per-channel linear gradient; each slope is in [-60, 60] so values
	// stay within 40..200
	var base, gx, gy [3]int
	for c := 0; c < 3; c++ {
		base[c] = 100 + rng.Intn(40)
		gx[c] = rng.Intn(121) - 60
		gy[c] = rng.Intn(121) - 60
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				v := base[c] + gx[c]*(2*x-w)/(2*w) + gy[c]*(2*y-h)/(2*h)
				img.SetUCharAt3(y, x, c, uint8(v))
			}
		}
	}

	minSide := min(w, h)
	for i := 0; i < 28; i++ {
		c := randomColor(rng)
		rw := minSide/16 + rng.Intn(minSide/4)
		rh := minSide/16 + rng.Intn(minSide/4)
		x := rng.Intn(max(w-rw, 1))
		y := rng.Intn(max(h-rh, 1))
		gocv.Rectangle(&img, image.Rect(x, y, x+rw, y+rh), c, -1)
	}
	for i := 0; i < 8; i++ {
		c := randomColor(rng)
		r := minSide/24 + rng.Intn(minSide/10)
		center := image.Pt(rng.Intn(w), rng.Intn(h))
		gocv.Circle(&img, center, r, c, -1)
	}
	return img
}

// FlatScene returns a w x h image of a single colour
func FlatScene(w, h int, c color.RGBA) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), h, w, gocv.MatTypeCV8UC3)
}

// Downscale reduces img by factor with area interpolation
func Downscale(img gocv.Mat, factor int) gocv.Mat {
	dst := gocv.NewMat()
	gocv.Resize(img, &dst, image.Pt(img.Cols()/factor, img.Rows()/factor), 0, 0, gocv.InterpolationArea)
	return dst
}

// Rotate turns img by degrees counter-clockwise about its centre, keeping
// the size and replicating border pixels into the exposed corners
func Rotate(img gocv.Mat, degrees float64) gocv.Mat {
	m := gocv.GetRotationMatrix2D(image.Pt(img.Cols()/2, img.Rows()/2), degrees, 1)
	defer m.Close()
	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(img, &dst, m, image.Pt(img.Cols(), img.Rows()),
		gocv.InterpolationLinear, gocv.BorderReplicate, color.RGBA{})
	return dst
}

// Crop copies the rect region of img
func Crop(img gocv.Mat, rect image.Rectangle) gocv.Mat {
	region := img.Region(rect)
	defer region.Close()
	return region.Clone()
}

// WritePNG encodes img into dir/name and returns the path
func WritePNG(t testing.TB, dir, name string, img gocv.Mat) string {
	t.Helper()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	defer buf.Close()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, buf.GetBytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// WriteScene draws a scene, optionally downscales it and writes it as PNG
func WriteScene(t testing.TB, dir, name string, seed int64, w, h, factor int) string {
	t.Helper()
	img := SyntheticScene(seed, w, h)
	defer img.Close()
	if factor > 1 {
		small := Downscale(img, factor)
		defer small.Close()
		return WritePNG(t, dir, name, small)
	}
	return WritePNG(t, dir, name, img)
}

func randomColor(rng *rand.Rand) color.RGBA {
	return color.RGBA{
		R: uint8(40 + rng.Intn(216)),
		G: uint8(40 + rng.Intn(216)),
		B: uint8(40 + rng.Intn(216)),
		A: 255,
	}
}
