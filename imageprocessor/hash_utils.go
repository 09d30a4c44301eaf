package imageprocessor

import (
	"fmt"
	"image"
	"math"
	"sort"

	"pairfinder/types"

	"gocv.io/x/gocv"
)

// hash grid sizes
const (
	hashSide = 8
	dctSide  = 32
)

// PerceptualHasher fingerprints images with a DCT perceptual hash followed
// by an 8x8 average hash, 128 bits in total
type PerceptualHasher struct{}

// NewPerceptualHasher creates a perceptual hasher
func NewPerceptualHasher() *PerceptualHasher {
	return &PerceptualHasher{}
}

// Name implements Fingerprinter
func (h *PerceptualHasher) Name() string { return string(types.KindPerceptualHash) }

// Fingerprint implements Fingerprinter
func (h *PerceptualHasher) Fingerprint(img gocv.Mat) (types.Fingerprint, error) {
	pHash, err := ComputePerceptualHash(img)
	if err != nil {
		return types.Fingerprint{}, err
	}
	aHash, err := ComputeAverageHash(img)
	if err != nil {
		return types.Fingerprint{}, err
	}
	stats, err := ComputePixelStats(img)
	if err != nil {
		return types.Fingerprint{}, err
	}
	return types.Fingerprint{
		Kind:  types.KindPerceptualHash,
		Bits:  []uint64{pHash, aHash},
		Stats: stats,
	}, nil
}

// grayResized reduces img to a size x size grayscale image. Area
// interpolation keeps downscaled copies of the same scene comparable.
func grayResized(img gocv.Mat, size int) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("cannot compute hash for empty image")
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Point{X: size, Y: size}, 0, 0, gocv.InterpolationArea)

	gray := gocv.NewMat()
	if resized.Channels() != 1 {
		gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
	} else {
		resized.CopyTo(&gray)
	}
	return gray, nil
}

// ComputeAverageHash calculates an 8x8 average hash
func ComputeAverageHash(img gocv.Mat) (uint64, error) {
	gray, err := grayResized(img, hashSide)
	if err != nil {
		return 0, err
	}
	defer gray.Close()

	var sum float64
	for y := 0; y < hashSide; y++ {
		for x := 0; x < hashSide; x++ {
			sum += float64(gray.GetUCharAt(y, x))
		}
	}
	threshold := sum / float64(hashSide*hashSide)

	var hash uint64
	for y := 0; y < hashSide; y++ {
		for x := 0; x < hashSide; x++ {
			hash <<= 1
			if float64(gray.GetUCharAt(y, x)) >= threshold {
				hash |= 1
			}
		}
	}
	return hash, nil
}

// ComputePerceptualHash computes a DCT-based perceptual hash: the 8x8 lowest
// frequencies of a 32x32 DCT compared against their median
func ComputePerceptualHash(img gocv.Mat) (uint64, error) {
	gray, err := grayResized(img, dctSide)
	if err != nil {
		return 0, err
	}
	defer gray.Close()

	floatImg := gocv.NewMat()
	defer floatImg.Close()
	gray.ConvertTo(&floatImg, gocv.MatTypeCV32F)

	dct := gocv.NewMat()
	defer dct.Close()
	gocv.DCT(floatImg, &dct, 0)
	if dct.Empty() {
		dct.Close()
		dct = applyDCT(floatImg)
	}

	lowFreq := dct.Region(image.Rect(0, 0, hashSide, hashSide))
	defer lowFreq.Close()

	values := make([]float32, 0, hashSide*hashSide)
	for y := 0; y < hashSide; y++ {
		for x := 0; x < hashSide; x++ {
			values = append(values, lowFreq.GetFloatAt(y, x))
		}
	}
	median := calculateMedian(values)

	var hash uint64
	for _, v := range values {
		hash <<= 1
		if v >= median {
			hash |= 1
		}
	}
	return hash, nil
}

// applyDCT applies a DCT-II in Go when OpenCV returns nothing
func applyDCT(img gocv.Mat) gocv.Mat {
	rows, cols := img.Rows(), img.Cols()
	result := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)

	for u := 0; u < rows; u++ {
		for v := 0; v < cols; v++ {
			var sum float64
			for i := 0; i < rows; i++ {
				cosU := math.Cos(math.Pi * float64(u) * (2*float64(i) + 1) / (2 * float64(rows)))
				for j := 0; j < cols; j++ {
					cosV := math.Cos(math.Pi * float64(v) * (2*float64(j) + 1) / (2 * float64(cols)))
					sum += float64(img.GetFloatAt(i, j)) * cosU * cosV
				}
			}

			scaleU := 1.0
			if u == 0 {
				scaleU = 1 / math.Sqrt2
			}
			scaleV := 1.0
			if v == 0 {
				scaleV = 1 / math.Sqrt2
			}
			scale := 2 * scaleU * scaleV / math.Sqrt(float64(rows*cols))
			result.SetFloatAt(u, v, float32(sum*scale))
		}
	}
	return result
}

// calculateMedian returns the median without modifying values
func calculateMedian(values []float32) float32 {
	sorted := make([]float32, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n%2 == 0:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	default:
		return sorted[n/2]
	}
}
