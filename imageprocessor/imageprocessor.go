package imageprocessor

import (
	"image"
	"math"
	"math/bits"

	"pairfinder/types"

	"gocv.io/x/gocv"
)

// HammingDistance counts the differing bits of two hashes. Words missing
// from the shorter hash count as fully different.
func HammingDistance(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var distance int
	for i := 0; i < n; i++ {
		distance += bits.OnesCount64(a[i] ^ b[i])
	}
	return distance + 64*(max(len(a), len(b))-n)
}

// CosineSimilarity returns the cosine of the angle between a and b clamped
// to [0,1]. Two zero vectors are identical; one zero vector matches nothing.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 && nb == 0 {
		return 1
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Similarity compares two fingerprints on a [0,1] scale where 1 is
// identical. Fingerprints of different kinds compare their pixel statistics.
func Similarity(a, b types.Fingerprint) float64 {
	if a.Kind != b.Kind {
		return CosineSimilarity(a.Stats, b.Stats)
	}
	switch a.Kind {
	case types.KindPerceptualHash:
		total := 64 * max(len(a.Bits), len(b.Bits))
		if total == 0 {
			return 0
		}
		return 1 - float64(HammingDistance(a.Bits, b.Bits))/float64(total)
	case types.KindEmbedding:
		return CosineSimilarity(a.Vector, b.Vector)
	default:
		return CosineSimilarity(a.Stats, b.Stats)
	}
}

// ComputeSSIM scores how closely hq reproduces lq once reduced to lq's
// resolution: 1 - mean absolute grayscale difference / 255
func ComputeSSIM(hq, lq gocv.Mat) float64 {
	if hq.Empty() || lq.Empty() || lq.Rows() == 0 || lq.Cols() == 0 {
		return 0
	}

	hqGray := toGray(hq)
	defer hqGray.Close()
	lqGray := toGray(lq)
	defer lqGray.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(hqGray, &resized, image.Point{X: lqGray.Cols(), Y: lqGray.Rows()}, 0, 0, gocv.InterpolationArea)

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(resized, lqGray, &diff)
	if diff.Empty() {
		return 0
	}

	mean := gocv.NewMat()
	stdDev := gocv.NewMat()
	defer mean.Close()
	defer stdDev.Close()
	gocv.MeanStdDev(diff, &mean, &stdDev)
	if mean.Empty() {
		return 0
	}

	meanDiff := mean.GetDoubleAt(0, 0)
	if meanDiff > 255 {
		return 0
	}
	return 1 - meanDiff/255
}

func toGray(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if img.Channels() != 1 {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(&gray)
	}
	return gray
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
