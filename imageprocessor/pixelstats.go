package imageprocessor

import (
	"fmt"
	"image"
	"math"

	"pairfinder/types"

	"gocv.io/x/gocv"
)

const (
	statsGrid = 8

	// weight of the per-channel mean/std entries relative to the unit-norm grid
	statsChannelWeight = 0.25
)

// StatsLen is the length of every pixel statistics vector
const StatsLen = statsGrid*statsGrid + 6

// PixelStatsFingerprinter fingerprints images by coarse pixel statistics
// alone. It is the fallback for layouts the other backends reject.
type PixelStatsFingerprinter struct{}

// NewPixelStatsFingerprinter creates a pixel statistics fingerprinter
func NewPixelStatsFingerprinter() *PixelStatsFingerprinter {
	return &PixelStatsFingerprinter{}
}

// Name implements Fingerprinter
func (p *PixelStatsFingerprinter) Name() string { return string(types.KindPixelStats) }

// Fingerprint implements Fingerprinter
func (p *PixelStatsFingerprinter) Fingerprint(img gocv.Mat) (types.Fingerprint, error) {
	stats, err := ComputePixelStats(img)
	if err != nil {
		return types.Fingerprint{}, err
	}
	return types.Fingerprint{Kind: types.KindPixelStats, Stats: stats}, nil
}

// FingerprintImage fingerprints a Go image without going through OpenCV
func (p *PixelStatsFingerprinter) FingerprintImage(img image.Image) (types.Fingerprint, error) {
	stats, err := PixelStatsFromImage(img)
	if err != nil {
		return types.Fingerprint{}, err
	}
	return types.Fingerprint{Kind: types.KindPixelStats, Stats: stats}, nil
}

// rgbGrid holds the mean colour of each cell of an 8x8 grid over the image
type rgbGrid [statsGrid * statsGrid][3]float64

// ComputePixelStats builds the statistics vector of a BGR or gray Mat
func ComputePixelStats(img gocv.Mat) ([]float32, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot compute pixel stats for empty image")
	}

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(img, &small, image.Point{X: statsGrid, Y: statsGrid}, 0, 0, gocv.InterpolationArea)

	var grid rgbGrid
	for y := 0; y < statsGrid; y++ {
		for x := 0; x < statsGrid; x++ {
			cell := &grid[y*statsGrid+x]
			if small.Channels() == 1 {
				v := float64(small.GetUCharAt(y, x))
				cell[0], cell[1], cell[2] = v, v, v
				continue
			}
			bgr := small.GetVecbAt(y, x)
			cell[0], cell[1], cell[2] = float64(bgr[2]), float64(bgr[1]), float64(bgr[0])
		}
	}
	return grid.stats(), nil
}

// PixelStatsFromImage builds the statistics vector of a Go image. Palette
// entries missing from an incomplete palette read as black.
func PixelStatsFromImage(img image.Image) ([]float32, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot compute pixel stats for empty image")
	}

	paletted, _ := img.(*image.Paletted)

	var grid rgbGrid
	var counts [statsGrid * statsGrid]int
	for y := 0; y < h; y++ {
		cy := y * statsGrid / h
		for x := 0; x < w; x++ {
			cx := x * statsGrid / w
			px, py := bounds.Min.X+x, bounds.Min.Y+y

			var r, g, b uint32
			if paletted != nil {
				r, g, b, _ = paletteColor(paletted.Palette, paletted.ColorIndexAt(px, py)).RGBA()
			} else {
				r, g, b, _ = img.At(px, py).RGBA()
			}

			i := cy*statsGrid + cx
			grid[i][0] += float64(r >> 8)
			grid[i][1] += float64(g >> 8)
			grid[i][2] += float64(b >> 8)
			counts[i]++
		}
	}
	for i := range grid {
		if counts[i] == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			grid[i][c] /= float64(counts[i])
		}
	}
	return grid.stats(), nil
}

// stats flattens the grid into a zero-mean unit-norm luma vector followed by
// weighted per-channel means and deviations in RGB order
func (g *rgbGrid) stats() []float32 {
	out := make([]float32, StatsLen)

	luma := make([]float64, len(g))
	var mean float64
	for i, c := range g {
		luma[i] = 0.299*c[0] + 0.587*c[1] + 0.114*c[2]
		mean += luma[i]
	}
	mean /= float64(len(luma))

	var norm float64
	for i := range luma {
		luma[i] -= mean
		norm += luma[i] * luma[i]
	}
	norm = math.Sqrt(norm)
	if norm > 1e-9 {
		for i, v := range luma {
			out[i] = float32(v / norm)
		}
	}

	n := float64(len(g))
	for c := 0; c < 3; c++ {
		var sum, sq float64
		for _, cell := range g {
			sum += cell[c]
			sq += cell[c] * cell[c]
		}
		chMean := sum / n
		chStd := math.Sqrt(math.Max(sq/n-chMean*chMean, 0))
		out[statsGrid*statsGrid+2*c] = float32(statsChannelWeight * chMean / 255)
		out[statsGrid*statsGrid+2*c+1] = float32(statsChannelWeight * chStd / 255)
	}
	return out
}
