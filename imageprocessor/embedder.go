package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"pairfinder/types"

	"gocv.io/x/gocv"
)

// ErrModelUnavailable is returned when an embedding model cannot be loaded
var ErrModelUnavailable = errors.New("embedding model unavailable")

// EmbedderOptions configures a DNNEmbedder
type EmbedderOptions struct {
	ModelPath   string
	ConfigPath  string
	OutputLayer string
	InputSize   image.Point
	BatchSize   int
	Scale       float64
	Mean        [3]float64
	SwapRB      bool
}

// DefaultEmbedderOptions matches common ImageNet backbones exported to ONNX
func DefaultEmbedderOptions(modelPath string) EmbedderOptions {
	return EmbedderOptions{
		ModelPath: modelPath,
		InputSize: image.Point{X: 224, Y: 224},
		BatchSize: 16,
		Scale:     1.0 / 255,
		Mean:      [3]float64{123.675, 116.28, 103.53},
		SwapRB:    true,
	}
}

// DNNEmbedder produces embedding vectors with an OpenCV DNN model. The
// network is not safe for concurrent submission; all calls are serialised.
type DNNEmbedder struct {
	opts EmbedderOptions
	net  gocv.Net
	mu   sync.Mutex
}

// NewDNNEmbedder loads the model. Failure to load is fatal for a session.
func NewDNNEmbedder(opts EmbedderOptions) (*DNNEmbedder, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("%w: no model path configured", ErrModelUnavailable)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.InputSize.X <= 0 || opts.InputSize.Y <= 0 {
		opts.InputSize = image.Point{X: 224, Y: 224}
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}

	net := gocv.ReadNet(opts.ModelPath, opts.ConfigPath)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("%w: failed to read %s", ErrModelUnavailable, opts.ModelPath)
	}
	return &DNNEmbedder{opts: opts, net: net}, nil
}

// Name implements Fingerprinter
func (e *DNNEmbedder) Name() string { return string(types.KindEmbedding) }

// BatchSize implements BatchFingerprinter
func (e *DNNEmbedder) BatchSize() int { return e.opts.BatchSize }

// InputSize implements BatchFingerprinter
func (e *DNNEmbedder) InputSize() image.Point { return e.opts.InputSize }

// Fingerprint implements Fingerprinter
func (e *DNNEmbedder) Fingerprint(img gocv.Mat) (types.Fingerprint, error) {
	fps, err := e.FingerprintBatch([]gocv.Mat{img})
	if err != nil {
		return types.Fingerprint{}, err
	}
	return fps[0], nil
}

// FingerprintBatch runs one forward pass over imgs
func (e *DNNEmbedder) FingerprintBatch(imgs []gocv.Mat) ([]types.Fingerprint, error) {
	if len(imgs) == 0 {
		return nil, nil
	}

	fps := make([]types.Fingerprint, len(imgs))
	for i, img := range imgs {
		stats, err := ComputePixelStats(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		fps[i] = types.Fingerprint{Kind: types.KindEmbedding, Stats: stats}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	blob := gocv.NewMat()
	defer blob.Close()
	mean := gocv.NewScalar(e.opts.Mean[0], e.opts.Mean[1], e.opts.Mean[2], 0)
	gocv.BlobFromImages(imgs, &blob, e.opts.Scale, e.opts.InputSize, mean, e.opts.SwapRB, false, gocv.MatTypeCV32F)
	if blob.Empty() {
		return nil, fmt.Errorf("failed to build input blob for %d images", len(imgs))
	}

	e.net.SetInput(blob, "")
	out := e.net.Forward(e.opts.OutputLayer)
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read embeddings: %w", err)
	}
	if len(data) == 0 || len(data)%len(imgs) != 0 {
		return nil, fmt.Errorf("unexpected embedding output of %d values for %d images", len(data), len(imgs))
	}

	dim := len(data) / len(imgs)
	for i := range fps {
		fps[i].Vector = normalize(data[i*dim : (i+1)*dim])
	}
	return fps, nil
}

// Close releases the network
func (e *DNNEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}

// normalize copies v scaled to unit length
func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
