// Package imageprocessor decodes images and turns them into comparable
// fingerprints (perceptual hashes, pixel statistics or model embeddings).
package imageprocessor

import (
	"image"

	"pairfinder/types"

	"gocv.io/x/gocv"
)

// Fingerprinter is the interface every fingerprint backend implements
type Fingerprinter interface {
	// Name identifies the backend; stored alongside cached fingerprints
	Name() string

	// Fingerprint computes the representation of a decoded BGR image
	Fingerprint(img gocv.Mat) (types.Fingerprint, error)
}

// BatchFingerprinter is implemented by backends that must not be called
// concurrently and prefer batched submissions, such as loaded models.
type BatchFingerprinter interface {
	Fingerprinter

	// FingerprintBatch computes fingerprints for each image, in order
	FingerprintBatch(imgs []gocv.Mat) ([]types.Fingerprint, error)

	// BatchSize is the preferred number of images per submission
	BatchSize() int

	// InputSize is the resolution images are reduced to before batching
	InputSize() image.Point
}
