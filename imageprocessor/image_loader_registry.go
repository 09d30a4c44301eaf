package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"

	"pairfinder/types"
)

// Options carries backend settings used when constructing a fingerprinter
type Options struct {
	Embedder EmbedderOptions
}

// Factory constructs a fingerprinter
type Factory func(opts Options) (Fingerprinter, error)

// FingerprinterRegistry maps backend names onto factories
type FingerprinterRegistry struct {
	factories map[string]Factory
	mutex     sync.RWMutex
}

// NewFingerprinterRegistry creates a registry with the built-in backends
func NewFingerprinterRegistry() *FingerprinterRegistry {
	r := &FingerprinterRegistry{factories: make(map[string]Factory)}
	r.Register(string(types.KindPerceptualHash), func(Options) (Fingerprinter, error) {
		return NewPerceptualHasher(), nil
	})
	r.Register(string(types.KindPixelStats), func(Options) (Fingerprinter, error) {
		return NewPixelStatsFingerprinter(), nil
	})
	r.Register(string(types.KindEmbedding), func(opts Options) (Fingerprinter, error) {
		return NewDNNEmbedder(opts.Embedder)
	})
	return r
}

// Register adds or replaces a factory
func (r *FingerprinterRegistry) Register(name string, factory Factory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Names lists the registered backends, sorted
func (r *FingerprinterRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the named backend
func (r *FingerprinterRegistry) New(name string, opts Options) (Fingerprinter, error) {
	r.mutex.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown fingerprinter %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	fp, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("create fingerprinter %s: %w", name, err)
	}
	return fp, nil
}

var defaultRegistry = NewFingerprinterRegistry()

// NewFingerprinter constructs a backend from the default registry
func NewFingerprinter(name string, opts Options) (Fingerprinter, error) {
	return defaultRegistry.New(name, opts)
}

// FingerprinterNames lists the backends of the default registry
func FingerprinterNames() []string {
	return defaultRegistry.Names()
}

// FingerprintBytes decodes data and fingerprints it with fp. Layouts fp
// cannot handle return an *UnsupportedFormatError; see FallbackFingerprint.
func FingerprintBytes(fp Fingerprinter, data []byte) (types.Fingerprint, error) {
	decoded, err := DecodeImage(data)
	if err != nil {
		return types.Fingerprint{}, err
	}
	defer decoded.Close()
	return fp.Fingerprint(decoded.Mat)
}

// FallbackFingerprint computes pixel statistics for the image carried by an
// *UnsupportedFormatError. It reports false for any other error.
func FallbackFingerprint(err error) (types.Fingerprint, image.Rectangle, bool) {
	var ue *UnsupportedFormatError
	if !errors.As(err, &ue) || ue.Image == nil {
		return types.Fingerprint{}, image.Rectangle{}, false
	}
	fp, statsErr := NewPixelStatsFingerprinter().FingerprintImage(ue.Image)
	if statsErr != nil {
		return types.Fingerprint{}, image.Rectangle{}, false
	}
	return fp, ue.Image.Bounds(), true
}
