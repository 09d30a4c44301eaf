package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrEmptyInput is wrapped by DecodeError when there are no bytes to decode
var ErrEmptyInput = errors.New("empty image data")

// DecodeError reports data that cannot be decoded as an image
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports an image that decodes but whose channel
// layout the fingerprint backends cannot handle. Image holds the decoded
// picture so callers can fall back to pixel statistics.
type UnsupportedFormatError struct {
	Path   string
	Layout string
	Image  image.Image
}

func (e *UnsupportedFormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unsupported image layout: %s", e.Layout)
	}
	return fmt.Sprintf("unsupported image layout in %s: %s", e.Path, e.Layout)
}

// Decoded is a decoded image. Mat is BGR and owned by the caller.
type Decoded struct {
	Mat    gocv.Mat
	Format string
	Width  int
	Height int
}

// Close releases the native image
func (d *Decoded) Close() {
	if d.Mat.Ptr() != nil {
		d.Mat.Close()
	}
}

// LoadImage reads and decodes an image file
func LoadImage(path string) (*Decoded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	decoded, err := DecodeImage(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	return decoded, nil
}

// DecodeImage decodes raw image bytes. OpenCV is tried first; Go decoders
// handle what OpenCV rejects.
func DecodeImage(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyInput}
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err == nil && !mat.Empty() {
		return &Decoded{
			Mat:    mat,
			Format: string(SniffFormat(data)),
			Width:  mat.Cols(),
			Height: mat.Rows(),
		}, nil
	}
	if err == nil {
		mat.Close()
	}

	goImg, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := CheckLayout(goImg); err != nil {
		return nil, err
	}

	mat, err = gocv.ImageToMatRGB(goImg)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("convert %s image: %w", format, err)}
	}
	bounds := goImg.Bounds()
	return &Decoded{Mat: mat, Format: format, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// CheckLayout rejects layouts that cannot be converted faithfully: palette
// images whose pixels index beyond the palette table, and alpha-only images.
func CheckLayout(img image.Image) error {
	switch m := img.(type) {
	case *image.Paletted:
		if len(m.Palette) == 0 {
			return &UnsupportedFormatError{Layout: "indexed image without palette", Image: img}
		}
		limit := len(m.Palette)
		for _, idx := range m.Pix {
			if int(idx) >= limit {
				return &UnsupportedFormatError{
					Layout: fmt.Sprintf("palette index %d beyond %d-entry palette", idx, limit),
					Image:  img,
				}
			}
		}
	case *image.Alpha, *image.Alpha16:
		return &UnsupportedFormatError{Layout: "alpha-only channel layout", Image: img}
	}
	return nil
}

// paletteColor returns the palette entry for idx, or opaque black when the
// palette table is incomplete
func paletteColor(p color.Palette, idx uint8) color.Color {
	if int(idx) < len(p) {
		return p[idx]
	}
	return color.Black
}

func withPath(err error, path string) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return &DecodeError{Path: path, Err: de.Err}
	}
	var ue *UnsupportedFormatError
	if errors.As(err, &ue) {
		return &UnsupportedFormatError{Path: path, Layout: ue.Layout, Image: ue.Image}
	}
	return err
}

// LoadImageLenient is LoadImage for pixel comparison. Layouts rejected by
// CheckLayout are flattened to RGB instead: missing palette entries read as
// black and alpha-only images as grayscale coverage.
func LoadImageLenient(path string) (*Decoded, error) {
	decoded, err := LoadImage(path)
	var ue *UnsupportedFormatError
	if err == nil || !errors.As(err, &ue) || ue.Image == nil {
		return decoded, err
	}

	flat := flatten(ue.Image)
	mat, convErr := gocv.ImageToMatRGB(flat)
	if convErr != nil {
		return nil, &DecodeError{Path: path, Err: convErr}
	}
	bounds := flat.Bounds()
	return &Decoded{Mat: mat, Format: string(GetFileFormat(path)), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func flatten(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	paletted, _ := img.(*image.Paletted)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var c color.Color
			switch {
			case paletted != nil:
				c = paletteColor(paletted.Palette, paletted.ColorIndexAt(x, y))
			default:
				_, _, _, a := img.At(x, y).RGBA()
				v := uint8(a >> 8)
				c = color.RGBA{R: v, G: v, B: v, A: 255}
			}
			r, g, b, _ := c.RGBA()
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255})
		}
	}
	return out
}
