package imageprocessor

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// EncodePNG encodes a Mat as PNG bytes
func EncodePNG(img gocv.Mat) ([]byte, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot encode empty image")
	}
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// ResizeArea resizes img to size with area interpolation. The caller owns
// the returned Mat.
func ResizeArea(img gocv.Mat, size image.Point) gocv.Mat {
	dst := gocv.NewMat()
	gocv.Resize(img, &dst, size, 0, 0, gocv.InterpolationArea)
	return dst
}

// Dimensions returns the width and height of img
func Dimensions(img gocv.Mat) (int, int) {
	return img.Cols(), img.Rows()
}
