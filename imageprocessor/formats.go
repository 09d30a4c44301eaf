package imageprocessor

import (
	"bytes"
	"path/filepath"
	"strings"
)

// FormatType names an image container format
type FormatType string

const (
	FormatUnknown FormatType = "unknown"
	FormatJPEG    FormatType = "jpeg"
	FormatPNG     FormatType = "png"
	FormatGIF     FormatType = "gif"
	FormatTIFF    FormatType = "tiff"
	FormatBMP     FormatType = "bmp"
	FormatWEBP    FormatType = "webp"
)

// formatSpec describes how a format is recognised on disk and in memory.
// Magic entries may contain '?' wildcards.
type formatSpec struct {
	format     FormatType
	extensions []string
	magic      []string
}

var formatSpecs = []formatSpec{
	{FormatJPEG, []string{".jpg", ".jpeg"}, []string{"\xff\xd8\xff"}},
	{FormatPNG, []string{".png"}, []string{"\x89PNG\r\n\x1a\n"}},
	{FormatGIF, []string{".gif"}, []string{"GIF87a", "GIF89a"}},
	{FormatTIFF, []string{".tif", ".tiff"}, []string{"II*\x00", "MM\x00*"}},
	{FormatBMP, []string{".bmp"}, []string{"BM"}},
	{FormatWEBP, []string{".webp"}, []string{"RIFF????WEBP"}},
}

var formatByExtension = func() map[string]FormatType {
	m := make(map[string]FormatType)
	for _, spec := range formatSpecs {
		for _, ext := range spec.extensions {
			m[ext] = spec.format
		}
	}
	return m
}()

// IsImageFile reports whether path has a supported image extension
func IsImageFile(path string) bool {
	return GetFileFormat(path) != FormatUnknown
}

// GetFileFormat returns the format implied by the file extension
func GetFileFormat(path string) FormatType {
	if format, ok := formatByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return format
	}
	return FormatUnknown
}

// SniffFormat identifies encoded image bytes by their signature
func SniffFormat(data []byte) FormatType {
	for _, spec := range formatSpecs {
		for _, magic := range spec.magic {
			if matchMagic(data, magic) {
				return spec.format
			}
		}
	}
	return FormatUnknown
}

func matchMagic(data []byte, magic string) bool {
	if len(data) < len(magic) {
		return false
	}
	if !strings.Contains(magic, "?") {
		return bytes.HasPrefix(data, []byte(magic))
	}
	for i := 0; i < len(magic); i++ {
		if magic[i] != '?' && data[i] != magic[i] {
			return false
		}
	}
	return true
}
