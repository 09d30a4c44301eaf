package correspondence

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// srSuffix matches the markers dataset tools append to derived images
var srSuffix = regexp.MustCompile(`[_\-. ](lq|lr|hr|hq|downscaled|small|x\d+|\d+x)$`)

// NormalizeStem lower-cases the base filename, drops the extension and
// strips trailing resolution markers such as _lq, _x4 or _4x
func NormalizeStem(path string) string {
	base := filepath.Base(path)
	stem := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	for {
		trimmed := srSuffix.ReplaceAllString(stem, "")
		if trimmed == stem || trimmed == "" {
			return stem
		}
		stem = trimmed
	}
}

// FilenameDistance is the edit distance between two normalized stems
func FilenameDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}
