package correspondence

import (
	"math"
	"sort"

	"pairfinder/types"
)

// bandIndex buckets hash fingerprints by contiguous bit bands. Two hashes
// within Hamming distance d share at least one identical band when there
// are more than d bands, so no pair above threshold is missed.
type bandIndex struct {
	bands    int
	bits     int
	buckets  []map[uint64][]int
	fallback []int
}

// newBandIndex indexes the given HQ records. It returns nil unless every
// record carries a hash of the same length.
func newBandIndex(hq []types.ImageRecord, members []int, threshold float64) *bandIndex {
	if len(members) == 0 {
		return nil
	}
	words := -1
	for _, i := range members {
		fp := hq[i].Fingerprint
		if fp.Kind != types.KindPerceptualHash || len(fp.Bits) == 0 {
			return nil
		}
		if words < 0 {
			words = len(fp.Bits)
		} else if len(fp.Bits) != words {
			return nil
		}
	}

	bits := 64 * words
	maxDist := int(math.Floor((1 - threshold) * float64(bits)))
	bands := min(maxDist+1, bits)

	idx := &bandIndex{bands: bands, bits: bits, buckets: make([]map[uint64][]int, bands)}
	for b := range idx.buckets {
		idx.buckets[b] = make(map[uint64][]int)
	}
	for _, i := range members {
		for b := 0; b < bands; b++ {
			key := idx.band(hq[i].Fingerprint.Bits, b)
			idx.buckets[b][key] = append(idx.buckets[b][key], i)
		}
	}
	idx.fallback = members
	return idx
}

// candidates returns the sorted HQ indices sharing a band with fp. Records
// of another kind are compared against every member.
func (x *bandIndex) candidates(fp types.Fingerprint) []int {
	if fp.Kind != types.KindPerceptualHash || len(fp.Bits)*64 != x.bits {
		return x.fallback
	}
	seen := make(map[int]struct{})
	for b := 0; b < x.bands; b++ {
		for _, i := range x.buckets[b][x.band(fp.Bits, b)] {
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// band extracts band b. Bands split the bits as evenly as possible.
func (x *bandIndex) band(words []uint64, b int) uint64 {
	start := b * x.bits / x.bands
	end := (b + 1) * x.bits / x.bands
	var key uint64
	for bit := start; bit < end; bit++ {
		key <<= 1
		key |= (words[bit/64] >> (63 - bit%64)) & 1
	}
	return key
}
