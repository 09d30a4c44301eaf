package types

import (
	"fmt"
	"math"
	"time"
)

// Side identifies which directory a record came from
type Side string

const (
	SideHQ Side = "hq"
	SideLQ Side = "lq"
)

// FingerprintKind names the representation stored in a Fingerprint
type FingerprintKind string

const (
	KindPerceptualHash FingerprintKind = "phash"
	KindPixelStats     FingerprintKind = "pixelstats"
	KindEmbedding      FingerprintKind = "embedding"
)

// Fingerprint is a comparable representation of one image.
// Bits is set for hash kinds, Vector for embedding kinds. Stats is always
// populated so records fingerprinted by different backends stay comparable.
type Fingerprint struct {
	Kind   FingerprintKind `json:"kind"`
	Bits   []uint64        `json:"bits,omitempty"`
	Vector []float32       `json:"vector,omitempty"`
	Stats  []float32       `json:"stats,omitempty"`
}

// IsZero reports whether the fingerprint carries no data
func (f Fingerprint) IsZero() bool {
	return len(f.Bits) == 0 && len(f.Vector) == 0 && len(f.Stats) == 0
}

// ImageRecord holds the metadata and fingerprint of one scanned image
type ImageRecord struct {
	Side        Side        `json:"side"`
	Path        string      `json:"path"`
	Format      string      `json:"format"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Size        int64       `json:"size"`
	Fingerprint Fingerprint `json:"-"`
}

// Aspect returns width/height, or 0 for records without dimensions
func (r ImageRecord) Aspect() float64 {
	if r.Height == 0 {
		return 0
	}
	return float64(r.Width) / float64(r.Height)
}

// ScaleFactor is a rational HQ/LQ resolution ratio. The zero value is unknown.
type ScaleFactor struct {
	Num int `json:"num"`
	Den int `json:"den"`
}

// UnknownScale is the scale of a pair whose ratio could not be determined
var UnknownScale = ScaleFactor{}

// NewScaleFactor reduces num/den to lowest terms
func NewScaleFactor(num, den int) ScaleFactor {
	if num <= 0 || den <= 0 {
		return UnknownScale
	}
	g := gcd(num, den)
	return ScaleFactor{Num: num / g, Den: den / g}
}

// Known reports whether the factor carries a value
func (s ScaleFactor) Known() bool {
	return s.Num > 0 && s.Den > 0
}

// Float returns the factor as a float, NaN when unknown
func (s ScaleFactor) Float() float64 {
	if !s.Known() {
		return math.NaN()
	}
	return float64(s.Num) / float64(s.Den)
}

func (s ScaleFactor) String() string {
	switch {
	case !s.Known():
		return "unknown"
	case s.Den == 1:
		return fmt.Sprintf("%d", s.Num)
	default:
		return fmt.Sprintf("%d/%d", s.Num, s.Den)
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Confidence is the validation level of a candidate match
type Confidence string

const (
	Confirmed Confidence = "CONFIRMED"
	Likely    Confidence = "LIKELY"
	Rejected  Confidence = "REJECTED"
)

// MatchMethod records how the correspondence was found
type MatchMethod string

const (
	MethodName    MatchMethod = "name"
	MethodContent MatchMethod = "content"
)

// TransformKind classifies a fitted geometric transform
type TransformKind string

const (
	TransformIdentity   TransformKind = "identity"
	TransformAffine     TransformKind = "affine"
	TransformProjective TransformKind = "projective"
)

// GeometricTransform maps LQ pixel coordinates into the HQ reference frame
// (HQ scaled down by the pair's scale factor). Parameters is a row-major 3x3
// matrix; affine transforms have a last row of 0 0 1.
type GeometricTransform struct {
	Kind            TransformKind `json:"kind"`
	Parameters      [9]float64    `json:"parameters"`
	ResidualError   float64       `json:"residual_error"`
	Inliers         int           `json:"inliers"`
	Correspondences int           `json:"correspondences"`
}

// CandidateMatch links an HQ and an LQ record. The records are copies;
// the match does not own them.
type CandidateMatch struct {
	HQ         ImageRecord         `json:"-"`
	LQ         ImageRecord         `json:"-"`
	Similarity float64             `json:"similarity"`
	Scale      ScaleFactor         `json:"scale"`
	Confidence Confidence          `json:"confidence"`
	Method     MatchMethod         `json:"method"`
	Ambiguous  bool                `json:"ambiguous,omitempty"`
	Transform  *GeometricTransform `json:"transform,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// Reason codes attached to terminal states
const (
	ReasonPairedExact      = "paired_exact"
	ReasonPairedAligned    = "paired_aligned"
	ReasonUnreadable       = "unreadable"
	ReasonNoMatch          = "no_match"
	ReasonAspectMismatch   = "aspect_mismatch"
	ReasonImplausibleScale = "implausible_scale"
	ReasonAlignmentFailed  = "alignment_failed"
	ReasonCancelled        = "cancelled"
)

// TerminalState is where a record ends a session
type TerminalState string

const (
	StateConfirmed TerminalState = "CONFIRMED"
	StateOrphan    TerminalState = "ORPHAN"
)

// PairEntry is a finalized CONFIRMED pair. CorrectedHQ/CorrectedLQ hold
// re-encoded PNG bytes when alignment resampled the pair.
type PairEntry struct {
	HQPath      string              `json:"hq_path"`
	LQPath      string              `json:"lq_path"`
	Similarity  float64             `json:"similarity"`
	Scale       ScaleFactor         `json:"scale"`
	Method      MatchMethod         `json:"method"`
	Reason      string              `json:"reason"`
	Ambiguous   bool                `json:"ambiguous,omitempty"`
	Transform   *GeometricTransform `json:"transform,omitempty"`
	CorrectedHQ []byte              `json:"-"`
	CorrectedLQ []byte              `json:"-"`
}

// Corrected reports whether the pair carries resampled image data
func (p PairEntry) Corrected() bool {
	return len(p.CorrectedHQ) > 0 && len(p.CorrectedLQ) > 0
}

// OrphanEntry is a record with no confirmed counterpart
type OrphanEntry struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// ActionEntry is one line of the action log
type ActionEntry struct {
	Side   Side          `json:"side"`
	Path   string        `json:"path"`
	State  TerminalState `json:"state"`
	Reason string        `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

func (a ActionEntry) String() string {
	if a.Detail == "" {
		return fmt.Sprintf("%s %s: %s %s", a.Side, a.Path, a.State, a.Reason)
	}
	return fmt.Sprintf("%s %s: %s %s (%s)", a.Side, a.Path, a.State, a.Reason, a.Detail)
}

// PairingManifest is the immutable result of a pairing session
type PairingManifest struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	HQRoot    string        `json:"hq_root,omitempty"`
	LQRoot    string        `json:"lq_root,omitempty"`
	Partial   bool          `json:"partial"`
	Pairs     []PairEntry   `json:"pairs"`
	OrphansHQ []OrphanEntry `json:"orphans_hq"`
	OrphansLQ []OrphanEntry `json:"orphans_lq"`
	Actions   []ActionEntry `json:"actions"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Summary counts actions per "STATE reason"
func (m PairingManifest) Summary() map[string]int {
	counts := make(map[string]int)
	for _, a := range m.Actions {
		counts[string(a.State)+" "+a.Reason]++
	}
	return counts
}
