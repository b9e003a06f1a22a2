// Package anchor decides which reference frame every volume of a 4D series
// is registered against.
//
// A caller designates a few "anchor" frames. Anchors are never registered;
// every other volume is registered against exactly one anchor:
//
//   - volumes before the first anchor use the first anchor,
//   - volumes between two anchors use the anchor that closes the span,
//   - volumes after the last anchor use the last anchor.
//
// Indices are 0-based internally. Frame numbers shown to users and accepted
// on the command line are 1-based.
package anchor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// InvalidAnchorError is returned when an anchor list cannot be used to
// build a registration plan.
type InvalidAnchorError struct {
	// Input is the raw frame list as given by the user, if any
	Input string

	// Anchors are the 0-based indices that were rejected
	Anchors []int

	// NumVolumes is the number of volumes the anchors were checked against
	NumVolumes int

	// Reason describes the violated rule
	Reason string

	cause error
}

func (e *InvalidAnchorError) Error() string {
	if e.Input != "" {
		return fmt.Sprintf("invalid anchors %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("invalid anchors %v: %s", Frames(e.Anchors), e.Reason)
}

func (e *InvalidAnchorError) Unwrap() error { return e.cause }

// Frames converts 0-based indices into 1-based frame numbers for display.
func Frames(indices []int) []int {
	frames := make([]int, len(indices))
	for i, idx := range indices {
		frames[i] = idx + 1
	}
	return frames
}

// ParseFrames parses a comma-separated list of 1-based frame numbers
// ("1,10,20") into 0-based indices. Order and uniqueness are preserved as
// given; NewSet rejects lists that are not strictly increasing.
func ParseFrames(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, &InvalidAnchorError{Input: s, Reason: "no anchor frames given"}
	}

	parts := strings.Split(s, ",")
	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &InvalidAnchorError{Input: s, Reason: "empty item in frame list"}
		}
		frame, err := strconv.Atoi(part)
		if err != nil {
			return nil, &InvalidAnchorError{
				Input:  s,
				Reason: fmt.Sprintf("%q is not a frame number", part),
				cause:  err,
			}
		}
		if frame < 1 {
			return nil, &InvalidAnchorError{
				Input:  s,
				Reason: fmt.Sprintf("frame numbers start at 1, got %d", frame),
			}
		}
		indices = append(indices, frame-1)
	}
	return indices, nil
}

// Set is a validated, strictly increasing set of anchor indices for a
// series of a known length.
type Set struct {
	indices    []int
	numVolumes int
	bitmap     *roaring.Bitmap
}

// NewSet validates indices against a series of nVols volumes.
//
// The indices must be non-empty, strictly increasing and inside
// [0, nVols). Unsorted or duplicated input is rejected, never reordered.
func NewSet(indices []int, nVols int) (*Set, error) {
	if nVols <= 0 {
		return nil, &InvalidAnchorError{
			Anchors:    indices,
			NumVolumes: nVols,
			Reason:     fmt.Sprintf("series has no volumes (n=%d)", nVols),
		}
	}
	if len(indices) == 0 {
		return nil, &InvalidAnchorError{NumVolumes: nVols, Reason: "no anchor frames given"}
	}

	bitmap := roaring.New()
	for i, idx := range indices {
		if idx < 0 || idx >= nVols {
			return nil, &InvalidAnchorError{
				Anchors:    indices,
				NumVolumes: nVols,
				Reason:     fmt.Sprintf("anchor frame %d outside [1, %d]", idx+1, nVols),
			}
		}
		if i > 0 && idx <= indices[i-1] {
			reason := fmt.Sprintf("anchor frames must be strictly increasing (%d after %d)", idx+1, indices[i-1]+1)
			if idx == indices[i-1] {
				reason = fmt.Sprintf("anchor frame %d given twice", idx+1)
			}
			return nil, &InvalidAnchorError{Anchors: indices, NumVolumes: nVols, Reason: reason}
		}
		bitmap.Add(uint32(idx))
	}

	owned := make([]int, len(indices))
	copy(owned, indices)
	return &Set{indices: owned, numVolumes: nVols, bitmap: bitmap}, nil
}

// Contains reports whether idx is an anchor.
func (s *Set) Contains(idx int) bool {
	return idx >= 0 && s.bitmap.Contains(uint32(idx))
}

// Indices returns the anchors in increasing order.
func (s *Set) Indices() []int {
	out := make([]int, len(s.indices))
	copy(out, s.indices)
	return out
}

// Len returns the number of anchors.
func (s *Set) Len() int {
	return len(s.indices)
}

// Last returns the final anchor.
func (s *Set) Last() int {
	return s.indices[len(s.indices)-1]
}

// NumVolumes returns the length of the series the set was validated for.
func (s *Set) NumVolumes() int {
	return s.numVolumes
}
