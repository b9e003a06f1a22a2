// Package assembly rebuilds the 4D series after registration: anchors keep
// their original volume, every other frame takes its registered volume, in
// the original frame order.
package assembly

import (
	"fmt"

	"anchorreg/internal/models"
	"anchorreg/pkg/anchor"
)

// Source provides original and registered volumes by index.
type Source interface {
	Get(i int) (*models.Volume, error)
	GetRegistered(i int) (*models.Volume, error)
	HasRegistered(i int) bool
}

// Options controls assembly.
type Options struct {
	// FallbackToOriginal uses the original volume for frames that were
	// never registered instead of failing.
	FallbackToOriginal bool
}

// MissingVolumeError lists non-anchor volumes without a registered
// counterpart.
type MissingVolumeError struct {
	Indices []int // 0-based, ascending
}

func (e *MissingVolumeError) Error() string {
	return fmt.Sprintf("no registered volume for frames %v", anchor.Frames(e.Indices))
}

// Missing returns the non-anchor indices in [0, nVols) that src has no
// registered volume for.
func Missing(nVols int, set *anchor.Set, src Source) []int {
	var missing []int
	for i := 0; i < nVols; i++ {
		if !set.Contains(i) && !src.HasRegistered(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Assemble builds the output series of nVols frames.
func Assemble(nVols int, set *anchor.Set, src Source, opts Options) (*models.VolumeArray, error) {
	if nVols <= 0 {
		return nil, fmt.Errorf("cannot assemble %d volumes", nVols)
	}
	if set.NumVolumes() != nVols {
		return nil, fmt.Errorf("anchor set is for %d volumes, assembling %d", set.NumVolumes(), nVols)
	}

	if missing := Missing(nVols, set, src); len(missing) > 0 && !opts.FallbackToOriginal {
		return nil, &MissingVolumeError{Indices: missing}
	}

	// The first original volume fixes the spatial shape
	first, err := src.Get(0)
	if err != nil {
		return nil, fmt.Errorf("read volume 0: %w", err)
	}
	out := models.NewVolumeArray(first.Width, first.Height, first.Depth, nVols)
	out.VoxelSize = first.VoxelSize

	for i := 0; i < nVols; i++ {
		vol, err := pick(i, set, src)
		if err != nil {
			return nil, err
		}
		if err := out.SetFrame(i, vol); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func pick(i int, set *anchor.Set, src Source) (*models.Volume, error) {
	if set.Contains(i) || !src.HasRegistered(i) {
		vol, err := src.Get(i)
		if err != nil {
			return nil, fmt.Errorf("read volume %d: %w", i, err)
		}
		return vol, nil
	}
	vol, err := src.GetRegistered(i)
	if err != nil {
		return nil, fmt.Errorf("read registered volume %d: %w", i, err)
	}
	return vol, nil
}
