package models

import (
	"fmt"
)

// VoxelSize is the physical size of a voxel in mm
type VoxelSize struct {
	X, Y, Z float64
}

// Volume represents a single 3D volume (one time point of a 4D series)
type Volume struct {
	// Data is the 3D volume data as a 1D array, x fastest, then y, then z
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize VoxelSize
}

// NewVolume allocates a zeroed volume with unit voxel size
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: VoxelSize{X: 1, Y: 1, Z: 1},
	}
}

// Len returns the number of voxels in the volume
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the position of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// SameShape reports whether two volumes have identical spatial dimensions
func (v *Volume) SameShape(other *Volume) bool {
	return v.Width == other.Width && v.Height == other.Height && v.Depth == other.Depth
}

// VolumeArray represents a 4D series of volumes: three spatial
// dimensions plus time. Frames are stored back to back in index order.
type VolumeArray struct {
	// Data holds all frames, x fastest, then y, z and t
	Data []float64

	// Width, Height, Depth are the spatial dimensions of every frame
	Width, Height, Depth int

	// Frames is the length of the temporal dimension
	Frames int

	// VoxelSize is shared by all frames
	VoxelSize VoxelSize
}

// NewVolumeArray allocates a zeroed 4D array
func NewVolumeArray(width, height, depth, frames int) *VolumeArray {
	return &VolumeArray{
		Data:      make([]float64, width*height*depth*frames),
		Width:     width,
		Height:    height,
		Depth:     depth,
		Frames:    frames,
		VoxelSize: VoxelSize{X: 1, Y: 1, Z: 1},
	}
}

// FrameLen returns the number of voxels in one frame
func (a *VolumeArray) FrameLen() int {
	return a.Width * a.Height * a.Depth
}

// Shape returns the dimensions as (width, height, depth, frames)
func (a *VolumeArray) Shape() [4]int {
	return [4]int{a.Width, a.Height, a.Depth, a.Frames}
}

// Frame copies frame t out of the array
func (a *VolumeArray) Frame(t int) (*Volume, error) {
	if t < 0 || t >= a.Frames {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", t, a.Frames)
	}
	n := a.FrameLen()
	vol := &Volume{
		Data:      make([]float64, n),
		Width:     a.Width,
		Height:    a.Height,
		Depth:     a.Depth,
		VoxelSize: a.VoxelSize,
	}
	copy(vol.Data, a.Data[t*n:(t+1)*n])
	return vol, nil
}

// SetFrame copies vol into frame t. The volume must match the array's
// spatial shape.
func (a *VolumeArray) SetFrame(t int, vol *Volume) error {
	if t < 0 || t >= a.Frames {
		return fmt.Errorf("frame %d out of range [0, %d)", t, a.Frames)
	}
	if vol.Width != a.Width || vol.Height != a.Height || vol.Depth != a.Depth {
		return fmt.Errorf("frame %d: volume shape %dx%dx%d does not match array shape %dx%dx%d",
			t, vol.Width, vol.Height, vol.Depth, a.Width, a.Height, a.Depth)
	}
	n := a.FrameLen()
	copy(a.Data[t*n:(t+1)*n], vol.Data)
	return nil
}
