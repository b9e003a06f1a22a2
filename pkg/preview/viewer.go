// Package preview renders volume slices as JPEG images for visual checks of
// a registration run.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"anchorreg/internal/models"
)

// Axis selects the slicing plane.
type Axis string

const (
	AxisX Axis = "x" // sagittal, YZ plane
	AxisY Axis = "y" // coronal, XZ plane
	AxisZ Axis = "z" // axial, XY plane
)

// ParseAxis accepts x, y or z in either case.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(strings.ToLower(s)); a {
	case AxisX, AxisY, AxisZ:
		return a, nil
	default:
		return "", fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
	}
}

// Viewer extracts slices from one volume. Intensities are mapped linearly
// from [Low, High] to the full 16-bit gray range.
type Viewer struct {
	vol       *models.Volume
	Low, High float64
}

// NewViewer creates a viewer windowed to the volume's own intensity range.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if vol.Len() > 0 {
		v.Low, v.High = floats.Min(vol.Data), floats.Max(vol.Data)
	}
	return v
}

// Extent returns the number of slices along axis.
func (v *Viewer) Extent(axis Axis) int {
	switch axis {
	case AxisX:
		return v.vol.Width
	case AxisY:
		return v.vol.Height
	case AxisZ:
		return v.vol.Depth
	default:
		return 0
	}
}

// ExtractSlice extracts the 2D slice at position along axis.
func (v *Viewer) ExtractSlice(axis Axis, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if n := v.Extent(axis); n == 0 {
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	} else if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, n)
	}

	w, h, d := v.vol.Width, v.vol.Height, v.vol.Depth
	var img *image.Gray16

	switch axis {
	case AxisX:
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}
	case AxisY:
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}
	case AxisZ:
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}
	}
	return img, nil
}

func (v *Viewer) gray(value float64) color.Gray16 {
	span := v.High - v.Low
	if span <= 0 {
		return color.Gray16{}
	}
	scaled := (value - v.Low) / span * 65535
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled)))}
}

// SaveSlice writes img as a JPEG.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveFrames writes the middle slice along axis of every frame of arr to
// outputDir as frame_001.jpg, frame_002.jpg, ... and returns the paths.
// All frames share the intensity window of the whole series so they can be
// flipped through and compared.
func SaveFrames(arr *models.VolumeArray, axis Axis, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	var low, high float64
	if len(arr.Data) > 0 {
		low, high = floats.Min(arr.Data), floats.Max(arr.Data)
	}

	paths := make([]string, 0, arr.Frames)
	for t := 0; t < arr.Frames; t++ {
		vol, err := arr.Frame(t)
		if err != nil {
			return paths, err
		}
		viewer := &Viewer{vol: vol, Low: low, High: high}
		img, err := viewer.ExtractSlice(axis, viewer.Extent(axis)/2)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("frame_%03d.jpg", t+1))
		if err := SaveSlice(img, path); err != nil {
			return paths, fmt.Errorf("save preview of frame %d: %w", t+1, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
