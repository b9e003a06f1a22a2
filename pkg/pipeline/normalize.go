package pipeline

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"anchorreg/internal/models"
)

// Normalize replaces every sample with its magnitude and rescales the
// series so its brightest sample equals max. An all-zero series is left
// as is.
func Normalize(arr *models.VolumeArray, max float64) {
	if len(arr.Data) == 0 {
		return
	}
	for i, v := range arr.Data {
		arr.Data[i] = math.Abs(v)
	}
	peak := floats.Max(arr.Data)
	if peak == 0 {
		return
	}
	floats.Scale(max/peak, arr.Data)
}
