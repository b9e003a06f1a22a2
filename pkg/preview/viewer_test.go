package preview

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"anchorreg/internal/models"
)

func testVolume() *models.Volume {
	vol := models.NewVolume(4, 3, 2)
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				vol.Set(x, y, z, float64(x+10*y+100*z))
			}
		}
	}
	return vol
}

func TestParseAxis(t *testing.T) {
	a, err := ParseAxis("Z")
	require.NoError(t, err)
	require.Equal(t, AxisZ, a)

	_, err = ParseAxis("w")
	require.Error(t, err)
}

func TestExtractSlice_Dimensions(t *testing.T) {
	v := NewViewer(testVolume())

	tests := []struct {
		axis          Axis
		width, height int
	}{
		{AxisX, 2, 3},
		{AxisY, 4, 2},
		{AxisZ, 4, 3},
	}
	for _, tt := range tests {
		img, err := v.ExtractSlice(tt.axis, 1)
		require.NoError(t, err, tt.axis)
		require.Equal(t, tt.width, img.Bounds().Dx(), tt.axis)
		require.Equal(t, tt.height, img.Bounds().Dy(), tt.axis)
	}
}

func TestExtractSlice_Window(t *testing.T) {
	v := NewViewer(testVolume())
	require.Equal(t, 0.0, v.Low)
	require.Equal(t, 123.0, v.High)

	img, err := v.ExtractSlice(AxisZ, 1)
	require.NoError(t, err)
	require.Equal(t, uint16(65535), img.Gray16At(3, 2).Y)

	img, err = v.ExtractSlice(AxisZ, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
}

func TestExtractSlice_Errors(t *testing.T) {
	v := NewViewer(testVolume())

	_, err := v.ExtractSlice(AxisZ, -1)
	require.Error(t, err)
	_, err = v.ExtractSlice(AxisZ, 2)
	require.Error(t, err)
	_, err = v.ExtractSlice(Axis("q"), 0)
	require.Error(t, err)
}

func TestExtractSlice_FlatVolume(t *testing.T) {
	v := NewViewer(models.NewVolume(2, 2, 1))
	img, err := v.ExtractSlice(AxisZ, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0), img.Gray16At(1, 1).Y)
}

func TestSaveFrames(t *testing.T) {
	arr := models.NewVolumeArray(8, 8, 3, 2)
	for i := range arr.Data {
		arr.Data[i] = float64(i % 50)
	}
	dir := filepath.Join(t.TempDir(), "previews")

	paths, err := SaveFrames(arr, AxisZ, dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "frame_001.jpg"),
		filepath.Join(dir, "frame_002.jpg"),
	}, paths)

	f, err := os.Open(paths[1])
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())
}
