package volstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"anchorreg/internal/models"
	"anchorreg/pkg/nifti"
)

func ramp(w, h, d int, offset float64) *models.Volume {
	vol := models.NewVolume(w, h, d)
	for i := range vol.Data {
		vol.Data[i] = offset + float64(i)
	}
	return vol
}

func TestPaths(t *testing.T) {
	s := New("/work")
	require.Equal(t, filepath.Join("/work", "1.nii"), s.VolumePath(0))
	require.Equal(t, filepath.Join("/work", "12.nii"), s.VolumePath(11))
	require.Equal(t, filepath.Join("/work", "3_reg.nii"), s.RegisteredTarget(2))
}

func TestPutGet(t *testing.T) {
	for name, opts := range map[string][]Option{
		"cached":   nil,
		"uncached": {WithCacheTTL(0)},
	} {
		t.Run(name, func(t *testing.T) {
			s := New(t.TempDir(), opts...)
			vol := ramp(3, 2, 2, 5)
			require.NoError(t, s.Put(4, vol))
			require.FileExists(t, s.VolumePath(4))

			got, err := s.Get(4)
			require.NoError(t, err)
			require.Equal(t, vol.Data, got.Data)
			require.True(t, vol.SameShape(got))

			_, err = s.Get(5)
			require.Error(t, err)
		})
	}
}

func TestRegistered(t *testing.T) {
	s := New(t.TempDir())
	require.False(t, s.HasRegistered(1))

	_, err := s.GetRegistered(1)
	require.ErrorIs(t, err, ErrNotRegistered)

	vol := ramp(2, 2, 2, 1)
	require.NoError(t, s.PutRegistered(1, vol))
	require.True(t, s.HasRegistered(1))

	got, err := s.GetRegistered(1)
	require.NoError(t, err)
	require.Equal(t, vol.Data, got.Data)
}

func TestAdoptRegistered(t *testing.T) {
	s := New(t.TempDir(), WithCacheTTL(0))

	// Tools such as FNIRT write "<target>.gz" instead of the target itself
	path := s.RegisteredTarget(0) + ".gz"
	vol := ramp(2, 3, 1, 0)
	require.NoError(t, nifti.WriteVolume(path, vol))

	require.NoError(t, s.AdoptRegistered(0, path))
	got, err := s.GetRegistered(0)
	require.NoError(t, err)
	require.Equal(t, vol.Data, got.Data)

	require.Error(t, s.AdoptRegistered(1, s.RegisteredTarget(1)))
	require.Error(t, s.AdoptRegistered(1, s.Dir()))
	require.False(t, s.HasRegistered(1))
}

func TestDecompose(t *testing.T) {
	s := New(t.TempDir())
	arr := models.NewVolumeArray(2, 2, 1, 3)
	for i := range arr.Data {
		arr.Data[i] = float64(i)
	}
	require.NoError(t, s.Decompose(arr))

	for frame := 0; frame < 3; frame++ {
		want, err := arr.Frame(frame)
		require.NoError(t, err)
		got, err := s.Get(frame)
		require.NoError(t, err)
		require.Equal(t, want.Data, got.Data, "frame %d", frame)
	}
}

func TestRelease(t *testing.T) {
	s, err := Create(t.TempDir(), "run-*")
	require.NoError(t, err)
	require.NoError(t, s.Put(0, ramp(1, 1, 1, 0)))
	require.NoError(t, s.PutRegistered(0, ramp(1, 1, 1, 0)))

	require.NoError(t, s.Release())
	_, err = os.Stat(s.Dir())
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.False(t, s.HasRegistered(0))

	// The cache is gone too, so reads fail once the files are deleted
	_, err = s.Get(0)
	require.Error(t, err)
}
