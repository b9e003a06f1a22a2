package container

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"anchorreg/internal/models"
)

func seriesFixture() *models.VolumeArray {
	arr := models.NewVolumeArray(3, 3, 2, 4)
	for i := range arr.Data {
		arr.Data[i] = float64(i % 17)
	}
	return arr
}

func TestExtension(t *testing.T) {
	require.Equal(t, ".nii.gz", Extension("/data/RUN1.NII.GZ"))
	require.Equal(t, ".mat", Extension("scan.mat"))
	require.Equal(t, ".gz", Extension("scan.tar.gz"))
	require.Equal(t, "", Extension("noext"))
}

func TestForPath(t *testing.T) {
	codec, err := ForPath("out.nii.gz")
	require.NoError(t, err)
	require.IsType(t, NIfTI{}, codec)

	_, err = ForPath("out.csv")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	require.Contains(t, err.Error(), ".nii")
}

func TestRegister(t *testing.T) {
	Register(".TEST", NIfTI{})
	t.Cleanup(func() {
		mu.Lock()
		delete(codecs, ".test")
		mu.Unlock()
	})

	_, err := ForPath("x.test")
	require.NoError(t, err)
	require.Contains(t, Supported(), ".test")
}

func TestNIfTI_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.nii.gz")
	arr := seriesFixture()

	codec := NIfTI{}
	require.NoError(t, codec.Save(path, "registered", arr))

	got, err := codec.Load(path, "registered")
	require.NoError(t, err)
	require.Equal(t, arr.Shape(), got.Shape())
	require.Equal(t, arr.Data, got.Data)
}

func TestNIfTI_SaveRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.nii")
	codec := NIfTI{}
	require.NoError(t, codec.Save(path, "a", seriesFixture()))

	err := codec.Save(path, "a", seriesFixture())
	require.True(t, errors.Is(err, os.ErrExist))
}

func TestNIfTI_LoadChecksDatasetName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.nii")
	codec := NIfTI{}
	require.NoError(t, codec.Save(path, "regimages", seriesFixture()))

	_, err := codec.Load(path, "other")
	var notFound *DatasetNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, "other", notFound.Dataset)
	require.Equal(t, []string{"regimages"}, notFound.Available)
	require.Contains(t, err.Error(), "available: regimages")
}

func TestNIfTI_UnnamedImageMatchesAnyDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.nii")
	codec := NIfTI{}
	require.NoError(t, codec.Save(path, "", seriesFixture()))

	got, err := codec.Load(path, "regimages")
	require.NoError(t, err)
	require.Equal(t, 4, got.Frames)
}
