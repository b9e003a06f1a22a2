package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"anchorreg/internal/models"
)

func rampVolume(w, h, d int) *models.Volume {
	vol := models.NewVolume(w, h, d)
	for i := range vol.Data {
		vol.Data[i] = float64(i) * 0.5
	}
	vol.VoxelSize = models.VoxelSize{X: 1.5, Y: 1.5, Z: 3}
	return vol
}

func TestHeaderSize(t *testing.T) {
	require.Equal(t, headerSize, binary.Size(header{}))
}

func TestWriteReadVolume(t *testing.T) {
	dir := t.TempDir()
	vol := rampVolume(5, 4, 3)

	for _, name := range []string{"1.nii", "1.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, WriteVolume(path, vol))

			got, err := ReadVolume(path)
			require.NoError(t, err)
			require.Equal(t, vol.Data, got.Data)
			require.True(t, vol.SameShape(got))
			require.Equal(t, vol.VoxelSize, got.VoxelSize)
		})
	}
}

func TestWriteFile_CompressesGzPaths(t *testing.T) {
	dir := t.TempDir()
	vol := models.NewVolume(8, 8, 8)

	plain := filepath.Join(dir, "a.nii")
	packed := filepath.Join(dir, "a.nii.gz")
	require.NoError(t, WriteVolume(plain, vol))
	require.NoError(t, WriteVolume(packed, vol))

	raw, err := os.ReadFile(plain)
	require.NoError(t, err)
	require.Len(t, raw, voxOffset+8*8*8*8)
	require.Equal(t, "n+1\x00", string(raw[344:348]))

	gz, err := os.ReadFile(packed)
	require.NoError(t, err)
	require.Equal(t, []byte{0x1f, 0x8b}, gz[:2])
	require.Less(t, len(gz), len(raw))
}

func TestDecode_DetectsGzipWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	packed := filepath.Join(dir, "v.nii.gz")
	require.NoError(t, WriteVolume(packed, rampVolume(2, 2, 2)))

	// FSL may be configured to compress while the caller expected .nii
	renamed := filepath.Join(dir, "v.nii")
	require.NoError(t, os.Rename(packed, renamed))

	got, err := ReadVolume(renamed)
	require.NoError(t, err)
	require.Len(t, got.Data, 8)
}

func TestFourDimensionalImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.nii.gz")
	img := &Image{Width: 3, Height: 2, Depth: 2, Frames: 4, Name: "regimages"}
	img.Data = make([]float64, 3*2*2*4)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	require.NoError(t, WriteFile(path, img, true))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 4, got.Frames)
	require.Equal(t, "regimages", got.Name)
	require.Equal(t, img.Data, got.Data)

	// Exclusive writes refuse to replace an existing file
	err = WriteFile(path, img, true)
	require.True(t, errors.Is(err, os.ErrExist))

	_, err = ReadVolume(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "found 4 frames")
}

func TestDecode_BigEndianFloat32WithScaling(t *testing.T) {
	h := header{
		SizeofHdr: headerSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  2,
		SclInter:  1,
	}
	h.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, 2, 2, 2, 0, 0, 0, 0}
	copy(h.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []float32{1.5, -3}))

	img, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, []float64{4, -5}, img.Data)
	require.Equal(t, models.VoxelSize{X: 2, Y: 2, Z: 2}, img.VoxelSize)
}

func TestDecode_Int16(t *testing.T) {
	h := header{SizeofHdr: headerSize, Datatype: DTInt16, Bitpix: 16, VoxOffset: voxOffset}
	h.Dim = [8]int16{3, 3, 1, 1, 1, 1, 1, 1}
	copy(h.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int16{-7, 0, 300}))

	img, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, []float64{-7, 0, 300}, img.Data)
}

func TestDecode_Errors(t *testing.T) {
	t.Run("not nifti", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(make([]byte, headerSize)))
		require.ErrorIs(t, err, ErrNotNIfTI)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
		require.Error(t, err)
	})

	t.Run("unsupported datatype", func(t *testing.T) {
		h := header{SizeofHdr: headerSize, Datatype: 32, VoxOffset: voxOffset} // complex64
		h.Dim = [8]int16{3, 1, 1, 1, 1, 1, 1, 1}
		copy(h.Magic[:], "n+1\x00")
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
		buf.Write(make([]byte, 12))

		_, err := Decode(&buf)
		require.Error(t, err)
		require.Contains(t, err.Error(), "unsupported NIfTI datatype 32")
	})

	oversized := func(dim [8]int16) *bytes.Buffer {
		h := header{SizeofHdr: headerSize, Datatype: DTFloat64, Bitpix: 64, VoxOffset: voxOffset}
		h.Dim = dim
		copy(h.Magic[:], "n+1\x00")
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
		buf.Write([]byte{0, 0, 0, 0})
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float64{1, 2, 3}))
		return &buf
	}

	t.Run("too many voxels", func(t *testing.T) {
		_, err := Decode(oversized([8]int16{4, 32767, 32767, 32767, 32767, 1, 1, 1}))
		require.Error(t, err)
		require.Contains(t, err.Error(), "more than the supported")
	})

	t.Run("header overstates data", func(t *testing.T) {
		_, err := Decode(oversized([8]int16{4, 4096, 4096, 64, 1, 1, 1, 1}))
		require.Error(t, err)
		require.Contains(t, err.Error(), "read 1073741824 voxels")
	})
}

func TestEncode_RejectsBadImages(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Image{Width: 2, Height: 2, Depth: 2, Frames: 1, Data: make([]float64, 3)})
	require.Error(t, err)

	err = Encode(&buf, &Image{Width: 1, Height: 1, Depth: 1, Frames: 1, Data: []float64{1}, Name: "a-name-that-is-too-long"})
	require.Error(t, err)
}

func TestEncode_RejectsOversizedDimensions(t *testing.T) {
	const frames = 40000
	err := Encode(io.Discard, &Image{Width: 1, Height: 1, Depth: 1, Frames: frames, Data: make([]float64, frames)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceed the NIfTI-1 limit")
}
