// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz), the per-volume format exchanged with FSL.
//
// Only what the registration pipeline needs is supported: 3D and 4D
// scalar images of the common integer and floating point datatypes.
// Images are always written as little-endian float64 with an sform that
// scales by the voxel size.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"anchorreg/internal/models"
)

const (
	headerSize = 348

	// voxOffset leaves room for the 4-byte extension flag after the header
	voxOffset = 352

	// maxVoxels bounds the voxel count a header may declare
	maxVoxels = 1 << 31

	readChunk = 1 << 16
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// ErrNotNIfTI is returned when the input does not carry a NIfTI-1 header
var ErrNotNIfTI = errors.New("not a NIfTI-1 file")

// header mirrors the on-disk NIfTI-1 header byte for byte.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a decoded NIfTI image of up to four dimensions.
type Image struct {
	// Width, Height, Depth are the spatial dimensions
	Width, Height, Depth int

	// Frames is the size of the temporal dimension, 1 for a 3D image
	Frames int

	// VoxelSize comes from pixdim[1..3]
	VoxelSize models.VoxelSize

	// Data holds the voxels, x fastest, then y, z and t
	Data []float64

	// Name is stored in the header's intent_name field (max 15 bytes)
	Name string
}

// Decode reads a NIfTI-1 image. Gzip-compressed input is detected from
// its magic bytes, so a .nii.gz with the wrong extension still decodes.
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		return decode(zr)
	}
	return decode(br)
}

func decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, ErrNotNIfTI
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if string(h.Magic[:]) != "n+1\x00" {
		return nil, fmt.Errorf("%w: magic %q (only single-file .nii is supported)", ErrNotNIfTI, h.Magic[:3])
	}

	img, err := imageFromHeader(&h)
	if err != nil {
		return nil, err
	}

	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skip extensions: %w", err)
		}
	}

	n := img.Width * img.Height * img.Depth * img.Frames
	if n > maxVoxels {
		return nil, fmt.Errorf("header declares %d voxels, more than the supported %d", n, maxVoxels)
	}
	img.Data, err = readVoxels(r, order, h.Datatype, n)
	if err != nil {
		return nil, err
	}

	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i, v := range img.Data {
			img.Data[i] = v*slope + inter
		}
	}
	return img, nil
}

func imageFromHeader(h *header) (*Image, error) {
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}

	dims := [7]int{1, 1, 1, 1, 1, 1, 1}
	for i := 0; i < ndim; i++ {
		d := int(h.Dim[i+1])
		if d < 1 {
			return nil, fmt.Errorf("invalid size %d for dimension %d", d, i+1)
		}
		dims[i] = d
	}
	for i := 4; i < 7; i++ {
		if dims[i] != 1 {
			return nil, fmt.Errorf("images with more than 4 dimensions are not supported (dim %v)", h.Dim)
		}
	}

	img := &Image{
		Width:  dims[0],
		Height: dims[1],
		Depth:  dims[2],
		Frames: dims[3],
		VoxelSize: models.VoxelSize{
			X: pixdim(h.Pixdim[1]),
			Y: pixdim(h.Pixdim[2]),
			Z: pixdim(h.Pixdim[3]),
		},
		Name: cString(h.IntentName[:]),
	}
	return img, nil
}

func pixdim(v float32) float64 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 1
	}
	return float64(v)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// voxel is any element type readVoxels can decode.
type voxel interface {
	uint8 | int8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	switch datatype {
	case DTUint8:
		return readChunked[uint8](r, order, n)
	case DTInt8:
		return readChunked[int8](r, order, n)
	case DTInt16:
		return readChunked[int16](r, order, n)
	case DTUint16:
		return readChunked[uint16](r, order, n)
	case DTInt32:
		return readChunked[int32](r, order, n)
	case DTUint32:
		return readChunked[uint32](r, order, n)
	case DTInt64:
		return readChunked[int64](r, order, n)
	case DTUint64:
		return readChunked[uint64](r, order, n)
	case DTFloat32:
		return readChunked[float32](r, order, n)
	case DTFloat64:
		return readChunked[float64](r, order, n)
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
}

// readChunked decodes n voxels of type T. The result grows as data arrives,
// so a header that overstates the image size fails on the short read
// instead of allocating the full size up front.
func readChunked[T voxel](r io.Reader, order binary.ByteOrder, n int) ([]float64, error) {
	out := make([]float64, 0, min(n, readChunk))
	buf := make([]T, min(n, readChunk))
	for len(out) < n {
		b := buf[:min(n-len(out), len(buf))]
		if err := binary.Read(r, order, b); err != nil {
			return nil, fmt.Errorf("read %d voxels: %w", n, err)
		}
		for _, v := range b {
			out = append(out, float64(v))
		}
	}
	return out, nil
}

// Encode writes img as an uncompressed little-endian float64 NIfTI-1 image.
func Encode(w io.Writer, img *Image) error {
	n := img.Width * img.Height * img.Depth * img.Frames
	if n == 0 || len(img.Data) != n {
		return fmt.Errorf("image has %d voxels, dimensions %dx%dx%dx%d need %d",
			len(img.Data), img.Width, img.Height, img.Depth, img.Frames, n)
	}
	for _, d := range []int{img.Width, img.Height, img.Depth, img.Frames} {
		if d > math.MaxInt16 {
			return fmt.Errorf("dimensions %dx%dx%dx%d exceed the NIfTI-1 limit of %d",
				img.Width, img.Height, img.Depth, img.Frames, math.MaxInt16)
		}
	}
	if len(img.Name) > 15 {
		return fmt.Errorf("image name %q longer than 15 bytes", img.Name)
	}

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat64,
		Bitpix:    64,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		SformCode: 2,     // aligned
	}
	h.Dim[0] = 3
	h.Dim[1], h.Dim[2], h.Dim[3] = int16(img.Width), int16(img.Height), int16(img.Depth)
	h.Dim[4], h.Dim[5], h.Dim[6], h.Dim[7] = 1, 1, 1, 1
	if img.Frames > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(img.Frames)
	}
	vs := img.VoxelSize
	if vs.X == 0 && vs.Y == 0 && vs.Z == 0 {
		vs = models.VoxelSize{X: 1, Y: 1, Z: 1}
	}
	h.Pixdim = [8]float32{1, float32(vs.X), float32(vs.Y), float32(vs.Z), 1, 1, 1, 1}
	h.SrowX = [4]float32{float32(vs.X), 0, 0, 0}
	h.SrowY = [4]float32{0, float32(vs.Y), 0, 0}
	h.SrowZ = [4]float32{0, 0, float32(vs.Z), 0}
	copy(h.IntentName[:], img.Name)
	copy(h.Magic[:], "n+1\x00")

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	// Extension flag: no extensions follow
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, img.Data); err != nil {
		return fmt.Errorf("write voxels: %w", err)
	}
	return bw.Flush()
}

// IsCompressedPath reports whether path names a gzip-compressed image
func IsCompressedPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// ReadFile decodes the image stored at path.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// WriteFile encodes img to path, gzip-compressing when path ends in .gz.
// With exclusive set, an existing file is never overwritten.
func WriteFile(path string, img *Image, exclusive bool) (err error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exclusive {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if !IsCompressedPath(path) {
		return Encode(f, img)
	}

	zw := gzip.NewWriter(f)
	if err := Encode(zw, img); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadVolume reads a 3D image into a volume.
func ReadVolume(path string) (*models.Volume, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if img.Frames != 1 {
		return nil, fmt.Errorf("%s: expected a 3D volume, found %d frames", path, img.Frames)
	}
	return &models.Volume{
		Data:      img.Data,
		Width:     img.Width,
		Height:    img.Height,
		Depth:     img.Depth,
		VoxelSize: img.VoxelSize,
	}, nil
}

// WriteVolume writes a single volume, replacing any existing file.
func WriteVolume(path string, vol *models.Volume) error {
	return WriteFile(path, &Image{
		Width:     vol.Width,
		Height:    vol.Height,
		Depth:     vol.Depth,
		Frames:    1,
		VoxelSize: vol.VoxelSize,
		Data:      vol.Data,
	}, false)
}
