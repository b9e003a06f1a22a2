// Package matfile reads and writes 4D arrays in HDF5 files, which is what
// MATLAB produces for "-v7.3" .mat files. It needs the HDF5 C library
// (cgo) and registers itself with the container package on import.
//
// Files are written as plain HDF5 without the 512-byte MATLAB header, so
// MATLAB's load does not accept them as .mat files. h5read and h5py read
// them; use a .h5 output path when the result is not meant for load.
package matfile

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/hdf5"

	"anchorreg/internal/models"
	"anchorreg/pkg/container"
)

func init() {
	for _, ext := range []string{".mat", ".h5", ".hdf5"} {
		container.Register(ext, Codec{})
	}
}

// Codec implements container.Codec for HDF5 files.
//
// MATLAB stores arrays column-major, so an X×Y×Z×T array appears in HDF5
// with dims [T, Z, Y, X] in row-major order. That is exactly the x-fastest
// layout of models.VolumeArray, so data is copied without reordering.
type Codec struct{}

// Load implements container.Codec.
func (Codec) Load(path, dataset string) (*models.VolumeArray, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if !f.LinkExists(dataset) {
		return nil, &container.DatasetNotFoundError{Path: path, Dataset: dataset, Available: datasetNames(f)}
	}

	dset, err := f.OpenDataset(dataset)
	if err != nil {
		return nil, fmt.Errorf("open dataset %q: %w", dataset, err)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()

	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, fmt.Errorf("read dims of %q: %w", dataset, err)
	}

	// A 3D dataset is a series with a single frame
	var shape [4]int // t, z, y, x
	switch len(dims) {
	case 3:
		shape = [4]int{1, int(dims[0]), int(dims[1]), int(dims[2])}
	case 4:
		shape = [4]int{int(dims[0]), int(dims[1]), int(dims[2]), int(dims[3])}
	default:
		return nil, fmt.Errorf("dataset %q has %d dimensions, need a 4D series", dataset, len(dims))
	}

	data := make([]float64, shape[0]*shape[1]*shape[2]*shape[3])
	if err := dset.Read(&data); err != nil {
		// Complex MATLAB arrays are compound {real, imag} types that do not
		// convert to double
		return nil, fmt.Errorf("read dataset %q (complex data is not supported): %w", dataset, err)
	}

	return &models.VolumeArray{
		Data:      data,
		Width:     shape[3],
		Height:    shape[2],
		Depth:     shape[1],
		Frames:    shape[0],
		VoxelSize: models.VoxelSize{X: 1, Y: 1, Z: 1},
	}, nil
}

// Save implements container.Codec. The file is created exclusively.
func (Codec) Save(path, dataset string, arr *models.VolumeArray) (err error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_EXCL)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	dims := []uint{uint(arr.Frames), uint(arr.Depth), uint(arr.Height), uint(arr.Width)}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("create dataspace: %w", err)
	}
	defer space.Close()

	dset, err := f.CreateDataset(dataset, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return fmt.Errorf("create dataset %q: %w", dataset, err)
	}
	defer dset.Close()

	if err := dset.Write(&arr.Data); err != nil {
		return fmt.Errorf("write dataset %q: %w", dataset, err)
	}
	return nil
}

// datasetNames lists the top-level objects of f, skipping MATLAB's
// internal "#refs#" and "#subsystem#" groups.
func datasetNames(f *hdf5.File) []string {
	n, err := f.NumObjects()
	if err != nil {
		return nil
	}
	var names []string
	for i := uint(0); i < n; i++ {
		name, err := f.ObjectNameByIndex(i)
		if err != nil || strings.HasPrefix(name, "#") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
