package container

import (
	"fmt"

	"anchorreg/internal/models"
	"anchorreg/pkg/nifti"
)

func init() {
	Register(".nii", NIfTI{})
	Register(".nii.gz", NIfTI{})
}

// NIfTI stores a 4D series as one NIfTI-1 image. The dataset name lives in
// the header's intent_name field; images without a name match any dataset.
type NIfTI struct{}

// Load implements Codec.
func (NIfTI) Load(path, dataset string) (*models.VolumeArray, error) {
	img, err := nifti.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if img.Name != "" && img.Name != dataset {
		return nil, &DatasetNotFoundError{Path: path, Dataset: dataset, Available: []string{img.Name}}
	}
	return &models.VolumeArray{
		Data:      img.Data,
		Width:     img.Width,
		Height:    img.Height,
		Depth:     img.Depth,
		Frames:    img.Frames,
		VoxelSize: img.VoxelSize,
	}, nil
}

// Save implements Codec.
func (NIfTI) Save(path, dataset string, arr *models.VolumeArray) error {
	img := &nifti.Image{
		Width:     arr.Width,
		Height:    arr.Height,
		Depth:     arr.Depth,
		Frames:    arr.Frames,
		VoxelSize: arr.VoxelSize,
		Data:      arr.Data,
		Name:      dataset,
	}
	if err := nifti.WriteFile(path, img, true); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
