// Package container loads and saves named 4D arrays.
//
// Codecs are registered by file extension. The NIfTI codec is built in;
// the HDF5 codec used for MATLAB v7.3 .mat files lives in the matfile
// subpackage and registers itself when imported:
//
//	import _ "anchorreg/pkg/container/matfile"
package container

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"anchorreg/internal/models"
)

// ErrUnsupportedFormat is returned for paths no codec is registered for
var ErrUnsupportedFormat = errors.New("unsupported container format")

// Codec reads and writes a 4D array stored under a dataset name.
type Codec interface {
	// Load reads the named dataset. A missing dataset yields *DatasetNotFoundError.
	Load(path, dataset string) (*models.VolumeArray, error)

	// Save writes arr under the dataset name. Existing files are never overwritten.
	Save(path, dataset string, arr *models.VolumeArray) error
}

// DatasetNotFoundError is returned when the input container does not hold
// the requested dataset.
type DatasetNotFoundError struct {
	Path      string
	Dataset   string
	Available []string
}

func (e *DatasetNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("dataset %q not found in %s", e.Dataset, e.Path)
	}
	return fmt.Sprintf("dataset %q not found in %s (available: %s)",
		e.Dataset, e.Path, strings.Join(e.Available, ", "))
}

var (
	mu     sync.RWMutex
	codecs = make(map[string]Codec)
)

// Register makes a codec available for an extension such as ".mat".
// Registering the same extension twice replaces the earlier codec.
func Register(ext string, codec Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[strings.ToLower(ext)] = codec
}

// Extension returns the container extension of path, treating ".nii.gz"
// as a single extension.
func Extension(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".nii.gz") {
		return ".nii.gz"
	}
	return filepath.Ext(lower)
}

// ForPath returns the codec registered for the extension of path.
func ForPath(path string) (Codec, error) {
	ext := Extension(path)
	mu.RLock()
	codec, ok := codecs[ext]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnsupportedFormat, ext, strings.Join(Supported(), ", "))
	}
	return codec, nil
}

// Supported lists the registered extensions in sorted order.
func Supported() []string {
	mu.RLock()
	defer mu.RUnlock()
	exts := make([]string, 0, len(codecs))
	for ext := range codecs {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
