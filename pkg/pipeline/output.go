package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"anchorreg/pkg/container"
	"anchorreg/pkg/objstore"
)

// OutputPathError reports an output destination that cannot be used.
type OutputPathError struct {
	Path   string
	Reason string
	Err    error
}

func (e *OutputPathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid output %q: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid output %q: %s", e.Path, e.Reason)
}

func (e *OutputPathError) Unwrap() error { return e.Err }

// ObjectStore is what the pipeline needs from object storage.
type ObjectStore interface {
	Exists(ctx context.Context, loc objstore.Location) (bool, error)
	Upload(ctx context.Context, loc objstore.Location, localPath string) error
}

// destination is a validated output location.
type destination struct {
	// Path is the local file to write. For remote outputs it is only the
	// base name; the file is staged in the run directory.
	Path   string
	Remote *objstore.Location
}

func (d destination) String() string {
	if d.Remote != nil {
		return d.Remote.String()
	}
	return d.Path
}

// DefaultOutputName is "<input stem>_reg<input extension>".
func DefaultOutputName(input string) string {
	base := filepath.Base(input)
	ext := container.Extension(base)
	stem, suffix := base[:len(base)-len(ext)], base[len(base)-len(ext):]
	return stem + "_reg" + suffix
}

// resolveOutput validates output before any work is done. An empty output
// means the input's directory; an existing directory receives
// DefaultOutputName(input). Existing files are never overwritten.
func resolveOutput(ctx context.Context, output, input string, objects func() (ObjectStore, error)) (destination, error) {
	if objstore.IsURL(output) {
		return resolveRemote(ctx, output, objects)
	}

	if output == "" {
		output = filepath.Dir(input)
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		output = filepath.Join(output, DefaultOutputName(input))
	}

	if _, err := container.ForPath(output); err != nil {
		return destination{}, &OutputPathError{Path: output, Reason: "unsupported file type", Err: err}
	}

	parent := filepath.Dir(output)
	info, err := os.Stat(parent)
	if err != nil {
		return destination{}, &OutputPathError{Path: output, Reason: "parent directory is not accessible", Err: err}
	}
	if !info.IsDir() {
		return destination{}, &OutputPathError{Path: output, Reason: parent + " is not a directory"}
	}

	if _, err := os.Stat(output); err == nil {
		return destination{}, &OutputPathError{Path: output, Reason: "file already exists"}
	} else if !errors.Is(err, os.ErrNotExist) {
		return destination{}, &OutputPathError{Path: output, Reason: "cannot check output", Err: err}
	}

	return destination{Path: output}, nil
}

func resolveRemote(ctx context.Context, output string, objects func() (ObjectStore, error)) (destination, error) {
	loc, err := objstore.ParseURL(output)
	if err != nil {
		return destination{}, &OutputPathError{Path: output, Reason: "malformed object URL", Err: err}
	}
	if _, err := container.ForPath(loc.Key); err != nil {
		return destination{}, &OutputPathError{Path: output, Reason: "unsupported file type", Err: err}
	}

	store, err := objects()
	if err != nil {
		return destination{}, &OutputPathError{Path: output, Reason: "object storage unavailable", Err: err}
	}
	exists, err := store.Exists(ctx, loc)
	if err != nil {
		return destination{}, &OutputPathError{Path: output, Reason: "cannot check output", Err: err}
	}
	if exists {
		return destination{}, &OutputPathError{Path: output, Reason: "object already exists"}
	}

	return destination{Path: filepath.Base(loc.Key), Remote: &loc}, nil
}
