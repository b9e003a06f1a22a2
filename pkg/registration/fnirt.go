package registration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stderrTailLines is how much of the tool's stderr an ExternalToolFailure keeps
const stderrTailLines = 8

// FNIRT invokes FSL's non-linear registration tool.
type FNIRT struct {
	// Path is the fnirt executable
	Path string

	// OutputExtension replaces the ".nii" of the requested output to give
	// the file FNIRT actually writes. FSL tools pick it from FSLOUTPUTTYPE,
	// so with NIFTI_GZ this is ".nii.gz". Empty means the output path is
	// used unchanged.
	OutputExtension string

	// ExtraArgs are appended after --ref, --in and --iout
	ExtraArgs []string

	// Env is added to the inherited environment
	Env []string
}

// Command returns the argv for req.
func (f *FNIRT) Command(req Request) []string {
	argv := []string{
		f.Path,
		"--ref=" + req.Reference,
		"--in=" + req.Input,
		"--iout=" + req.Output,
	}
	return append(argv, f.ExtraArgs...)
}

// ExpectedOutput is the file FNIRT writes for the --iout value target.
func (f *FNIRT) ExpectedOutput(target string) string {
	if f.OutputExtension == "" {
		return target
	}
	base := target
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	return base + f.OutputExtension
}

// Register implements Client. The process is killed when ctx ends.
func (f *FNIRT) Register(ctx context.Context, req Request) (Result, error) {
	argv := f.Command(req)
	start := time.Now()

	fail := func(reason Reason, exitCode int, stderr string, err error) (Result, error) {
		return Result{}, &ExternalToolFailure{
			Anchor:   req.Anchor,
			Volume:   req.Volume,
			Elapsed:  time.Since(start),
			Reason:   reason,
			ExitCode: exitCode,
			Command:  argv,
			Stderr:   stderr,
			Err:      err,
		}
	}

	// #nosec G204 -- the executable comes from the operator's configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(f.Env) > 0 {
		cmd.Env = append(os.Environ(), f.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Do not wait forever on children that keep stderr open after a kill
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	tail := lastLines(stderr.String(), stderrTailLines)

	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
		return fail(ReasonToolNotFound, -1, "", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fail(ReasonTimeout, -1, tail, ctx.Err())
	case ctx.Err() != nil:
		return fail(ReasonCanceled, -1, tail, ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fail(ReasonNonZeroExit, exitErr.ExitCode(), tail, err)
		}
		return fail(ReasonOther, -1, tail, err)
	}

	out := f.ExpectedOutput(req.Output)
	info, err := os.Stat(out)
	if err != nil {
		return fail(ReasonNoOutput, 0, tail, err)
	}
	if info.Size() == 0 {
		return fail(ReasonNoOutput, 0, tail, fmt.Errorf("%s is empty", out))
	}

	return Result{OutputPath: out, Elapsed: time.Since(start)}, nil
}

// DryRun prints the FNIRT command line of every request instead of running
// it, and reports the requested output as written.
type DryRun struct {
	FNIRT *FNIRT
	Out   io.Writer

	mu sync.Mutex
}

// Register implements Client.
func (d *DryRun) Register(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	line := strings.Join(d.FNIRT.Command(req), " ")

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := fmt.Fprintln(d.Out, line); err != nil {
		return Result{}, err
	}
	return Result{OutputPath: req.Output}, nil
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
