// Command anchorreg registers every volume of a 4D image series against a
// set of anchor volumes with FSL's FNIRT and writes the registered series.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// HDF5 (.mat) containers
	_ "anchorreg/pkg/container/matfile"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := newRootCmd()
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	stop()
	os.Exit(exitCode(err))
}
