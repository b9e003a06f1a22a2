package registration

import (
	"fmt"
	"strings"
	"time"
)

// Reason classifies why a registration produced no usable output.
type Reason string

const (
	ReasonToolNotFound Reason = "tool not found"
	ReasonNonZeroExit  Reason = "non-zero exit"
	ReasonTimeout      Reason = "timed out"
	ReasonNoOutput     Reason = "no output file"
	ReasonCanceled     Reason = "canceled"
	ReasonOther        Reason = "failed"
)

// ExternalToolFailure reports a registration task whose external call did
// not produce a usable output. It carries what is needed to rerun the call
// by hand.
type ExternalToolFailure struct {
	Anchor   int // 0-based
	Volume   int // 0-based
	Elapsed  time.Duration
	Reason   Reason
	ExitCode int // -1 when the process did not exit normally
	Command  []string
	Stderr   string
	Err      error
}

func (e *ExternalToolFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registration of frame %d against anchor frame %d %s after %s",
		e.Volume+1, e.Anchor+1, e.Reason, e.Elapsed.Round(time.Millisecond))
	if e.Reason == ReasonNonZeroExit {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, "; command: %s", strings.Join(e.Command, " "))
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "; stderr: %s", e.Stderr)
	}
	return b.String()
}

func (e *ExternalToolFailure) Unwrap() error { return e.Err }
