// Package registration drives the external registration tool over an
// anchor plan.
//
// A Client performs one registration: it aligns the input volume file to the
// reference volume file and writes the result. FNIRT wraps FSL's fnirt
// executable; DryRun only prints the command lines. Runner executes a whole
// plan against a Client with a bounded number of concurrent calls.
package registration

import (
	"context"
	"time"
)

// Request describes one registration call. Anchor and Volume are 0-based
// indices, the paths are NIfTI files.
type Request struct {
	Anchor    int
	Volume    int
	Reference string
	Input     string
	Output    string
}

// Result describes a successful registration.
type Result struct {
	// OutputPath is the file actually written, which may differ from
	// Request.Output when the tool adds its own extension.
	OutputPath string
	Elapsed    time.Duration
}

// Client registers one volume against a reference.
type Client interface {
	Register(ctx context.Context, req Request) (Result, error)
}

// Commander is implemented by clients that can report the command line a
// request runs. Failures carry it so the call can be reproduced by hand.
type Commander interface {
	Command(req Request) []string
}

// ClientFunc adapts an ordinary function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Result, error)

// Register calls f(ctx, req).
func (f ClientFunc) Register(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
