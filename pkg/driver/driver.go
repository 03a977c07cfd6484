package driver

import (
	"context"
	"time"

	"hackohio/execstream/pkg/command"
)

// ExecReq is a single command execution. It is not modified once the
// execution starts.
type ExecReq struct {
	// ExecutionID addresses the execution in the Registry; a random id is
	// assigned when empty.
	ExecutionID string

	// Command is a command line or a pre-split argv.
	Command command.Spec

	// Dir is the working directory; it must exist. Empty inherits the
	// driver's DefaultDir, then the daemon's own cwd.
	Dir string

	// Timeout bounds wall-clock run time; zero => driver default, which may
	// be none.
	Timeout time.Duration
}

// ExecResp is the drained result of Execute.
type ExecResp struct {
	ExecutionID string
	ExitCode    int
	Success     bool
	// Output is every line, exit marker included, joined with "\n".
	Output   string
	Duration time.Duration
}

// Driver runs commands and exposes their output.
type Driver interface {
	ExecuteStream(ctx context.Context, req ExecReq) (*Stream, error)
	Execute(ctx context.Context, req ExecReq) (ExecResp, error)
}
