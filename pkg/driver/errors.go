package driver

import (
	"errors"
	"fmt"
	"time"

	"hackohio/execstream/pkg/command"
)

var (
	// Re-exported so callers only need this package to classify failures.
	ErrDirectoryNotFound = command.ErrDirectoryNotFound
	ErrEmptyCommand      = command.ErrEmptyCommand

	ErrSpawn              = errors.New("spawn failed")
	ErrTimeout            = errors.New("execution timed out")
	ErrBinaryNotAllowed   = errors.New("binary not allowed")
	ErrDuplicateExecution = errors.New("execution id already running")
	ErrDriverClosed       = errors.New("driver is shut down")
	ErrStreamClosed       = errors.New("stream closed")
)

// SpawnError reports that the child could not be started; no output exists.
type SpawnError struct {
	Argv0 string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Argv0, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// TimeoutError reports that the execution outlived its budget and was
// terminated. Output delivered before it fired stays valid.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
