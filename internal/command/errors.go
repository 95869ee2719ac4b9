package command

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a command exceeds its hard timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrNoOutputTimeout is returned when a command is silent for longer than
	// its no-output timeout.
	ErrNoOutputTimeout = errors.New("command timed out after producing no output")
	// ErrSandboxOOM is returned when the sandbox container was killed for
	// exceeding its memory limit.
	ErrSandboxOOM = errors.New("sandbox ran out of memory")
)

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Code   int
	Output *Output
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

// SpawnError is returned when a command could not be started.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
