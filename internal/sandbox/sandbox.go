// Package sandbox describes container images and the container runtime used
// to run build commands in isolation.
//
// Nothing here runs commands itself: the command engine drives a Runtime
// through create, attach, start, wait and remove, and owns the timeouts.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrUnavailable is returned when the container runtime cannot be reached.
var ErrUnavailable = errors.New("container runtime unavailable")

// Error reports a failed sandbox operation, such as pulling or building an
// image or creating a container.
type Error struct {
	Op    string // "pull", "inspect", "build", "create", ...
	Image string
	Err   error
}

func (e *Error) Error() string {
	if e.Image == "" {
		return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sandbox %s %s: %v", e.Op, e.Image, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Runtime is the container runtime driving sandboxed commands.
type Runtime interface {
	// Ping checks that the runtime is reachable.
	Ping(ctx context.Context) error

	// ImageExists reports whether ref is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)
	// PullImage fetches ref from its registry.
	PullImage(ctx context.Context, ref string) error
	// BuildImage builds the directory contextDir and tags the result.
	BuildImage(ctx context.Context, contextDir, tag string) error

	// CreateContainer creates a stopped container and returns its ID.
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	// AttachContainer returns the container's output streams. Call it
	// before StartContainer so no output is lost.
	AttachContainer(ctx context.Context, id string) (*Streams, error)
	// WaitContainer registers interest in the container's next exit.
	// Call it before StartContainer. The channel yields exactly one result.
	WaitContainer(ctx context.Context, id string) <-chan WaitResult
	StartContainer(ctx context.Context, id string) error
	// KillContainer sends SIGKILL. Killing a stopped container is not an error.
	KillContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (State, error)
	// RemoveContainer force-removes the container. Removing a missing
	// container is not an error.
	RemoveContainer(ctx context.Context, id string) error
}

// ContainerConfig is everything needed to create one sandbox container.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string // KEY=VALUE
	WorkingDir string
	User       string // uid:gid; empty keeps the image default

	Mounts      []Mount
	MemoryBytes int64 // 0 = unlimited
	NanoCPUs    int64 // 0 = unlimited
	PIDsLimit   int64 // 0 = unlimited
	Networking  bool  // false = no network stack
}

// Streams are the demultiplexed output streams of an attached container.
type Streams struct {
	Stdout io.Reader
	Stderr io.Reader
	Closer io.Closer
}

// Close releases the attach connection. Pending reads return an error.
func (s *Streams) Close() error {
	if s == nil || s.Closer == nil {
		return nil
	}
	return s.Closer.Close()
}

// WaitResult is the outcome of waiting for a container to exit.
type WaitResult struct {
	ExitCode int64
	Err      error
}

// State is the subset of container state the command engine inspects.
type State struct {
	Running   bool
	OOMKilled bool
	ExitCode  int
}
