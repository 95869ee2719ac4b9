// Package history persists a record of every command the engine runs, so
// slow, failing or timed out builds can be inspected after the fact.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a command run.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusTimeout         Status = "timeout"
	StatusNoOutputTimeout Status = "no_output_timeout"
	StatusSpawnError      Status = "spawn_error"
	StatusOOM             Status = "oom"
)

// Entry is one recorded command run.
type Entry struct {
	ID        uuid.UUID
	Program   string
	Args      []string
	Mode      string // "host" or "sandbox"
	Dir       string
	Status    Status
	ExitCode  int
	Error     string
	Duration  time.Duration
	StartedAt time.Time
}

// Recorder stores command runs. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}
