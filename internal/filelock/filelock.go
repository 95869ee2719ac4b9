// Package filelock serializes work across processes with an exclusive
// advisory lock on a file.
package filelock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Error is returned when the lock file cannot be created, opened or locked.
type Error struct {
	Path        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to acquire lock %s to %s: %v", e.Path, e.Description, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WithLock runs fn while holding an exclusive lock on path.
//
// The lock file and its parent directory are created when missing. If another
// process holds the lock, a message naming description is logged and the call
// blocks until the lock is free. The lock is released on every exit path,
// including a panic in fn. Errors returned by fn are passed through unchanged.
func WithLock(logger *slog.Logger, path, description string, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &Error{Path: path, Description: description, Err: err}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &Error{Path: path, Description: description, Err: err}
	}
	defer f.Close()

	acquired, err := tryLock(f)
	if err != nil {
		return &Error{Path: path, Description: description, Err: err}
	}
	if !acquired {
		logger.Info("waiting for file lock",
			slog.String("path", path),
			slog.String("purpose", description),
		)
		if err := lock(f); err != nil {
			return &Error{Path: path, Description: description, Err: err}
		}
	}
	defer func() {
		if err := unlock(f); err != nil {
			logger.Warn("failed to release file lock",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Debug("file lock acquired", slog.String("path", path), slog.String("purpose", description))
	return fn()
}
