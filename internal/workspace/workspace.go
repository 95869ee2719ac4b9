// Package workspace owns the on-disk state shared by every build: the
// cargo and rustup homes, caches and per-build directories under one root.
//
// A Workspace is created once with a Builder and is immutable afterwards;
// only the filesystem beneath it changes. Initialization is serialized across
// processes with a file lock on <root>/lock.
package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/buildbox/internal/history"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/sandbox"
	"github.com/jkaninda/buildbox/internal/toolchain"
)

// Workspace is an initialized workspace. Create it with NewBuilder(...).Init.
type Workspace struct {
	root      string
	userAgent string

	image           *sandbox.Image
	runtime         sandbox.Runtime
	sandboxDefaults *sandbox.Spec
	timeout         time.Duration
	noOutputTimeout time.Duration

	httpClient *http.Client
	installer  toolchain.Installer
	logger     *slog.Logger
	obs        *observability.Observability
	history    history.Recorder
	closer     io.Closer
}

// InitError reports a failed workspace initialization step.
type InitError struct {
	Op   string
	Path string
	Err  error
}

func (e *InitError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workspace init: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("workspace init: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// CargoHome returns <root>/cargo-home.
func (w *Workspace) CargoHome() string { return filepath.Join(w.root, "cargo-home") }

// RustupHome returns <root>/rustup-home, the toolchain root.
func (w *Workspace) RustupHome() string { return filepath.Join(w.root, "rustup-home") }

// CacheDir returns <root>/cache.
func (w *Workspace) CacheDir() string { return filepath.Join(w.root, "cache") }

// BuildsDir returns <root>/builds.
func (w *Workspace) BuildsDir() string { return filepath.Join(w.root, "builds") }

func (w *Workspace) UserAgent() string                           { return w.userAgent }
func (w *Workspace) HTTPClient() *http.Client                    { return w.httpClient }
func (w *Workspace) SandboxImage() *sandbox.Image                { return w.image }
func (w *Workspace) Runtime() sandbox.Runtime                    { return w.runtime }
func (w *Workspace) CommandTimeout() time.Duration               { return w.timeout }
func (w *Workspace) CommandNoOutputTimeout() time.Duration       { return w.noOutputTimeout }
func (w *Workspace) Logger() *slog.Logger                        { return w.logger }
func (w *Workspace) Observability() *observability.Observability { return w.obs }

// History returns the command history recorder, or nil.
func (w *Workspace) History() history.Recorder { return w.history }

// NewSandbox returns a copy of the workspace's default sandbox limits.
func (w *Workspace) NewSandbox() *sandbox.Spec {
	if w.sandboxDefaults == nil {
		return sandbox.NewSpec()
	}
	return w.sandboxDefaults.Clone()
}

// InstalledToolchains lists the toolchains present in the rustup home.
func (w *Workspace) InstalledToolchains() ([]toolchain.Toolchain, error) {
	return toolchain.ListInstalled(w.logger, w.RustupHome())
}

// InstallToolchain installs tc. Installing a present toolchain is a no-op.
func (w *Workspace) InstallToolchain(ctx context.Context, tc toolchain.Toolchain) error {
	return w.toolchainOp(ctx, "install", tc, toolchain.Install)
}

// UninstallToolchain removes tc. Removing an absent toolchain is a no-op.
func (w *Workspace) UninstallToolchain(ctx context.Context, tc toolchain.Toolchain) error {
	return w.toolchainOp(ctx, "uninstall", tc, toolchain.Uninstall)
}

// AddComponent installs a rustup component such as clippy into tc.
func (w *Workspace) AddComponent(ctx context.Context, tc toolchain.Toolchain, component string) error {
	return w.toolchainOp(ctx, "component_add", tc, func(ctx context.Context, inst toolchain.Installer, _ string, tc toolchain.Toolchain) error {
		return toolchain.AddComponent(ctx, inst, tc, component)
	})
}

// AddTarget installs the standard library for a cross-compilation target
// into tc.
func (w *Workspace) AddTarget(ctx context.Context, tc toolchain.Toolchain, target string) error {
	return w.toolchainOp(ctx, "target_add", tc, func(ctx context.Context, inst toolchain.Installer, _ string, tc toolchain.Toolchain) error {
		return toolchain.AddTarget(ctx, inst, tc, target)
	})
}

type toolchainFunc func(ctx context.Context, inst toolchain.Installer, rustupHome string, tc toolchain.Toolchain) error

func (w *Workspace) toolchainOp(ctx context.Context, op string, tc toolchain.Toolchain, fn toolchainFunc) error {
	ctx, span := w.obs.TracerOrNil().StartSpan(ctx, "toolchain."+op, attribute.String("toolchain", tc.String()))
	err := fn(ctx, w.installer, w.RustupHome(), tc)
	observability.EndSpan(span, err)
	w.obs.MetricsOrNil().RecordToolchainOp(op, err)
	if err != nil {
		w.logger.Error("toolchain operation failed", slog.String("op", op), slog.String("toolchain", tc.String()), slog.Any("error", err))
		return err
	}
	w.logger.Info("toolchain ready", slog.String("op", op), slog.String("toolchain", tc.String()))
	return nil
}

// PurgeAllBuildDirs removes every build directory. Toolchains and caches
// are left alone.
func (w *Workspace) PurgeAllBuildDirs() error {
	err := os.RemoveAll(w.BuildsDir())
	w.obs.MetricsOrNil().RecordPurge("all", err)
	if err != nil {
		return fmt.Errorf("purging build directories: %w", err)
	}
	w.logger.Info("purged all build directories", slog.String("path", w.BuildsDir()))
	return nil
}

// RegisterHealthChecks adds readiness checks for the workspace root and the
// container runtime.
func (w *Workspace) RegisterHealthChecks(h *observability.HealthChecker) {
	if h == nil {
		return
	}
	h.AddCheck("workspace", func(context.Context) error {
		_, err := os.Stat(w.root)
		return err
	})
	h.AddCheck("sandbox_runtime", func(ctx context.Context) error {
		if w.runtime == nil {
			return sandbox.ErrUnavailable
		}
		return w.runtime.Ping(ctx)
	})
}

// Close releases the container runtime connection if the workspace opened it.
func (w *Workspace) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
