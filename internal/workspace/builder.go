package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/filelock"
	"github.com/jkaninda/buildbox/internal/history"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/sandbox"
	"github.com/jkaninda/buildbox/internal/toolchain"
	"github.com/jkaninda/buildbox/internal/tools"
)

const (
	// DefaultCommandTimeout is the hard timeout commands inherit by default.
	DefaultCommandTimeout = 15 * time.Minute

	primedMarker = "registry-primed"
)

// Builder accumulates workspace settings. Init creates the workspace.
type Builder struct {
	path      string
	userAgent string

	image           *sandbox.Image
	runtime         sandbox.Runtime
	sandboxDefaults *sandbox.Spec
	timeout         time.Duration
	noOutputTimeout time.Duration
	fastInit        bool
	skipPriming     bool

	installer toolchain.Installer
	tools     []tools.Tool
	toolsSet  bool
	logger    *slog.Logger
	obs       *observability.Observability
	history   history.Recorder
}

// NewBuilder starts configuring a workspace at path. userAgent is sent with
// every network request the workspace makes.
func NewBuilder(path, userAgent string) *Builder {
	return &Builder{
		path:      path,
		userAgent: userAgent,
		timeout:   DefaultCommandTimeout,
	}
}

// SandboxImage overrides the platform default image.
func (b *Builder) SandboxImage(img *sandbox.Image) *Builder {
	b.image = img
	return b
}

// SandboxDefaults sets the limits returned by Workspace.NewSandbox.
func (b *Builder) SandboxDefaults(spec *sandbox.Spec) *Builder {
	b.sandboxDefaults = spec
	return b
}

// CommandTimeout sets the default hard timeout. Zero disables it.
func (b *Builder) CommandTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

// CommandNoOutputTimeout sets the default no-output timeout. Zero disables it.
func (b *Builder) CommandNoOutputTimeout(d time.Duration) *Builder {
	b.noOutputTimeout = d
	return b
}

// FastInit installs helper tools without optimizations.
func (b *Builder) FastInit(enabled bool) *Builder {
	b.fastInit = enabled
	return b
}

// SkipRegistryPriming disables the registry warm-up during Init.
func (b *Builder) SkipRegistryPriming(skip bool) *Builder {
	b.skipPriming = skip
	return b
}

// Runtime sets the container runtime. By default a Docker runtime is used.
func (b *Builder) Runtime(rt sandbox.Runtime) *Builder {
	b.runtime = rt
	return b
}

// Installer sets the toolchain installer. By default rustup is used.
func (b *Builder) Installer(inst toolchain.Installer) *Builder {
	b.installer = inst
	return b
}

// Tools replaces the helper tools installed during Init.
func (b *Builder) Tools(t ...tools.Tool) *Builder {
	b.tools = t
	b.toolsSet = true
	return b
}

func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) Observability(obs *observability.Observability) *Builder {
	b.obs = obs
	return b
}

// History records every command run through the workspace.
func (b *Builder) History(rec history.Recorder) *Builder {
	b.history = rec
	return b
}

// Init creates the workspace tree and performs one-time setup under the
// workspace lock: image resolution, helper tool installation and registry
// priming. Concurrent Init calls on the same root serialize.
func (b *Builder) Init(ctx context.Context) (_ *Workspace, err error) {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, span := b.obs.TracerOrNil().StartSpan(ctx, "workspace.init", attribute.String("workspace.path", b.path))
	defer func() {
		observability.EndSpan(span, err)
		b.obs.MetricsOrNil().RecordWorkspaceInit(err)
	}()

	root, err := resolvePath(b.path)
	if err != nil {
		return nil, &InitError{Op: "resolve path", Path: b.path, Err: err}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &InitError{Op: "create root", Path: root, Err: err}
	}

	ws := &Workspace{
		root:            root,
		userAgent:       b.userAgent,
		sandboxDefaults: b.sandboxDefaults,
		timeout:         b.timeout,
		noOutputTimeout: b.noOutputTimeout,
		logger:          logger.With(slog.String("workspace", root)),
		obs:             b.obs,
		history:         b.history,
	}

	err = filelock.WithLock(logger, filepath.Join(root, "lock"), "initialize the workspace", func() error {
		return b.setup(ctx, ws)
	})
	if err != nil {
		return nil, err
	}
	ws.logger.Info("workspace ready")
	return ws, nil
}

// setup runs with the workspace lock held.
func (b *Builder) setup(ctx context.Context, ws *Workspace) error {
	logger := ws.logger

	if err := b.setupSandbox(ctx, ws); err != nil {
		return err
	}
	ws.httpClient = newHTTPClient(ws.userAgent, ws.obs)

	for _, dir := range []string{ws.CargoHome(), ws.RustupHome(), ws.CacheDir(), ws.BuildsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &InitError{Op: "create directory", Path: dir, Err: err}
		}
	}

	ws.installer = b.installer
	if ws.installer == nil {
		ws.installer = toolchain.NewRustupInstaller(ws)
	}

	helpers := b.tools
	if !b.toolsSet {
		helpers = tools.Default()
	}
	if err := tools.InstallAll(ctx, ws, b.fastInit, helpers...); err != nil {
		return &InitError{Op: "install helper tools", Path: ws.root, Err: err}
	}

	if !b.skipPriming {
		primeRegistry(ctx, ws)
	} else {
		logger.Debug("registry priming skipped")
	}
	return nil
}

// setupSandbox connects to the container runtime and resolves the image.
// An unreachable runtime is not fatal: host commands keep working and
// sandboxed commands fail with sandbox.ErrUnavailable.
func (b *Builder) setupSandbox(ctx context.Context, ws *Workspace) error {
	logger := ws.logger
	ws.image = b.image
	if ws.image == nil {
		ws.image = sandbox.DefaultImage()
	}

	rt := b.runtime
	if rt == nil {
		docker, err := sandbox.NewDockerRuntime(logger)
		if err != nil {
			logger.Warn("container runtime unavailable, sandboxed commands are disabled", slog.Any("error", err))
			return nil
		}
		rt = docker
		ws.closer = docker
	}
	ws.runtime = observability.NewInstrumentedRuntime(rt, ws.obs)

	observe := func(kind sandbox.Kind, err error) {
		ws.obs.MetricsOrNil().RecordImageResolution(kind.String(), err)
	}
	if err := ws.image.Resolve(ctx, ws.runtime, logger, observe); err != nil {
		if errors.Is(err, sandbox.ErrUnavailable) {
			logger.Warn("container runtime unavailable, sandboxed commands will retry image resolution",
				slog.String("image", ws.image.String()), slog.Any("error", err))
			return nil
		}
		return &InitError{Op: "resolve sandbox image", Path: ws.image.String(), Err: err}
	}
	return nil
}

// primeRegistry fetches the package index once so later builds do not each
// pay for it. Failures are logged and otherwise ignored.
func primeRegistry(ctx context.Context, ws *Workspace) {
	marker := filepath.Join(ws.CacheDir(), primedMarker)
	if _, err := os.Stat(marker); err == nil {
		return
	}
	ws.logger.Info("priming the registry cache")
	// lazy_static is a library crate: the install fails, but only after the
	// index has been updated.
	_, err := command.New(ws, toolchain.Main.Cargo()).
		Args("install", "lazy_static").
		NoOutputTimeout(0).
		LogOutput(false).
		Run(ctx)
	if err != nil {
		ws.logger.Warn("registry priming failed", slog.Any("error", err))
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		ws.logger.Warn("failed to write registry priming marker", slog.Any("error", err))
	}
}
