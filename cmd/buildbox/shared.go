package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/buildbox/internal/config"
	"github.com/jkaninda/buildbox/internal/history"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/sandbox"
	"github.com/jkaninda/buildbox/internal/toolchain"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// app holds the subsystems every subcommand needs. Built once by setup,
// torn down by Cleanup.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Observability
	history *history.Store // nil when history is disabled.
	ws      *workspace.Workspace

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (a *app) Cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func (a *app) addCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// loadConfig reads the config file. A missing file at the default location
// falls back to built-in defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("BUILDBOX_CONFIG", configPath)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		return config.Default()
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// setup loads config, opens observability and history, and initializes the
// workspace when withWorkspace is set. Callers must call a.Cleanup() when done.
func setup(ctx context.Context, withWorkspace bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging)
	a := &app{cfg: cfg, logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	a.obs = obs
	a.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	if cfg.History != nil && cfg.History.Enabled {
		store, err := history.Open(history.Config{
			Driver: cfg.History.HistoryDriver(),
			DSN:    cfg.HistoryDSN(),
		}, logger)
		if err != nil {
			a.Cleanup()
			return nil, fmt.Errorf("opening history: %w", err)
		}
		a.history = store
		a.addCleanup(func() { _ = store.Close() })
	}

	if !withWorkspace {
		return a, nil
	}

	ws, err := buildWorkspace(ctx, a)
	if err != nil {
		a.Cleanup()
		return nil, err
	}
	a.ws = ws
	a.addCleanup(func() { _ = ws.Close() })
	logger.Debug("workspace initialized", slog.String("root", ws.Root()))
	return a, nil
}

func buildWorkspace(ctx context.Context, a *app) (*workspace.Workspace, error) {
	cfg := a.cfg
	defaults, err := sandboxDefaults(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	b := workspace.NewBuilder(cfg.Workspace.Path, cfg.Workspace.UserAgent).
		SandboxImage(sandboxImage(cfg.Sandbox)).
		SandboxDefaults(defaults).
		CommandTimeout(cfg.Command.Timeout()).
		CommandNoOutputTimeout(cfg.Command.NoOutputTimeout()).
		FastInit(cfg.Workspace.FastInit).
		Logger(a.logger).
		Observability(a.obs)
	if a.history != nil {
		b = b.History(a.history)
	}

	ws, err := b.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	return ws, nil
}

func sandboxImage(cfg config.SandboxConfig) *sandbox.Image {
	switch cfg.Kind {
	case "local":
		if cfg.Image == "" {
			return sandbox.Local(sandbox.DefaultImage().Ref())
		}
		return sandbox.Local(cfg.Image)
	case "build":
		return sandbox.Build(cfg.BuildContext, cfg.Image)
	default:
		if cfg.Image == "" {
			return sandbox.DefaultImage()
		}
		return sandbox.Remote(cfg.Image)
	}
}

func sandboxDefaults(cfg config.SandboxConfig) (*sandbox.Spec, error) {
	memory, err := sandbox.ParseMemory(cfg.Memory)
	if err != nil {
		return nil, err
	}
	return sandbox.NewSpec().
		MemoryLimit(memory).
		CPULimit(cfg.CPUCores).
		PIDsLimit(cfg.PIDsLimit).
		EnableNetworking(cfg.NetworkAllowed), nil
}

// parseToolchain maps a CLI argument to a toolchain. A non-empty link path
// selects a custom toolchain.
func parseToolchain(name, link string) toolchain.Toolchain {
	if link != "" {
		return toolchain.Custom{Name: name, Path: link}
	}
	return toolchain.Dist{Name: name}
}
