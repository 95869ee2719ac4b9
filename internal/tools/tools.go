// Package tools installs the helper programs a workspace needs before it
// can run builds: rustup itself and a few cargo-installed binaries.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jkaninda/buildbox/internal/command"
)

// Workspace is what a tool needs to check and install itself.
type Workspace interface {
	command.Workspace
	HTTPClient() *http.Client
}

// Tool is a helper program installed during workspace initialization.
type Tool interface {
	Name() string
	IsInstalled(ws Workspace) bool
	// Install installs the tool. fast trades runtime speed for install
	// speed, e.g. by building without optimizations.
	Install(ctx context.Context, ws Workspace, fast bool) error
}

// Default returns the tools every workspace gets.
func Default() []Tool {
	return []Tool{
		&Rustup{},
		&CargoInstall{Crate: "git-credential-null"},
	}
}

// InstallAll installs every tool that is not installed yet, in order.
func InstallAll(ctx context.Context, ws Workspace, fast bool, tools ...Tool) error {
	logger := ws.Logger()
	if logger == nil {
		logger = slog.Default()
	}
	for _, tool := range tools {
		if tool.IsInstalled(ws) {
			logger.Debug("tool already installed", slog.String("tool", tool.Name()))
			continue
		}
		logger.Info("installing tool", slog.String("tool", tool.Name()), slog.Bool("fast", fast))
		if err := tool.Install(ctx, ws, fast); err != nil {
			return fmt.Errorf("installing %s: %w", tool.Name(), err)
		}
	}
	return nil
}

// binaryInstalled reports whether name exists in the workspace cargo bin dir.
func binaryInstalled(ws Workspace, name string) bool {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	info, err := os.Stat(filepath.Join(ws.CargoHome(), "bin", name))
	return err == nil && !info.IsDir()
}
