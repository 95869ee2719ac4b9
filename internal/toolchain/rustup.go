package toolchain

import (
	"context"

	"github.com/jkaninda/buildbox/internal/command"
)

// RustupInstaller installs dist toolchains with the workspace's rustup.
type RustupInstaller struct {
	ws command.Workspace
}

// NewRustupInstaller returns an installer running rustup on the host of ws.
func NewRustupInstaller(ws command.Workspace) *RustupInstaller {
	return &RustupInstaller{ws: ws}
}

func (r *RustupInstaller) Install(ctx context.Context, name string) error {
	return r.run(ctx, "toolchain", "install", name, "--profile", "minimal")
}

func (r *RustupInstaller) Uninstall(ctx context.Context, name string) error {
	return r.run(ctx, "toolchain", "uninstall", name)
}

// AddComponent installs a component such as clippy or rust-src.
func (r *RustupInstaller) AddComponent(ctx context.Context, tc Toolchain, component string) error {
	if err := r.run(ctx, "component", "add", "--toolchain", tc.String(), component); err != nil {
		return &Error{Op: "add component " + component, Toolchain: tc.String(), Err: err}
	}
	return nil
}

// AddTarget installs the standard library for a cross-compilation target.
func (r *RustupInstaller) AddTarget(ctx context.Context, tc Toolchain, target string) error {
	if err := r.run(ctx, "target", "add", "--toolchain", tc.String(), target); err != nil {
		return &Error{Op: "add target " + target, Toolchain: tc.String(), Err: err}
	}
	return nil
}

func (r *RustupInstaller) run(ctx context.Context, args ...string) error {
	// Downloads can be silent for a while; only the hard timeout applies.
	_, err := command.New(r.ws, Rustup()).
		Args(args...).
		NoOutputTimeout(0).
		Run(ctx)
	return err
}
