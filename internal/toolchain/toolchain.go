// Package toolchain lists, installs and removes toolchains under a rustup
// home. The filesystem is the only source of truth: nothing is cached.
package toolchain

import (
	"fmt"

	"github.com/jkaninda/buildbox/internal/command"
)

// Toolchain is either a Dist or a Custom toolchain.
type Toolchain interface {
	// String is the name rustup knows the toolchain by.
	String() string
	// Cargo returns the cargo binary selected for this toolchain.
	Cargo() command.Runnable
	// Rustc returns the rustc binary selected for this toolchain.
	Rustc() command.Runnable
	// Proxy returns any rustup proxy binary (rustdoc, clippy-driver, ...)
	// selected for this toolchain.
	Proxy(binary string) command.Runnable

	isToolchain()
}

// Dist is a toolchain distributed through rustup, e.g. "stable",
// "nightly-2024-05-01" or "1.79.0".
type Dist struct {
	Name string
}

// Custom is a toolchain built elsewhere and linked into the rustup home.
type Custom struct {
	Name string
	// Path is the toolchain's sysroot directory.
	Path string
}

// Main is the toolchain helper tools are built with.
var Main = Dist{Name: "stable"}

func (d Dist) String() string                         { return d.Name }
func (d Dist) Cargo() command.Runnable                { return proxy{binary: "cargo", toolchain: d.Name} }
func (d Dist) Rustc() command.Runnable                { return proxy{binary: "rustc", toolchain: d.Name} }
func (d Dist) Proxy(binary string) command.Runnable   { return proxy{binary: binary, toolchain: d.Name} }
func (Dist) isToolchain()                             {}
func (c Custom) String() string                       { return c.Name }
func (c Custom) Cargo() command.Runnable              { return proxy{binary: "cargo", toolchain: c.Name} }
func (c Custom) Rustc() command.Runnable              { return proxy{binary: "rustc", toolchain: c.Name} }
func (c Custom) Proxy(binary string) command.Runnable { return proxy{binary: binary, toolchain: c.Name} }
func (Custom) isToolchain()                           {}

// Rustup returns the rustup binary of the workspace.
func Rustup() command.Runnable {
	return command.Managed("rustup")
}

// proxy is a managed rustup proxy invoked with a +toolchain selector.
type proxy struct {
	binary    string
	toolchain string
}

func (p proxy) Name() string  { return p.binary }
func (p proxy) Managed() bool { return true }

func (p proxy) Prepare(c *command.Command) *command.Command {
	return c.Args("+" + p.toolchain)
}

// Error reports a failed toolchain operation.
type Error struct {
	Op        string // "list", "install", "uninstall", ...
	Toolchain string
	Err       error
}

func (e *Error) Error() string {
	if e.Toolchain == "" {
		return fmt.Sprintf("toolchain %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("toolchain %s %s: %v", e.Op, e.Toolchain, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
