package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Installer installs and removes dist toolchains.
type Installer interface {
	Install(ctx context.Context, name string) error
	Uninstall(ctx context.Context, name string) error
}

// Install makes tc available under rustupHome. Installing a toolchain that is
// already present is a no-op.
func Install(ctx context.Context, inst Installer, rustupHome string, tc Toolchain) error {
	dir := ToolchainsDir(rustupHome)
	if isInstalled(dir, HostTriple(), tc) {
		return nil
	}
	switch t := tc.(type) {
	case Dist:
		if inst == nil {
			return &Error{Op: "install", Toolchain: t.Name, Err: errors.New("no installer configured")}
		}
		if err := inst.Install(ctx, t.Name); err != nil {
			return &Error{Op: "install", Toolchain: t.Name, Err: err}
		}
		return nil
	case Custom:
		return linkCustom(dir, t)
	default:
		return &Error{Op: "install", Toolchain: tc.String(), Err: fmt.Errorf("unsupported toolchain type %T", tc)}
	}
}

// Uninstall removes tc from rustupHome. Removing a toolchain that is not
// installed is a no-op.
func Uninstall(ctx context.Context, inst Installer, rustupHome string, tc Toolchain) error {
	dir := ToolchainsDir(rustupHome)
	if !isInstalled(dir, HostTriple(), tc) {
		return nil
	}
	switch t := tc.(type) {
	case Dist:
		if inst == nil {
			return &Error{Op: "uninstall", Toolchain: t.Name, Err: errors.New("no installer configured")}
		}
		if err := inst.Uninstall(ctx, t.Name); err != nil {
			return &Error{Op: "uninstall", Toolchain: t.Name, Err: err}
		}
		return nil
	case Custom:
		if err := os.Remove(filepath.Join(dir, t.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &Error{Op: "uninstall", Toolchain: t.Name, Err: err}
		}
		return nil
	default:
		return &Error{Op: "uninstall", Toolchain: tc.String(), Err: fmt.Errorf("unsupported toolchain type %T", tc)}
	}
}

func linkCustom(dir string, tc Custom) error {
	info, err := os.Stat(tc.Path)
	if err != nil {
		return &Error{Op: "link", Toolchain: tc.Name, Err: err}
	}
	if !info.IsDir() {
		return &Error{Op: "link", Toolchain: tc.Name, Err: fmt.Errorf("%s is not a directory", tc.Path)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: "link", Toolchain: tc.Name, Err: err}
	}
	if err := os.Symlink(tc.Path, filepath.Join(dir, tc.Name)); err != nil {
		return &Error{Op: "link", Toolchain: tc.Name, Err: err}
	}
	return nil
}

// Extender adds rustup components and targets to an installed toolchain.
// RustupInstaller implements it.
type Extender interface {
	AddComponent(ctx context.Context, tc Toolchain, component string) error
	AddTarget(ctx context.Context, tc Toolchain, target string) error
}

// AddComponent installs component into tc through inst.
func AddComponent(ctx context.Context, inst Installer, tc Toolchain, component string) error {
	ext, err := extender(inst, "component add", tc)
	if err != nil {
		return err
	}
	return ext.AddComponent(ctx, tc, component)
}

// AddTarget installs the standard library for target into tc through inst.
func AddTarget(ctx context.Context, inst Installer, tc Toolchain, target string) error {
	ext, err := extender(inst, "target add", tc)
	if err != nil {
		return err
	}
	return ext.AddTarget(ctx, tc, target)
}

func extender(inst Installer, op string, tc Toolchain) (Extender, error) {
	if _, ok := tc.(Dist); !ok {
		return nil, &Error{Op: op, Toolchain: tc.String(), Err: errors.New("only dist toolchains are managed by rustup")}
	}
	ext, ok := inst.(Extender)
	if !ok {
		return nil, &Error{Op: op, Toolchain: tc.String(), Err: errors.New("installer cannot add components or targets")}
	}
	return ext, nil
}
