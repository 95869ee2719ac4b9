package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/sandbox"
)

// BuildDirectory is a reusable directory for one build under <root>/builds.
// Handles are cheap; the directory is created on first use. Two handles with
// the same name share the directory and must not be used concurrently.
type BuildDirectory struct {
	ws   *Workspace
	name string
	path string
}

// ErrInvalidBuildDirName is returned for names that are not a single plain
// path element.
var ErrInvalidBuildDirName = errors.New("invalid build directory name")

// BuildDir returns the build directory called name. It does no I/O.
// Distinct names always map to distinct directories.
func (w *Workspace) BuildDir(name string) (*BuildDirectory, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(w.BuildsDir(), name)
	if rel, err := filepath.Rel(w.BuildsDir(), path); err != nil || rel != name {
		return nil, fmt.Errorf("%w %q", ErrInvalidBuildDirName, name)
	}
	return &BuildDirectory{ws: w, name: name, path: path}, nil
}

func (d *BuildDirectory) Name() string { return d.name }
func (d *BuildDirectory) Path() string { return d.path }

// SourceDir is where the build's working tree lives.
func (d *BuildDirectory) SourceDir() string { return filepath.Join(d.path, "source") }

// TargetDir holds build artifacts.
func (d *BuildDirectory) TargetDir() string { return filepath.Join(d.path, "target") }

// Ensure creates the directory tree if needed.
func (d *BuildDirectory) Ensure() error {
	for _, dir := range []string{d.SourceDir(), d.TargetDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating build directory %s: %w", dir, err)
		}
	}
	return nil
}

// Command returns a command running bin in this build directory. With a nil
// spec it runs on the host in SourceDir; otherwise the source and target
// directories are mounted read-write into a sandbox built from spec.
func (d *BuildDirectory) Command(bin command.Runnable, spec *sandbox.Spec) (*command.Command, error) {
	if err := d.Ensure(); err != nil {
		return nil, err
	}
	cmd := command.New(d.ws, bin)
	if spec == nil {
		return cmd.Cd(d.SourceDir()).Env("CARGO_TARGET_DIR", d.TargetDir()), nil
	}
	spec = spec.Clone().
		Mount(d.SourceDir(), command.ContainerWorkdir, sandbox.ReadWrite).
		Mount(d.TargetDir(), command.ContainerTargetDir, sandbox.ReadWrite)
	return cmd.Sandbox(spec).
		Cd(command.ContainerWorkdir).
		Env("CARGO_TARGET_DIR", command.ContainerTargetDir), nil
}

// Purge deletes the directory and everything in it.
func (d *BuildDirectory) Purge() error {
	err := os.RemoveAll(d.path)
	d.ws.obs.MetricsOrNil().RecordPurge("one", err)
	if err != nil {
		return fmt.Errorf("purging build directory %s: %w", d.name, err)
	}
	return nil
}

// validateName rejects names that could escape the builds root or alias
// another name.
func validateName(name string) error {
	switch {
	case name == "", name == ".":
		return fmt.Errorf("%w %q: not a directory name", ErrInvalidBuildDirName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w %q: contains a path separator", ErrInvalidBuildDirName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w %q: contains \"..\"", ErrInvalidBuildDirName, name)
	}
	return nil
}
