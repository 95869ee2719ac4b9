// Package command runs programs on the host or inside a sandbox container
// under two independent timeouts: a hard limit on total run time and a
// limit on time without any output.
package command

import (
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jkaninda/buildbox/internal/history"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/sandbox"
)

// Paths inside sandbox containers.
const (
	ContainerCargoHome  = "/opt/buildbox/cargo-home"
	ContainerRustupHome = "/opt/buildbox/rustup-home"
	ContainerWorkdir    = "/opt/buildbox/workdir"
	ContainerTargetDir  = "/opt/buildbox/target"
)

// Workspace supplies the shared defaults a command inherits.
type Workspace interface {
	CargoHome() string
	RustupHome() string
	CommandTimeout() time.Duration
	CommandNoOutputTimeout() time.Duration
	SandboxImage() *sandbox.Image
	Runtime() sandbox.Runtime
	Logger() *slog.Logger
	Observability() *observability.Observability
	History() history.Recorder
}

// Runnable is something a Command can execute.
type Runnable interface {
	// Name is the program name, or a path for global binaries.
	Name() string
	// Managed reports whether the binary lives in the workspace cargo home.
	Managed() bool
	// Prepare adjusts a freshly created command, e.g. to add leading arguments.
	Prepare(c *Command) *Command
}

// Binary is a plain Runnable.
type Binary struct {
	name    string
	managed bool
}

// Global returns a binary looked up on the PATH (or the image's PATH in a sandbox).
func Global(name string) Binary {
	return Binary{name: name}
}

// Managed returns a binary installed in the workspace cargo home.
func Managed(name string) Binary {
	return Binary{name: name, managed: true}
}

func (b Binary) Name() string                { return b.name }
func (b Binary) Managed() bool               { return b.managed }
func (b Binary) Prepare(c *Command) *Command { return c }

// Stream identifies an output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of process output.
type Line struct {
	Stream Stream
	Text   string
}

// Output is the captured output of a command, split into lines.
type Output struct {
	Stdout []string
	Stderr []string
	// Truncated is set when output beyond the capture limit was dropped.
	Truncated bool
}

// Command is a single program invocation. Build it with New and the chained
// setters, then call Run. A Command must not be run more than once.
type Command struct {
	ws   Workspace
	bin  Runnable
	args []string
	env  []string
	dir  string

	sandbox *sandbox.Spec

	// nil = inherit the workspace default, 0 = disabled
	timeout         *time.Duration
	noOutputTimeout *time.Duration

	processLines func(Line)
	logOutput    bool
	logCommand   bool
}

// New creates a command running bin with ws's defaults.
func New(ws Workspace, bin Runnable) *Command {
	c := &Command{
		ws:         ws,
		bin:        bin,
		logOutput:  true,
		logCommand: true,
	}
	return bin.Prepare(c)
}

// Args appends arguments.
func (c *Command) Args(args ...string) *Command {
	c.args = append(c.args, args...)
	return c
}

// Env sets an environment variable, replacing an earlier value for key.
func (c *Command) Env(key, value string) *Command {
	c.env = setEnv(c.env, key, value)
	return c
}

// Cd sets the working directory. In a sandbox it is a container path.
func (c *Command) Cd(dir string) *Command {
	c.dir = dir
	return c
}

// Sandbox runs the command in a container described by spec. nil runs on the host.
func (c *Command) Sandbox(spec *sandbox.Spec) *Command {
	c.sandbox = spec
	return c
}

// Timeout sets the hard timeout. Zero disables it.
func (c *Command) Timeout(d time.Duration) *Command {
	c.timeout = &d
	return c
}

// NoOutputTimeout sets the maximum time between two output lines. Zero disables it.
func (c *Command) NoOutputTimeout(d time.Duration) *Command {
	c.noOutputTimeout = &d
	return c
}

// ProcessLines registers fn to observe each output line as it arrives.
// fn runs on the supervising goroutine and must not block for long.
func (c *Command) ProcessLines(fn func(Line)) *Command {
	c.processLines = fn
	return c
}

// LogOutput toggles logging every output line. Default: on.
func (c *Command) LogOutput(enabled bool) *Command {
	c.logOutput = enabled
	return c
}

// LogCommand toggles logging the command line before it runs. Default: on.
func (c *Command) LogCommand(enabled bool) *Command {
	c.logCommand = enabled
	return c
}

// Sandboxed reports whether the command runs in a container.
func (c *Command) Sandboxed() bool { return c.sandbox != nil }

// effectiveTimeouts resolves inherited timeouts against the workspace.
func (c *Command) effectiveTimeouts() (hard, noOutput time.Duration) {
	hard = c.ws.CommandTimeout()
	if c.timeout != nil {
		hard = *c.timeout
	}
	noOutput = c.ws.CommandNoOutputTimeout()
	if c.noOutputTimeout != nil {
		noOutput = *c.noOutputTimeout
	}
	return hard, noOutput
}

func (c *Command) mode() string {
	if c.sandbox != nil {
		return "sandbox"
	}
	return "host"
}

func (c *Command) logger() *slog.Logger {
	if l := c.ws.Logger(); l != nil {
		return l
	}
	return slog.Default()
}

// hostProgram is the path or name executed on the host.
func (c *Command) hostProgram() string {
	if !c.bin.Managed() {
		return c.bin.Name()
	}
	return filepath.Join(c.ws.CargoHome(), "bin", c.bin.Name()+exeSuffix())
}

// containerProgram is the path or name executed in the sandbox.
func (c *Command) containerProgram() string {
	if !c.bin.Managed() {
		return c.bin.Name()
	}
	return ContainerCargoHome + "/bin/" + c.bin.Name()
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// String renders the command line for logs.
func (c *Command) String() string {
	return strings.Join(append([]string{c.bin.Name()}, c.args...), " ")
}
