package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/buildbox/internal/history"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/sandbox"
)

// containerPath is the PATH set inside sandbox containers.
const containerPath = ContainerCargoHome + "/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Run executes the command and waits for it to finish.
//
// ctx carries logging and tracing values only: the command is stopped by its
// timeouts, never by cancelling ctx. The captured output is returned
// alongside most errors, including timeouts and non-zero exits.
func (c *Command) Run(ctx context.Context) (*Output, error) {
	obs := c.ws.Observability()
	mode := c.mode()
	timeout, noOutput := c.effectiveTimeouts()

	ctx, span := obs.TracerOrNil().StartSpan(ctx, "command.run",
		attribute.String("command.program", c.bin.Name()),
		attribute.String("command.mode", mode),
	)
	finished := obs.MetricsOrNil().CommandStarted(mode)
	start := time.Now()

	if c.logCommand {
		c.logger().Info("running command",
			slog.String("program", c.bin.Name()),
			slog.Any("args", c.args),
			slog.String("mode", mode),
			slog.Duration("timeout", timeout),
			slog.Duration("no_output_timeout", noOutput),
		)
	}

	var (
		res supervision
		err error
	)
	if c.sandbox != nil {
		res, err = c.runSandboxed(ctx, timeout, noOutput)
	} else {
		res, err = c.runHost(timeout, noOutput)
	}
	if err == nil {
		err = res.result()
	}

	finished()
	duration := time.Since(start)
	observability.EndSpan(span, err)
	c.record(ctx, obs, res, err, start, duration)
	return res.output, err
}

// result turns a finished supervision into the error Run reports.
func (s supervision) result() error {
	if s.err != nil {
		return s.err
	}
	if s.exit.err != nil {
		return fmt.Errorf("waiting for command: %w", s.exit.err)
	}
	if s.exit.code != 0 {
		return &ExitError{Code: s.exit.code, Output: s.output}
	}
	return nil
}

func (c *Command) runHost(timeout, noOutput time.Duration) (supervision, error) {
	program := c.hostProgram()
	cmd := exec.Command(program, c.args...)
	cmd.Dir = c.dir
	cmd.Env = c.hostEnv()

	p, err := startHost(cmd)
	if err != nil {
		return supervision{}, &SpawnError{Program: program, Err: err}
	}
	res := c.supervise(p, timeout, noOutput)
	p.closeStreams()
	return res, nil
}

func (c *Command) hostEnv() []string {
	env := os.Environ()
	if c.bin.Managed() {
		env = setEnv(env, "CARGO_HOME", c.ws.CargoHome())
		env = setEnv(env, "RUSTUP_HOME", c.ws.RustupHome())
		path := filepath.Join(c.ws.CargoHome(), "bin")
		if current, ok := lookupEnv(env, "PATH"); ok && current != "" {
			path += string(os.PathListSeparator) + current
		}
		env = setEnv(env, "PATH", path)
	}
	return mergeEnv(env, c.env)
}

func (c *Command) containerEnv() []string {
	env := []string{
		"CARGO_HOME=" + ContainerCargoHome,
		"RUSTUP_HOME=" + ContainerRustupHome,
		"PATH=" + containerPath,
	}
	return mergeEnv(env, c.env)
}

func (c *Command) runSandboxed(ctx context.Context, timeout, noOutput time.Duration) (supervision, error) {
	logger := c.logger()
	obs := c.ws.Observability()
	rt := c.ws.Runtime()
	if rt == nil {
		return supervision{}, &sandbox.Error{Op: "run", Err: sandbox.ErrUnavailable}
	}
	// Container lifecycle calls must finish even if the caller's ctx is done.
	opCtx := context.WithoutCancel(ctx)

	img := c.ws.SandboxImage()
	observe := func(kind sandbox.Kind, err error) {
		obs.MetricsOrNil().RecordImageResolution(kind.String(), err)
	}
	if err := img.Resolve(opCtx, rt, logger, observe); err != nil {
		return supervision{}, err
	}

	cfg := sandbox.ContainerConfig{
		Name:       "buildbox-" + uuid.NewString(),
		Image:      img.Ref(),
		Cmd:        append([]string{c.containerProgram()}, c.args...),
		Env:        c.containerEnv(),
		WorkingDir: c.dir,
		User:       containerUser(),
		Mounts: []sandbox.Mount{
			{Source: c.ws.CargoHome(), Target: ContainerCargoHome, ReadOnly: true},
			{Source: c.ws.RustupHome(), Target: ContainerRustupHome, ReadOnly: true},
		},
	}
	c.sandbox.Apply(&cfg)

	id, err := rt.CreateContainer(opCtx, cfg)
	if err != nil {
		return supervision{}, &SpawnError{Program: c.bin.Name(), Err: &sandbox.Error{Op: "create", Image: cfg.Image, Err: err}}
	}
	defer func() {
		if err := rt.RemoveContainer(opCtx, id); err != nil {
			logger.Error("failed to remove sandbox container", slog.String("container", cfg.Name), slog.Any("error", err))
		}
	}()

	streams, err := rt.AttachContainer(opCtx, id)
	if err != nil {
		return supervision{}, &SpawnError{Program: c.bin.Name(), Err: &sandbox.Error{Op: "attach", Image: cfg.Image, Err: err}}
	}
	defer streams.Close()

	wait := rt.WaitContainer(opCtx, id)
	if err := rt.StartContainer(opCtx, id); err != nil {
		return supervision{}, &SpawnError{Program: c.bin.Name(), Err: &sandbox.Error{Op: "start", Image: cfg.Image, Err: err}}
	}

	res := c.supervise(newContainerProcess(opCtx, rt, id, streams, wait), timeout, noOutput)
	if res.timedOut == "" && res.exited && res.exit.code != 0 {
		state, err := rt.InspectContainer(opCtx, id)
		if err != nil {
			logger.Warn("failed to inspect sandbox container", slog.String("container", cfg.Name), slog.Any("error", err))
		} else if state.OOMKilled {
			res.err = ErrSandboxOOM
		}
	}
	return res, nil
}

// record publishes the outcome of a run to metrics, anomaly detection and
// the command history.
func (c *Command) record(ctx context.Context, obs *observability.Observability, res supervision, err error, start time.Time, d time.Duration) {
	mode := c.mode()
	status := statusOf(err)

	obs.MetricsOrNil().RecordCommand(mode, string(status), d)
	if res.timedOut != "" {
		obs.MetricsOrNil().RecordTimeout(mode, string(res.timedOut))
	}
	obs.RecordOutcome("command."+mode, err)

	rec := c.ws.History()
	if rec == nil {
		return
	}
	entry := history.Entry{
		Program:   c.bin.Name(),
		Args:      c.args,
		Mode:      mode,
		Dir:       c.dir,
		Status:    status,
		Duration:  d,
		StartedAt: start,
	}
	if res.exited {
		entry.ExitCode = res.exit.code
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if rerr := rec.Record(context.WithoutCancel(ctx), entry); rerr != nil {
		c.logger().Warn("failed to record command history", slog.String("program", c.bin.Name()), slog.Any("error", rerr))
	}
}

func statusOf(err error) history.Status {
	var spawnErr *SpawnError
	var sandboxErr *sandbox.Error
	switch {
	case err == nil:
		return history.StatusSuccess
	case errors.Is(err, ErrTimeout):
		return history.StatusTimeout
	case errors.Is(err, ErrNoOutputTimeout):
		return history.StatusNoOutputTimeout
	case errors.Is(err, ErrSandboxOOM):
		return history.StatusOOM
	case errors.As(err, &spawnErr), errors.As(err, &sandboxErr):
		return history.StatusSpawnError
	default:
		return history.StatusFailed
	}
}
