package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime drives containers through the Docker Engine API.
//
// Every container it creates is hardened:
//   - ALL Linux capabilities dropped
//   - Privilege escalation blocked (no-new-privileges)
//   - Network disabled unless Spec.EnableNetworking is set
//   - Memory limit with swap capped to the same value (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects to the daemon described by the DOCKER_HOST family
// of environment variables. No request is made until the first call.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Close releases the underlying client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := r.cli.ImageInspect(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	return r.drainProgress(rc, ref)
}

func (r *DockerRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	buildContext, err := tarDirectory(contextDir)
	if err != nil {
		return err
	}
	defer buildContext.Close()

	resp, err := r.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return r.drainProgress(resp.Body, tag)
}

// drainProgress consumes a JSON progress stream and returns the first error
// message the daemon reports in it.
func (r *DockerRuntime) drainProgress(rd io.Reader, ref string) error {
	dec := json.NewDecoder(rd)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.Stream != "" {
			r.logger.Debug("image build", slog.String("image", ref), slog.String("output", strings.TrimSpace(msg.Stream)))
		} else if msg.Status != "" && msg.Progress == nil {
			r.logger.Debug("image progress", slog.String("image", ref), slog.String("status", msg.Status))
		}
	}
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	containerCfg := &container.Config{
		Image:           cfg.Image,
		Cmd:             cfg.Cmd,
		Env:             cfg.Env,
		WorkingDir:      cfg.WorkingDir,
		User:            cfg.User,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !cfg.Networking,
	}

	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     cfg.MemoryBytes,
			MemorySwap: cfg.MemoryBytes,
			NanoCPUs:   cfg.NanoCPUs,
		},
	}
	if cfg.Networking {
		hostCfg.NetworkMode = "default"
	}
	if cfg.PIDsLimit > 0 {
		pids := cfg.PIDsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	for _, m := range cfg.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, cfg.Name)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("docker container create returned empty id")
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("docker container create warning", slog.String("container", cfg.Name), slog.String("warning", w))
	}
	return resp.ID, nil
}

func (r *DockerRuntime) AttachContainer(ctx context.Context, id string) (*Streams, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, err
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return &Streams{
		Stdout: stdoutR,
		Stderr: stderrR,
		Closer: closerFunc(func() error {
			resp.Close()
			return nil
		}),
	}, nil
}

func (r *DockerRuntime) WaitContainer(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	go func() {
		select {
		case status := <-statusCh:
			if status.Error != nil && status.Error.Message != "" {
				out <- WaitResult{ExitCode: status.StatusCode, Err: errors.New(status.Error.Message)}
				return
			}
			out <- WaitResult{ExitCode: status.StatusCode}
		case err := <-errCh:
			out <- WaitResult{Err: err}
		}
	}()
	return out
}

func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *DockerRuntime) KillContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerKill(ctx, id, "KILL")
	if err == nil || client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running") {
		return nil
	}
	return err
}

func (r *DockerRuntime) InspectContainer(ctx context.Context, id string) (State, error) {
	resp, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return State{}, err
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return State{}, nil
	}
	return State{
		Running:   resp.State.Running,
		OOMKilled: resp.State.OOMKilled,
		ExitCode:  resp.State.ExitCode,
	}, nil
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
