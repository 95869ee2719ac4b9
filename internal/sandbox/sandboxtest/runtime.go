// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/buildbox/internal/sandbox"
)

// Process is the fake "container process". It writes to stdout and stderr
// and returns an exit code. killed is closed when the container is killed;
// a well-behaved process returns promptly after that.
type Process func(cfg sandbox.ContainerConfig, stdout, stderr io.Writer, killed <-chan struct{}) int64

// Runtime is a sandbox.Runtime whose containers run Process in a goroutine.
type Runtime struct {
	Process Process

	// PingErr, PullErr and BuildErr are returned by the matching calls.
	PingErr  error
	PullErr  error
	BuildErr error
	// CreateErr is returned by CreateContainer.
	CreateErr error
	// OOMKilled is reported by InspectContainer.
	OOMKilled bool
	// PullDelay slows down PullImage.
	PullDelay time.Duration

	Pulls  atomic.Int32
	Builds atomic.Int32

	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	removed    []string
	configs    []sandbox.ContainerConfig
	seq        int
}

type fakeContainer struct {
	cfg      sandbox.ContainerConfig
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	stderrR  *io.PipeReader
	stderrW  *io.PipeWriter
	killed   chan struct{}
	killOnce sync.Once
	waiters  []chan sandbox.WaitResult
	running  bool
	exited   bool
	exitCode int64
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New returns a fake runtime running p for every container.
func New(p Process) *Runtime {
	return &Runtime{
		Process:    p,
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
	}
}

// AddImage marks ref as present locally.
func (r *Runtime) AddImage(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = true
}

// Removed returns the IDs of removed containers in removal order.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// Live returns the number of containers created but not removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Configs returns every container config passed to CreateContainer.
func (r *Runtime) Configs() []sandbox.ContainerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ContainerConfig(nil), r.configs...)
}

func (r *Runtime) Ping(context.Context) error { return r.PingErr }

func (r *Runtime) ImageExists(_ context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[ref], nil
}

func (r *Runtime) PullImage(_ context.Context, ref string) error {
	r.Pulls.Add(1)
	if r.PullDelay > 0 {
		time.Sleep(r.PullDelay)
	}
	if r.PullErr != nil {
		return r.PullErr
	}
	r.AddImage(ref)
	return nil
}

func (r *Runtime) BuildImage(_ context.Context, _, tag string) error {
	r.Builds.Add(1)
	if r.BuildErr != nil {
		return r.BuildErr
	}
	r.AddImage(tag)
	return nil
}

func (r *Runtime) CreateContainer(_ context.Context, cfg sandbox.ContainerConfig) (string, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.images[cfg.Image] {
		return "", fmt.Errorf("no such image: %s", cfg.Image)
	}
	r.seq++
	id := fmt.Sprintf("fake-%d", r.seq)
	c := &fakeContainer{cfg: cfg, killed: make(chan struct{})}
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	r.containers[id] = c
	r.configs = append(r.configs, cfg)
	return id, nil
}

func (r *Runtime) container(id string) (*fakeContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (r *Runtime) AttachContainer(_ context.Context, id string) (*sandbox.Streams, error) {
	c, err := r.container(id)
	if err != nil {
		return nil, err
	}
	return &sandbox.Streams{
		Stdout: c.stdoutR,
		Stderr: c.stderrR,
		Closer: closer(func() error {
			c.stdoutR.Close()
			c.stderrR.Close()
			return nil
		}),
	}, nil
}

func (r *Runtime) WaitContainer(_ context.Context, id string) <-chan sandbox.WaitResult {
	ch := make(chan sandbox.WaitResult, 1)
	c, err := r.container(id)
	if err != nil {
		ch <- sandbox.WaitResult{Err: err}
		return ch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.exited {
		ch <- sandbox.WaitResult{ExitCode: c.exitCode}
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (r *Runtime) StartContainer(_ context.Context, id string) error {
	c, err := r.container(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	c.running = true
	r.mu.Unlock()

	go func() {
		code := r.Process(c.cfg, c.stdoutW, c.stderrW, c.killed)
		select {
		case <-c.killed:
			code = 137
		default:
		}
		c.stdoutW.Close()
		c.stderrW.Close()

		r.mu.Lock()
		c.running = false
		c.exited = true
		c.exitCode = code
		waiters := c.waiters
		c.waiters = nil
		r.mu.Unlock()
		for _, w := range waiters {
			w <- sandbox.WaitResult{ExitCode: code}
		}
	}()
	return nil
}

func (r *Runtime) KillContainer(_ context.Context, id string) error {
	c, err := r.container(id)
	if err != nil {
		return nil
	}
	c.killOnce.Do(func() { close(c.killed) })
	return nil
}

func (r *Runtime) InspectContainer(_ context.Context, id string) (sandbox.State, error) {
	c, err := r.container(id)
	if err != nil {
		return sandbox.State{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return sandbox.State{Running: c.running, OOMKilled: r.OOMKilled, ExitCode: int(c.exitCode)}, nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	c, err := r.container(id)
	if err != nil {
		return nil
	}
	c.killOnce.Do(func() { close(c.killed) })
	r.mu.Lock()
	delete(r.containers, id)
	r.removed = append(r.removed, id)
	r.mu.Unlock()
	return nil
}

// Sleep is a Process helper that waits for d or until killed.
func Sleep(d time.Duration, killed <-chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-killed:
		return false
	}
}

// ErrInjected is a generic error for failure injection.
var ErrInjected = errors.New("injected failure")

type closer func() error

func (f closer) Close() error { return f() }
