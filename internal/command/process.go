package command

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/jkaninda/buildbox/internal/sandbox"
)

// process is a started program the supervisor watches.
type process interface {
	stdout() io.Reader
	stderr() io.Reader
	// exited yields exactly one result once the program has stopped.
	exited() <-chan exitResult
	kill() error
	// reap stops whatever the program left running after it exited.
	reap() error
	// closeStreams unblocks readers stuck on a stream nobody will close.
	closeStreams()
}

type exitResult struct {
	code int
	err  error
}

// hostProcess is a program started with os/exec.
type hostProcess struct {
	cmd      *exec.Cmd
	out, err *os.File
	done     chan exitResult
}

func startHost(cmd *exec.Cmd) (*hostProcess, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &hostProcess{cmd: cmd, out: outR, err: errR, done: make(chan exitResult, 1)}
	go func() {
		werr := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case werr == nil:
			p.done <- exitResult{}
		case errors.As(werr, &exitErr):
			p.done <- exitResult{code: exitErr.ExitCode()}
		default:
			p.done <- exitResult{code: -1, err: werr}
		}
	}()
	return p, nil
}

func (p *hostProcess) stdout() io.Reader         { return p.out }
func (p *hostProcess) stderr() io.Reader         { return p.err }
func (p *hostProcess) exited() <-chan exitResult { return p.done }
func (p *hostProcess) kill() error               { return killProcessGroup(p.cmd) }
func (p *hostProcess) reap() error               { return killOrphans(p.cmd) }

func (p *hostProcess) closeStreams() {
	_ = p.out.Close()
	_ = p.err.Close()
}

// containerProcess is a started sandbox container.
type containerProcess struct {
	rt      sandbox.Runtime
	id      string
	streams *sandbox.Streams
	done    chan exitResult
	ctx     context.Context
}

func newContainerProcess(ctx context.Context, rt sandbox.Runtime, id string, streams *sandbox.Streams, wait <-chan sandbox.WaitResult) *containerProcess {
	p := &containerProcess{rt: rt, id: id, streams: streams, done: make(chan exitResult, 1), ctx: ctx}
	go func() {
		res := <-wait
		if res.Err != nil {
			p.done <- exitResult{code: -1, err: res.Err}
			return
		}
		p.done <- exitResult{code: int(res.ExitCode)}
	}()
	return p
}

func (p *containerProcess) stdout() io.Reader         { return p.streams.Stdout }
func (p *containerProcess) stderr() io.Reader         { return p.streams.Stderr }
func (p *containerProcess) exited() <-chan exitResult { return p.done }

func (p *containerProcess) kill() error {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	return p.rt.KillContainer(ctx, p.id)
}

// reap is a no-op: the runtime stops every process in the container when
// its init process exits.
func (p *containerProcess) reap() error { return nil }

func (p *containerProcess) closeStreams() {
	_ = p.streams.Close()
}
