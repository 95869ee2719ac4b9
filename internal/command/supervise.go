package command

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// maxLineBytes caps a single output line; the rest of the line is dropped.
	maxLineBytes = 1 << 20
	// maxCaptureBytes caps the output kept in Output per stream.
	maxCaptureBytes = 4 << 20
	// killGracePeriod is how long to wait for a killed process to be reaped.
	killGracePeriod = 10 * time.Second
	// drainTimeout is how long streams may stay open after the process exited,
	// e.g. because a background child inherited them.
	drainTimeout = 10 * time.Second
)

// timeoutKind labels which timer fired.
type timeoutKind string

const (
	hardTimeout     timeoutKind = "hard"
	noOutputTimeout timeoutKind = "no_output"
)

// supervision is the outcome of watching a process.
type supervision struct {
	output   *Output
	exit     exitResult
	exited   bool
	timedOut timeoutKind
	err      error
}

// supervise pumps both output streams of p and enforces the two timeouts.
// It returns once the process has exited and its streams are drained, or
// once a killed process failed to exit within killGracePeriod.
func (c *Command) supervise(p process, timeout, noOutput time.Duration) supervision {
	logger := c.logger()
	lines := make(chan Line)
	stop := make(chan struct{})
	defer close(stop)

	var readers sync.WaitGroup
	readers.Add(2)
	go scanLines(p.stdout(), Stdout, lines, stop, &readers)
	go scanLines(p.stderr(), Stderr, lines, stop, &readers)
	streamsDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(streamsDone)
	}()

	var hardC, idleC, graceC, drainC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		hardC = t.C
	}
	var idle *time.Timer
	if noOutput > 0 {
		idle = time.NewTimer(noOutput)
		defer idle.Stop()
		idleC = idle.C
	}

	capture := newCapture(maxCaptureBytes)
	res := supervision{}
	exitCh := p.exited()
	streamsOpen := true

	kill := func(kind timeoutKind, limit time.Duration) {
		res.timedOut = kind
		if kind == hardTimeout {
			res.err = fmt.Errorf("%w after %s", ErrTimeout, limit)
		} else {
			res.err = fmt.Errorf("%w for %s", ErrNoOutputTimeout, limit)
		}
		hardC, idleC = nil, nil
		logger.Warn("killing command",
			slog.String("program", c.bin.Name()),
			slog.String("reason", string(kind)),
			slog.Duration("limit", limit),
		)
		if err := p.kill(); err != nil {
			logger.Error("failed to kill command", slog.String("program", c.bin.Name()), slog.Any("error", err))
		}
		graceC = time.After(killGracePeriod)
	}

loop:
	for !res.exited || streamsOpen {
		select {
		case line := <-lines:
			if idleC != nil {
				idle.Reset(noOutput)
			}
			c.handleLine(logger, line, capture)

		case <-streamsDone:
			streamsOpen = false
			streamsDone = nil

		case r := <-exitCh:
			res.exit, res.exited = r, true
			exitCh = nil
			if err := p.reap(); err != nil {
				logger.Warn("failed to stop leftover processes", slog.String("program", c.bin.Name()), slog.Any("error", err))
			}
			if streamsOpen {
				drainC = time.After(drainTimeout)
			}

		case <-hardC:
			kill(hardTimeout, timeout)

		case <-idleC:
			kill(noOutputTimeout, noOutput)

		case <-graceC:
			graceC = nil
			p.closeStreams()
			if !res.exited {
				logger.Error("command did not exit after being killed", slog.String("program", c.bin.Name()))
				break loop
			}

		case <-drainC:
			drainC = nil
			logger.Warn("output streams still open after exit", slog.String("program", c.bin.Name()))
			p.closeStreams()
		}
	}

	res.output = capture.output()
	return res
}

func (c *Command) handleLine(logger *slog.Logger, line Line, capture *capture) {
	if c.logOutput {
		logger.Info("["+line.Stream.String()+"] "+line.Text, slog.String("program", c.bin.Name()))
	}
	if c.processLines != nil {
		c.processLines(line)
	}
	capture.add(line)
}

// scanLines splits r into lines and sends them until r is exhausted or stop
// is closed. Invalid UTF-8 is replaced, over-long lines are cut.
func scanLines(r io.Reader, stream Stream, lines chan<- Line, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	send := func() bool {
		line := Line{Stream: stream, Text: strings.ToValidUTF8(string(buf), "�")}
		buf = buf[:0]
		select {
		case lines <- line:
			return true
		case <-stop:
			return false
		}
	}
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(buf) > 0 {
				send()
			}
			return
		}
		if room := maxLineBytes - len(buf); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			buf = append(buf, chunk...)
		}
		if isPrefix {
			continue
		}
		if !send() {
			return
		}
	}
}

// capture keeps output lines up to a byte budget per stream.
type capture struct {
	out       Output
	remaining [2]int
}

func newCapture(limit int) *capture {
	return &capture{remaining: [2]int{limit, limit}}
}

func (c *capture) add(l Line) {
	size := len(l.Text) + 1
	if c.remaining[l.Stream] < size {
		c.out.Truncated = true
		return
	}
	c.remaining[l.Stream] -= size
	if l.Stream == Stderr {
		c.out.Stderr = append(c.out.Stderr, l.Text)
	} else {
		c.out.Stdout = append(c.out.Stdout, l.Text)
	}
}

func (c *capture) output() *Output {
	out := c.out
	return &out
}
