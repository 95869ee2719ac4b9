//go:build unix

package command

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the child in its own process group so a kill
// reaches everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if err == nil || err == unix.ESRCH {
		return nil
	}
	// Fall back to the direct child if the group is gone or not ours.
	if kerr := cmd.Process.Kill(); kerr != nil && kerr != os.ErrProcessDone {
		return kerr
	}
	return nil
}

// killOrphans kills the members left in the process group of an exited
// leader, typically daemonized or backgrounded children. An empty group is
// not an error.
func killOrphans(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EPERM) {
		return nil
	}
	return err
}

// containerUser maps the container user to the invoking user so files
// written to mounted directories stay owned by them.
func containerUser() string {
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}
