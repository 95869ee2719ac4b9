//go:build windows

package command

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// killOrphans is a no-op: children are not tracked without a job object.
func killOrphans(*exec.Cmd) error { return nil }

func containerUser() string { return "" }
