package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/sandbox"
	"github.com/jkaninda/buildbox/internal/toolchain"
)

var (
	runSandboxed       bool
	runBuildDir        string
	runToolchain       string
	runManaged         bool
	runTimeout         time.Duration
	runNoOutputTimeout time.Duration
	runEnv             []string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- program [args...]",
	Short: "Run a command in the workspace, optionally inside the sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runSandboxed, "sandbox", false, "run inside a sandbox container")
	runCmd.Flags().StringVar(&runBuildDir, "build-dir", "", "run in the source directory of this build directory")
	runCmd.Flags().StringVar(&runToolchain, "toolchain", "", "run the program through this toolchain's rustup proxy")
	runCmd.Flags().BoolVar(&runManaged, "managed", false, "resolve the program from the workspace cargo home")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "hard timeout (0 disables; default from config)")
	runCmd.Flags().DurationVar(&runNoOutputTimeout, "no-output-timeout", 0, "kill after this long without output (0 disables; default from config)")
	runCmd.Flags().StringArrayVarP(&runEnv, "env", "e", nil, "set an environment variable (KEY=VALUE)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	var bin command.Runnable
	switch {
	case runToolchain != "":
		bin = toolchain.Dist{Name: runToolchain}.Proxy(args[0])
	case runManaged:
		bin = command.Managed(args[0])
	default:
		bin = command.Global(args[0])
	}

	var c *command.Command
	if runBuildDir != "" {
		dir, err := a.ws.BuildDir(runBuildDir)
		if err != nil {
			return err
		}
		var spec *sandbox.Spec
		if runSandboxed {
			spec = a.ws.NewSandbox()
		}
		if c, err = dir.Command(bin, spec); err != nil {
			return err
		}
	} else {
		c = command.New(a.ws, bin)
		if runSandboxed {
			c.Sandbox(a.ws.NewSandbox())
		}
	}

	c.Args(args[1:]...).LogOutput(false).ProcessLines(func(l command.Line) {
		if l.Stream == command.Stderr {
			fmt.Fprintln(os.Stderr, l.Text)
			return
		}
		fmt.Fprintln(os.Stdout, l.Text)
	})
	for _, kv := range runEnv {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		c.Env(key, value)
	}
	if cmd.Flags().Changed("timeout") {
		c.Timeout(runTimeout)
	}
	if cmd.Flags().Changed("no-output-timeout") {
		c.NoOutputTimeout(runNoOutputTimeout)
	}

	_, err = c.Run(ctx)
	return err
}
