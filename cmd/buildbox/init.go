package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workspace and install the configured toolchains",
	RunE:  runInit,
}

func runInit(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	names := append([]string{a.cfg.Toolchains.Main}, a.cfg.Toolchains.Install...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := a.ws.InstallToolchain(ctx, parseToolchain(name, "")); err != nil {
			return err
		}
		a.logger.Info("toolchain ready", slog.String("toolchain", name))
	}

	fmt.Printf("workspace ready at %s\n", a.ws.Root())
	return nil
}
