// Buildbox runs untrusted Rust builds on the host or inside disposable
// containers, with managed toolchains and dual-timeout supervision.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "buildbox",
	Short: "Buildbox runs Rust builds in managed, sandboxed workspaces.",
	Long: `Buildbox maintains a workspace with its own cargo and rustup homes,
installs toolchains into it and runs commands either on the host or inside
a resource-limited container, killing them on a hard timeout or when they
stop producing output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(initCmd, runCmd, toolchainCmd, purgeCmd, historyCmd, janitorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) && exitErr.Code > 0 {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
