package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var toolchainLink string

var toolchainCmd = &cobra.Command{
	Use:   "toolchain",
	Short: "Manage the workspace's Rust toolchains",
}

var toolchainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed toolchains",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := setup(context.Background(), true)
		if err != nil {
			return err
		}
		defer a.Cleanup()

		installed, err := a.ws.InstalledToolchains()
		if err != nil {
			return err
		}
		for _, tc := range installed {
			fmt.Println(tc)
		}
		return nil
	},
}

var toolchainInstallCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Install a toolchain (or link a custom one with --link)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withToolchain(args[0], toolchainLink, true)
	},
}

var toolchainUninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Uninstall a toolchain",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withToolchain(args[0], toolchainLink, false)
	},
}

var toolchainComponentCmd = &cobra.Command{
	Use:   "component",
	Short: "Manage rustup components of a toolchain",
}

var toolchainComponentAddCmd = &cobra.Command{
	Use:   "add <toolchain> <component>",
	Short: "Add a component such as clippy or rust-src",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return withExtension(args[0], "component", args[1])
	},
}

var toolchainTargetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage cross-compilation targets of a toolchain",
}

var toolchainTargetAddCmd = &cobra.Command{
	Use:   "add <toolchain> <target>",
	Short: "Add the standard library for a target triple",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return withExtension(args[0], "target", args[1])
	},
}

func init() {
	toolchainInstallCmd.Flags().StringVar(&toolchainLink, "link", "", "path of a locally built toolchain to link")
	toolchainUninstallCmd.Flags().StringVar(&toolchainLink, "link", "", "uninstall a linked custom toolchain")
	toolchainComponentCmd.AddCommand(toolchainComponentAddCmd)
	toolchainTargetCmd.AddCommand(toolchainTargetAddCmd)
	toolchainCmd.AddCommand(toolchainListCmd, toolchainInstallCmd, toolchainUninstallCmd,
		toolchainComponentCmd, toolchainTargetCmd)
}

func withToolchain(name, link string, install bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	tc := parseToolchain(name, link)
	if install {
		err = a.ws.InstallToolchain(ctx, tc)
	} else {
		err = a.ws.UninstallToolchain(ctx, tc)
	}
	if err != nil {
		return err
	}
	verb := "installed"
	if !install {
		verb = "uninstalled"
	}
	fmt.Printf("%s %s\n", verb, tc)
	return nil
}

func withExtension(name, kind, value string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	tc := parseToolchain(name, "")
	if kind == "target" {
		err = a.ws.AddTarget(ctx, tc, value)
	} else {
		err = a.ws.AddComponent(ctx, tc, value)
	}
	if err != nil {
		return err
	}
	fmt.Printf("added %s %s to %s\n", kind, value, tc)
	return nil
}
