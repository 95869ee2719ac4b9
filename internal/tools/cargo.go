package tools

import (
	"context"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/toolchain"
)

// CargoInstall is a binary crate installed with `cargo install`.
type CargoInstall struct {
	Crate string
	// Binary is the installed executable name. Defaults to Crate.
	Binary string
}

func (c *CargoInstall) Name() string { return c.Crate }

func (c *CargoInstall) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return c.Crate
}

func (c *CargoInstall) IsInstalled(ws Workspace) bool {
	return binaryInstalled(ws, c.binary())
}

func (c *CargoInstall) Install(ctx context.Context, ws Workspace, fast bool) error {
	cmd := command.New(ws, toolchain.Main.Cargo()).Args("install", c.Crate)
	if fast {
		cmd.Args("--debug")
	}
	_, err := cmd.NoOutputTimeout(0).Run(ctx)
	return err
}
