package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge [build-dir]",
	Short: "Delete one build directory, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		a, err := setup(context.Background(), true)
		if err != nil {
			return err
		}
		defer a.Cleanup()

		if len(args) == 0 {
			if err := a.ws.PurgeAllBuildDirs(); err != nil {
				return err
			}
			fmt.Println("purged all build directories")
			return nil
		}
		dir, err := a.ws.BuildDir(args[0])
		if err != nil {
			return err
		}
		if err := dir.Purge(); err != nil {
			return err
		}
		fmt.Printf("purged %s\n", dir.Name())
		return nil
	},
}
