package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/buildbox/internal/history"
)

var (
	historyLimit  int
	historyStatus string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently run commands",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only show runs with this status (e.g. timeout, oom)")
}

func runHistory(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	if a.history == nil {
		return errors.New("history is disabled; set history.enabled in the config")
	}

	var entries []history.Entry
	if historyStatus != "" {
		entries, err = a.history.ByStatus(ctx, history.Status(historyStatus), historyLimit)
	} else {
		entries, err = a.history.Recent(ctx, historyLimit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMODE\tSTATUS\tEXIT\tDURATION\tCOMMAND")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.Mode,
			e.Status,
			e.ExitCode,
			e.Duration.Round(time.Millisecond),
			e.Program,
		)
	}
	return w.Flush()
}
