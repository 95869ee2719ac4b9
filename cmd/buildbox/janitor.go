package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/buildbox/internal/janitor"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Periodically purge build directories and prune run history",
	Args:  cobra.NoArgs,
	RunE:  runJanitor,
}

func runJanitor(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	var health = a.obs.HealthOrNil()
	if health != nil {
		a.ws.RegisterHealthChecks(health)
		if a.history != nil {
			health.AddCheck("history", a.history.Ping)
		}
	}

	opts := janitor.Options{
		Schedule:      a.cfg.Janitor.CronSchedule(),
		Addr:          a.cfg.Janitor.Addr(),
		Observability: a.obs,
		Health:        health,
		Logger:        a.logger,
	}
	if a.history != nil {
		opts.Pruner = a.history
		opts.Retention = a.cfg.History.Retention()
	}

	j, err := janitor.New(a.ws, opts)
	if err != nil {
		return err
	}
	return j.Run(ctx)
}
