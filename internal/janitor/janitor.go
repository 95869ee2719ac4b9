// Package janitor periodically reclaims disk space: it purges build
// directories on a cron schedule and prunes old run history. While running
// it serves health and metrics endpoints.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/buildbox/internal/observability"
)

// Purger removes build directories.
type Purger interface {
	PurgeAllBuildDirs() error
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options configures a Janitor.
type Options struct {
	// Schedule is a 5-field cron expression.
	Schedule string
	// Addr is the health and metrics listen address. Empty disables the server.
	Addr string
	// Pruner and Retention enable history pruning.
	Pruner    Pruner
	Retention time.Duration

	Observability *observability.Observability
	Health        *observability.HealthChecker
	Logger        *slog.Logger
}

// Janitor runs cleanup on a schedule.
type Janitor struct {
	purger    Purger
	pruner    Pruner
	retention time.Duration
	schedule  cron.Schedule
	addr      string
	obs       *observability.Observability
	health    *observability.HealthChecker
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Janitor. It fails if the schedule does not parse.
func New(purger Purger, opts Options) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", opts.Schedule, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		purger:    purger,
		pruner:    opts.Pruner,
		retention: opts.Retention,
		schedule:  schedule,
		addr:      opts.Addr,
		obs:       opts.Observability,
		health:    opts.Health,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Next returns the next scheduled run after t.
func (j *Janitor) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

// Run serves the HTTP endpoints and runs cleanup on schedule until ctx is
// cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	var (
		o      *okapi.Okapi
		server *http.Server
		errCh  = make(chan error, 1)
	)
	if j.addr != "" {
		o = j.router()
		server = &http.Server{
			Addr:              j.addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			j.logger.Info("janitor http server starting", slog.String("addr", j.addr))
			errCh <- o.StartServer(server)
		}()
	}

	j.logger.Info("janitor started", slog.Time("next_run", j.Next(j.now())))
	for {
		next := j.Next(j.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("janitor stopped")
			if server != nil {
				if err := o.Shutdown(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("stopping janitor http server: %w", err)
				}
			}
			return nil
		case err := <-errCh:
			timer.Stop()
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("janitor http server: %w", err)
		case <-timer.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("janitor run failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce purges all build directories and prunes expired history.
func (j *Janitor) RunOnce(ctx context.Context) error {
	start := j.now()
	ctx, span := j.obs.TracerOrNil().StartSpan(ctx, "janitor.run")

	err := j.purger.PurgeAllBuildDirs()
	if err == nil && j.pruner != nil && j.retention > 0 {
		var pruned int64
		pruned, err = j.pruner.Prune(ctx, start.Add(-j.retention))
		if err == nil && pruned > 0 {
			j.logger.Info("pruned command history", slog.Int64("records", pruned), slog.Duration("retention", j.retention))
		}
	}
	observability.EndSpan(span, err)
	j.obs.RecordOutcome("janitor.run", err)
	if err != nil {
		return err
	}
	j.logger.Info("janitor run finished", slog.Duration("duration", j.now().Sub(start)))
	return nil
}

func (j *Janitor) router() *okapi.Okapi {
	o := okapi.New()
	metrics := j.obs.MetricsOrNil()
	var tracer trace.Tracer
	if t := j.obs.TracerOrNil(); t != nil {
		tracer = t.Tracer()
	}
	if metrics != nil || tracer != nil {
		o.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMiddleware(metrics, tracer, next)
		})
	}

	o.Get("/healthz", func(c *okapi.Context) error {
		if j.health == nil {
			return c.OK(observability.HealthStatus{Status: "ok"})
		}
		return c.OK(j.health.CheckHealth())
	})
	o.Get("/readyz", func(c *okapi.Context) error {
		if j.health == nil {
			return c.OK(observability.HealthStatus{Status: "ok"})
		}
		status := j.health.CheckReady(c.Context())
		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	})
	if metrics != nil {
		o.HandleStd("GET", "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	return o
}
