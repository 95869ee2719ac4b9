// Package observability wires Prometheus metrics, OpenTelemetry spans,
// readiness checks and failure-rate alerts into workspace, toolchain and
// command operations. Every component may be absent; the accessors on a nil
// *Observability return nil components whose methods do nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/buildbox/internal/config"
)

// Observability groups the components enabled in the config file.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the components enabled in cfg. A nil cfg disables everything
// and yields a nil *Observability. The health checker always exists so the
// workspace and history store can register their readiness checks.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	obs := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	logger.Debug("observability configured",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)
	return obs, nil
}

// RecordOutcome feeds the result of op, such as "command.sandbox" or
// "janitor.run", to the failure-rate detector.
func (o *Observability) RecordOutcome(op string, err error) {
	a := o.AnomalyOrNil()
	if err != nil {
		a.RecordError(op)
		return
	}
	a.RecordSuccess(op)
}

// Shutdown flushes buffered spans. Export failures are logged and returned.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing spans failed", slog.Any("error", err))
		return err
	}
	return nil
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}

func (o *Observability) HealthOrNil() *HealthChecker {
	if o == nil {
		return nil
	}
	return o.Health
}
