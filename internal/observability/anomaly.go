package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/buildbox/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// minAnomalySamples is the number of outcomes needed before a rate is judged.
	minAnomalySamples = 5
)

// AnomalyDetector tracks the failure rate of operations such as sandboxed
// commands over a sliding window. It warns once when an operation starts
// failing above the threshold and logs again when it recovers.
type AnomalyDetector struct {
	mu        sync.Mutex
	ops       map[string]*outcomes
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

type outcomes struct {
	events   []outcome
	alerting bool
}

func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		ops:       make(map[string]*outcomes),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) { a.record(operation, true) }

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) { a.record(operation, false) }

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o := a.outcomesFor(operation)
	now := a.now()
	o.events = append(o.events, outcome{at: now, failed: failed})
	o.expire(now.Add(-a.window))
	a.evaluate(operation, o)
}

// FailureRate returns the failure rate of operation within the window and
// the number of samples it is based on.
func (a *AnomalyDetector) FailureRate(operation string) (rate, total float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o := a.outcomesFor(operation)
	o.expire(a.now().Add(-a.window))
	return o.rate()
}

// evaluate flips the alerting state when the rate crosses the threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string, o *outcomes) {
	if a.threshold <= 0 {
		return
	}
	rate, total := o.rate()
	if total < minAnomalySamples {
		return
	}
	switch {
	case rate > a.threshold && !o.alerting:
		o.alerting = true
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high failure rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Float64("total", total),
				slog.Duration("window", a.window),
			)
		}
	case rate <= a.threshold && o.alerting:
		o.alerting = false
		if a.logger != nil {
			a.logger.Info("failure rate recovered",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
	}
}

func (a *AnomalyDetector) outcomesFor(operation string) *outcomes {
	o, ok := a.ops[operation]
	if !ok {
		o = &outcomes{}
		a.ops[operation] = o
	}
	return o
}

// expire drops outcomes recorded before cutoff. Events are in time order.
func (o *outcomes) expire(cutoff time.Time) {
	i := 0
	for i < len(o.events) && o.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		o.events = append(o.events[:0], o.events[i:]...)
	}
}

func (o *outcomes) rate() (rate, total float64) {
	if len(o.events) == 0 {
		return 0, 0
	}
	var failed float64
	for _, e := range o.events {
		if e.failed {
			failed++
		}
	}
	total = float64(len(o.events))
	return failed / total, total
}
