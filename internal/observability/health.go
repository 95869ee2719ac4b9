package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check. Docker pings on a stalled daemon
// otherwise hang for the client's full timeout.
const checkTimeout = 3 * time.Second

// HealthChecker reports liveness and readiness of the workspace and the
// services it depends on.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// HealthStatus is the JSON body of the health endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]func(ctx context.Context) error), logger: logger}
}

// AddCheck registers check under name, replacing any check with that name.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth reports liveness: a running process is alive.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check concurrently. The status is
// "degraded" if any check fails or exceeds checkTimeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok"}
	if len(checks) == 0 {
		return status
	}
	status.Checks = make(map[string]CheckResult, len(checks))

	var mu sync.Mutex
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := check(checkCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Message = "fail", err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				}
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[name] = res
			if err != nil {
				status.Status = "degraded"
			}
			return nil
		})
	}
	_ = g.Wait()
	return status
}
