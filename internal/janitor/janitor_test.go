package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/buildbox/internal/observability"
)

type fakePurger struct {
	calls atomic.Int32
	err   error
}

func (p *fakePurger) PurgeAllBuildDirs() error {
	p.calls.Add(1)
	return p.err
}

type fakePruner struct {
	cutoff time.Time
	calls  int
}

func (p *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.cutoff = before
	return 3, nil
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakePurger{}, Options{Schedule: "every day"})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if !strings.Contains(err.Error(), "every day") {
		t.Errorf("error = %v, want schedule in message", err)
	}
}

func TestNext(t *testing.T) {
	j, err := New(&fakePurger{}, Options{Schedule: "0 3 * * *"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	from := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	if got := j.Next(from); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestRunOnce_PurgesAndPrunes(t *testing.T) {
	purger := &fakePurger{}
	pruner := &fakePruner{}
	j, err := New(purger, Options{Schedule: "@daily", Pruner: pruner, Retention: 48 * time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if purger.calls.Load() != 1 {
		t.Errorf("purge calls = %d, want 1", purger.calls.Load())
	}
	if pruner.calls != 1 {
		t.Fatalf("prune calls = %d, want 1", pruner.calls)
	}
	if want := now.Add(-48 * time.Hour); !pruner.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", pruner.cutoff, want)
	}
}

func TestRunOnce_PurgeFailureSkipsPrune(t *testing.T) {
	purger := &fakePurger{err: errors.New("disk on fire")}
	pruner := &fakePruner{}
	j, err := New(purger, Options{Schedule: "@hourly", Pruner: pruner, Retention: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.RunOnce(context.Background()); err == nil {
		t.Fatal("expected purge error")
	}
	if pruner.calls != 0 {
		t.Errorf("prune calls = %d, want 0", pruner.calls)
	}
}

func TestRunOnce_ZeroRetentionKeepsHistory(t *testing.T) {
	pruner := &fakePruner{}
	j, err := New(&fakePurger{}, Options{Schedule: "@hourly", Pruner: pruner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pruner.calls != 0 {
		t.Errorf("prune calls = %d, want 0", pruner.calls)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	var lastErr error
	for range 50 {
		resp, err := http.Get(url)
		if err != nil {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode, body
	}
	t.Fatalf("GET %s: %v", url, lastErr)
	return 0, nil
}

func TestRun_ServesEndpoints(t *testing.T) {
	health := observability.NewHealthChecker(nil)
	healthy := atomic.Bool{}
	health.AddCheck("workspace", func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("missing")
	})
	obs := &observability.Observability{Metrics: observability.NewMetricsCollector(), Health: health}

	addr := freeAddr(t)
	j, err := New(&fakePurger{}, Options{
		Schedule:      "@yearly",
		Addr:          addr,
		Observability: obs,
		Health:        health,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	base := "http://" + addr
	if code, _ := get(t, base+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}

	code, body := get(t, base+"/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", code)
	}
	var status observability.HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decoding readiness: %v", err)
	}
	if status.Checks["workspace"].Status != "fail" {
		t.Errorf("workspace check = %+v, want fail", status.Checks["workspace"])
	}

	healthy.Store(true)
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after recovery = %d, want 200", code)
	}

	code, body = get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}
	if !strings.Contains(string(body), "buildbox_http_requests_total") {
		t.Error("/metrics does not expose request counter")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
