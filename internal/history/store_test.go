package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{DSN: filepath.Join(t.TempDir(), "cache", "history.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, status := range []Status{StatusSuccess, StatusFailed, StatusTimeout} {
		err := s.Record(ctx, Entry{
			Program:   "cargo",
			Args:      []string{"+stable", "build"},
			Mode:      "sandbox",
			Dir:       "/opt/buildbox/workdir",
			Status:    status,
			ExitCode:  i,
			Duration:  time.Duration(i+1) * time.Second,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Status != StatusTimeout {
		t.Errorf("newest status = %q, want timeout", entries[0].Status)
	}
	if entries[0].ID == uuid.Nil {
		t.Error("ID should be assigned")
	}
	if len(entries[0].Args) != 2 || entries[0].Args[1] != "build" {
		t.Errorf("Args = %v", entries[0].Args)
	}
	if entries[0].Duration != 3*time.Second {
		t.Errorf("Duration = %s, want 3s", entries[0].Duration)
	}
}

func TestStore_ByStatusAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := Entry{Program: "cargo", Mode: "host", Status: StatusNoOutputTimeout, StartedAt: now.Add(-48 * time.Hour)}
	recent := Entry{Program: "cargo", Mode: "host", Status: StatusNoOutputTimeout, StartedAt: now}
	for _, e := range []Entry{old, recent} {
		if err := s.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ByStatus(ctx, StatusNoOutputTimeout, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("ByStatus = %d entries, want 2", len(got))
	}

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	left, _ := s.Recent(ctx, 10)
	if len(left) != 1 {
		t.Errorf("remaining = %d, want 1", len(left))
	}
}

func TestOpen_Validation(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("expected error for empty DSN")
	}
	if _, err := Open(Config{Driver: "mysql", DSN: "x"}, nil); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
