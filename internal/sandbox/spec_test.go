package sandbox

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512m", 512 * 1024 * 1024, false},
		{"1536M", 1536 * 1024 * 1024, false},
		{"2g", 2 * 1024 * 1024 * 1024, false},
		{"lots", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMemory(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseMemory(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestSpec_Apply(t *testing.T) {
	spec := NewSpec().
		Mount("/host/src", "/opt/src", ReadWrite).
		Mount("/host/cache", "/opt/cache", ReadOnly).
		MemoryLimit(1 << 30).
		CPULimit(1.5)

	var cfg ContainerConfig
	spec.Apply(&cfg)

	if len(cfg.Mounts) != 2 {
		t.Fatalf("mounts = %d, want 2", len(cfg.Mounts))
	}
	if cfg.Mounts[0].ReadOnly || !cfg.Mounts[1].ReadOnly {
		t.Errorf("mount modes = %+v", cfg.Mounts)
	}
	if cfg.MemoryBytes != 1<<30 {
		t.Errorf("MemoryBytes = %d", cfg.MemoryBytes)
	}
	if cfg.NanoCPUs != 1_500_000_000 {
		t.Errorf("NanoCPUs = %d", cfg.NanoCPUs)
	}
	if cfg.PIDsLimit != defaultPIDsLimit {
		t.Errorf("PIDsLimit = %d, want default %d", cfg.PIDsLimit, defaultPIDsLimit)
	}
	if cfg.Networking {
		t.Error("networking should be disabled by default")
	}
}

func TestSpec_CloneIsIndependent(t *testing.T) {
	base := NewSpec().Mount("/a", "/a", ReadOnly)
	clone := base.Clone().Mount("/b", "/b", ReadWrite).EnableNetworking(true)

	if len(base.Mounts()) != 1 {
		t.Errorf("base mounts = %d, want 1", len(base.Mounts()))
	}
	if base.Networking() {
		t.Error("base networking changed")
	}
	if len(clone.Mounts()) != 2 || !clone.Networking() {
		t.Errorf("clone = %+v", clone)
	}
}

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "files", "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, err := tarDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	var names []string
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)

	want := []string{"Dockerfile", "files", "files/a.txt"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestTarDirectory_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tarDirectory(file); err == nil {
		t.Fatal("expected error for non-directory context")
	}
}
