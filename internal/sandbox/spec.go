package sandbox

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// MountKind controls whether a mount is writable inside the container.
type MountKind int

const (
	ReadOnly MountKind = iota
	ReadWrite
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

const (
	defaultPIDsLimit = 512
)

// Spec describes the sandbox a single command runs in. The zero value is
// usable: no extra mounts, no memory or CPU limit, default PIDs limit and
// networking disabled.
type Spec struct {
	mounts     []Mount
	memory     int64
	cpus       float64
	pidsLimit  int64
	networking bool
}

// NewSpec returns an empty sandbox spec.
func NewSpec() *Spec {
	return &Spec{}
}

// Mount adds a bind mount.
func (s *Spec) Mount(source, target string, kind MountKind) *Spec {
	s.mounts = append(s.mounts, Mount{Source: source, Target: target, ReadOnly: kind == ReadOnly})
	return s
}

// MemoryLimit caps container memory in bytes. Swap is capped to the same
// value so exceeding it kills the container. Zero removes the limit.
func (s *Spec) MemoryLimit(bytes int64) *Spec {
	s.memory = bytes
	return s
}

// CPULimit caps the number of CPU cores. Zero removes the limit.
func (s *Spec) CPULimit(cores float64) *Spec {
	s.cpus = cores
	return s
}

// PIDsLimit caps the number of processes in the container.
func (s *Spec) PIDsLimit(n int64) *Spec {
	s.pidsLimit = n
	return s
}

// EnableNetworking attaches the container to the default network.
func (s *Spec) EnableNetworking(enabled bool) *Spec {
	s.networking = enabled
	return s
}

// Clone returns a copy that can be modified independently.
func (s *Spec) Clone() *Spec {
	c := *s
	c.mounts = append([]Mount(nil), s.mounts...)
	return &c
}

// Mounts returns the configured bind mounts.
func (s *Spec) Mounts() []Mount {
	return append([]Mount(nil), s.mounts...)
}

// Networking reports whether networking is enabled.
func (s *Spec) Networking() bool { return s.networking }

// Apply copies the limits and mounts into cfg.
func (s *Spec) Apply(cfg *ContainerConfig) {
	cfg.Mounts = append(cfg.Mounts, s.mounts...)
	cfg.MemoryBytes = s.memory
	cfg.NanoCPUs = int64(s.cpus * 1e9)
	cfg.PIDsLimit = s.pidsLimit
	if cfg.PIDsLimit == 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	cfg.Networking = s.networking
}

// ParseMemory parses a human readable size such as "1536m" or "2GiB".
// An empty string means no limit.
func ParseMemory(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", raw, err)
	}
	return n, nil
}
