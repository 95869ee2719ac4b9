package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultImageRef is the image used when none is configured.
const DefaultImageRef = "rustops/crates-build-env"

// Kind is how an image is obtained.
type Kind int

const (
	// KindRemote images are pulled from a registry.
	KindRemote Kind = iota
	// KindLocal images must already exist in the local runtime.
	KindLocal
	// KindBuild images are built from a local context directory.
	KindBuild
)

func (k Kind) String() string {
	switch k {
	case KindRemote:
		return "remote"
	case KindLocal:
		return "local"
	case KindBuild:
		return "build"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ResolveObserver receives the outcome of each image resolution attempt.
type ResolveObserver func(kind Kind, err error)

// Image is a container image reference together with its resolution state.
// Constructors do no I/O; Resolve fetches, checks or builds the image once.
type Image struct {
	kind       Kind
	ref        string
	contextDir string

	group    singleflight.Group
	mu       sync.Mutex
	resolved bool
}

// Remote returns an image pulled from a registry.
func Remote(ref string) *Image {
	return &Image{kind: KindRemote, ref: ref}
}

// Local returns an image that must already exist locally.
func Local(ref string) *Image {
	return &Image{kind: KindLocal, ref: ref}
}

// Build returns an image built from contextDir and tagged as tag.
func Build(contextDir, tag string) *Image {
	return &Image{kind: KindBuild, ref: tag, contextDir: contextDir}
}

// DefaultImage returns the default remote build image for the host platform.
func DefaultImage() *Image {
	if runtime.GOOS == "windows" {
		return Remote(DefaultImageRef + "-windows")
	}
	return Remote(DefaultImageRef)
}

func (i *Image) Kind() Kind         { return i.kind }
func (i *Image) Ref() string        { return i.ref }
func (i *Image) ContextDir() string { return i.contextDir }

func (i *Image) String() string {
	return i.kind.String() + ":" + i.ref
}

// Resolved reports whether the image has been successfully resolved.
func (i *Image) Resolved() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resolved
}

// Resolve makes the image available in rt. Concurrent callers share one
// attempt; a successful resolution is remembered, a failed one is retried on
// the next call. obs may be nil.
func (i *Image) Resolve(ctx context.Context, rt Runtime, logger *slog.Logger, obs ResolveObserver) error {
	if i.Resolved() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	_, err, _ := i.group.Do(i.ref, func() (any, error) {
		if i.Resolved() {
			return nil, nil
		}
		err := i.resolve(ctx, rt, logger)
		if obs != nil {
			obs(i.kind, err)
		}
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.resolved = true
		i.mu.Unlock()
		return nil, nil
	})
	return err
}

func (i *Image) resolve(ctx context.Context, rt Runtime, logger *slog.Logger) error {
	if rt == nil {
		return &Error{Op: "resolve", Image: i.ref, Err: ErrUnavailable}
	}
	if err := rt.Ping(ctx); err != nil {
		return &Error{Op: "resolve", Image: i.ref, Err: err}
	}

	switch i.kind {
	case KindRemote:
		logger.Info("pulling sandbox image", slog.String("image", i.ref))
		if err := rt.PullImage(ctx, i.ref); err != nil {
			return &Error{Op: "pull", Image: i.ref, Err: err}
		}
	case KindLocal:
		exists, err := rt.ImageExists(ctx, i.ref)
		if err != nil {
			return &Error{Op: "inspect", Image: i.ref, Err: err}
		}
		if !exists {
			return &Error{Op: "inspect", Image: i.ref, Err: fmt.Errorf("image not found locally")}
		}
	case KindBuild:
		logger.Info("building sandbox image",
			slog.String("image", i.ref),
			slog.String("context", i.contextDir),
		)
		if err := rt.BuildImage(ctx, i.contextDir, i.ref); err != nil {
			return &Error{Op: "build", Image: i.ref, Err: err}
		}
	default:
		return &Error{Op: "resolve", Image: i.ref, Err: fmt.Errorf("unknown image kind %s", i.kind)}
	}

	logger.Info("sandbox image ready", slog.String("image", i.ref), slog.String("kind", i.kind.String()))
	return nil
}
