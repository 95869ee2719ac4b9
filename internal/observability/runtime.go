package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/buildbox/internal/sandbox"
)

// InstrumentedRuntime wraps a sandbox.Runtime with metrics and tracing.
type InstrumentedRuntime struct {
	inner   sandbox.Runtime
	metrics *MetricsCollector
	tracer  *TracerSetup
}

var _ sandbox.Runtime = (*InstrumentedRuntime)(nil)

// NewInstrumentedRuntime wraps rt. It returns rt unchanged when obs has
// neither metrics nor tracing enabled.
func NewInstrumentedRuntime(rt sandbox.Runtime, obs *Observability) sandbox.Runtime {
	if obs.MetricsOrNil() == nil && obs.TracerOrNil() == nil {
		return rt
	}
	return &InstrumentedRuntime{
		inner:   rt,
		metrics: obs.MetricsOrNil(),
		tracer:  obs.TracerOrNil(),
	}
}

// Unwrap returns the wrapped runtime.
func (r *InstrumentedRuntime) Unwrap() sandbox.Runtime { return r.inner }

func (r *InstrumentedRuntime) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.StartSpan(ctx, "sandbox."+op, attrs...)
	err := fn(ctx)
	EndSpan(span, err)
	r.metrics.RecordSandboxOp(op, err)
	return err
}

func (r *InstrumentedRuntime) Ping(ctx context.Context) error {
	return r.observe(ctx, "ping", nil, r.inner.Ping)
}

func (r *InstrumentedRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := r.observe(ctx, "inspect_image", []attribute.KeyValue{attribute.String("sandbox.image", ref)}, func(ctx context.Context) error {
		var err error
		exists, err = r.inner.ImageExists(ctx, ref)
		return err
	})
	return exists, err
}

func (r *InstrumentedRuntime) PullImage(ctx context.Context, ref string) error {
	return r.observe(ctx, "pull", []attribute.KeyValue{attribute.String("sandbox.image", ref)}, func(ctx context.Context) error {
		return r.inner.PullImage(ctx, ref)
	})
}

func (r *InstrumentedRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	return r.observe(ctx, "build", []attribute.KeyValue{attribute.String("sandbox.image", tag)}, func(ctx context.Context) error {
		return r.inner.BuildImage(ctx, contextDir, tag)
	})
}

func (r *InstrumentedRuntime) CreateContainer(ctx context.Context, cfg sandbox.ContainerConfig) (string, error) {
	var id string
	err := r.observe(ctx, "create", []attribute.KeyValue{
		attribute.String("sandbox.image", cfg.Image),
		attribute.String("sandbox.container", cfg.Name),
	}, func(ctx context.Context) error {
		var err error
		id, err = r.inner.CreateContainer(ctx, cfg)
		return err
	})
	return id, err
}

func (r *InstrumentedRuntime) AttachContainer(ctx context.Context, id string) (*sandbox.Streams, error) {
	var streams *sandbox.Streams
	err := r.observe(ctx, "attach", containerAttr(id), func(ctx context.Context) error {
		var err error
		streams, err = r.inner.AttachContainer(ctx, id)
		return err
	})
	return streams, err
}

// WaitContainer is passed through: its result arrives asynchronously.
func (r *InstrumentedRuntime) WaitContainer(ctx context.Context, id string) <-chan sandbox.WaitResult {
	return r.inner.WaitContainer(ctx, id)
}

func (r *InstrumentedRuntime) StartContainer(ctx context.Context, id string) error {
	return r.observe(ctx, "start", containerAttr(id), func(ctx context.Context) error {
		return r.inner.StartContainer(ctx, id)
	})
}

func (r *InstrumentedRuntime) KillContainer(ctx context.Context, id string) error {
	return r.observe(ctx, "kill", containerAttr(id), func(ctx context.Context) error {
		return r.inner.KillContainer(ctx, id)
	})
}

func (r *InstrumentedRuntime) InspectContainer(ctx context.Context, id string) (sandbox.State, error) {
	var state sandbox.State
	err := r.observe(ctx, "inspect", containerAttr(id), func(ctx context.Context) error {
		var err error
		state, err = r.inner.InspectContainer(ctx, id)
		return err
	})
	return state, err
}

func (r *InstrumentedRuntime) RemoveContainer(ctx context.Context, id string) error {
	return r.observe(ctx, "remove", containerAttr(id), func(ctx context.Context) error {
		return r.inner.RemoveContainer(ctx, id)
	})
}

func containerAttr(id string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("sandbox.container", id)}
}
