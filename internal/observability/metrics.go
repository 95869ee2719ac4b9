package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for buildbox.
// Uses a custom registry, never the global one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Command engine metrics.
	CommandExecutionsTotal *prometheus.CounterVec
	CommandDuration        *prometheus.HistogramVec
	CommandTimeoutsTotal   *prometheus.CounterVec
	ActiveCommands         *prometheus.GaugeVec

	// Sandbox metrics.
	ImageResolutionsTotal  *prometheus.CounterVec
	SandboxOperationsTotal *prometheus.CounterVec

	// Workspace metrics.
	WorkspaceInitsTotal      *prometheus.CounterVec
	ToolchainOperationsTotal *prometheus.CounterVec
	BuildDirPurgesTotal      *prometheus.CounterVec

	// HTTP metrics for the janitor endpoint.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total command executions.",
		}, []string{"mode", "status"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildbox",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"mode"}),

		CommandTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "command",
			Name:      "timeouts_total",
			Help:      "Commands killed by a timeout.",
		}, []string{"mode", "kind"}),

		ActiveCommands: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "buildbox",
			Subsystem: "command",
			Name:      "active",
			Help:      "Number of currently running commands.",
		}, []string{"mode"}),

		ImageResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "sandbox",
			Name:      "image_resolutions_total",
			Help:      "Sandbox image resolution attempts.",
		}, []string{"kind", "status"}),

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Container runtime operations.",
		}, []string{"op", "status"}),

		WorkspaceInitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "workspace",
			Name:      "inits_total",
			Help:      "Workspace initializations.",
		}, []string{"status"}),

		ToolchainOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "toolchain",
			Name:      "operations_total",
			Help:      "Toolchain install and uninstall operations.",
		}, []string{"op", "status"}),

		BuildDirPurgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "workspace",
			Name:      "build_dir_purges_total",
			Help:      "Build directory purges.",
		}, []string{"scope", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "buildbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.CommandExecutionsTotal,
		m.CommandDuration,
		m.CommandTimeoutsTotal,
		m.ActiveCommands,
		m.ImageResolutionsTotal,
		m.SandboxOperationsTotal,
		m.WorkspaceInitsTotal,
		m.ToolchainOperationsTotal,
		m.BuildDirPurgesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordCommand records one finished command.
func (m *MetricsCollector) RecordCommand(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandExecutionsTotal.WithLabelValues(mode, status).Inc()
	m.CommandDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordTimeout records a command killed by a timeout of the given kind
// ("hard" or "no_output").
func (m *MetricsCollector) RecordTimeout(mode, kind string) {
	if m == nil {
		return
	}
	m.CommandTimeoutsTotal.WithLabelValues(mode, kind).Inc()
}

// CommandStarted increments the active gauge and returns the matching decrement.
func (m *MetricsCollector) CommandStarted(mode string) func() {
	if m == nil {
		return func() {}
	}
	g := m.ActiveCommands.WithLabelValues(mode)
	g.Inc()
	return g.Dec
}

func (m *MetricsCollector) RecordImageResolution(kind string, err error) {
	if m == nil {
		return
	}
	m.ImageResolutionsTotal.WithLabelValues(kind, statusOf(err)).Inc()
}

func (m *MetricsCollector) RecordSandboxOp(op string, err error) {
	if m == nil {
		return
	}
	m.SandboxOperationsTotal.WithLabelValues(op, statusOf(err)).Inc()
}

func (m *MetricsCollector) RecordWorkspaceInit(err error) {
	if m == nil {
		return
	}
	m.WorkspaceInitsTotal.WithLabelValues(statusOf(err)).Inc()
}

func (m *MetricsCollector) RecordToolchainOp(op string, err error) {
	if m == nil {
		return
	}
	m.ToolchainOperationsTotal.WithLabelValues(op, statusOf(err)).Inc()
}

// RecordPurge records a build directory purge; scope is "one" or "all".
func (m *MetricsCollector) RecordPurge(scope string, err error) {
	if m == nil {
		return
	}
	m.BuildDirPurgesTotal.WithLabelValues(scope, statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
