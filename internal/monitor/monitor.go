package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway Metrics
var (
	GatewayActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "termflux",
		Subsystem: "gateway",
		Name:      "active_connections",
		Help:      "Number of currently attached terminal connections",
	})

	GatewayFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termflux",
		Subsystem: "gateway",
		Name:      "frames_in_total",
		Help:      "Total client frames received",
	})

	GatewayFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termflux",
		Subsystem: "gateway",
		Name:      "frames_out_total",
		Help:      "Total output frames sent to clients",
	})

	GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termflux",
		Subsystem: "gateway",
		Name:      "reconnects_total",
		Help:      "Total successful session reattachments",
	})
)

// Container Driver Metrics
var (
	ProvisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "termflux",
		Subsystem: "driver",
		Name:      "provision_latency_seconds",
		Help:      "Latency of provisioning a workspace container",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	})

	ProvisionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termflux",
		Subsystem: "driver",
		Name:      "provision_errors_total",
		Help:      "Total number of workspace provisioning errors",
	})

	ManagedContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "termflux",
		Subsystem: "driver",
		Name:      "managed_containers",
		Help:      "Containers carrying the managed label at last sweep",
	})
)

// Workflow Metrics
var (
	WorkflowActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "termflux",
		Subsystem: "workflow",
		Name:      "active_runs",
		Help:      "Workflow runs currently held by workers",
	})

	WorkflowStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termflux",
		Subsystem: "workflow",
		Name:      "steps_total",
		Help:      "Total shell steps executed",
	})

	WorkflowStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "termflux",
		Subsystem: "workflow",
		Name:      "step_duration_seconds",
		Help:      "Wall-clock duration of shell steps",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	})
)
