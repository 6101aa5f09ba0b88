package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Daemon metrics collectors
var (
	// IPMI

	IPMIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbmc_ipmi_requests_total",
			Help: "Total number of IPMI commands answered, by command and completion code",
		},
		[]string{"command", "completion_code"},
	)

	IPMIPacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbmc_ipmi_packets_dropped_total",
			Help: "Total number of inbound packets dropped without a reply",
		},
		[]string{"reason"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pbmc_ipmi_active_sessions",
			Help: "Number of open RMCP+ sessions per emulated BMC",
		},
		[]string{"vmid"},
	)

	// Hypervisor

	HypervisorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbmc_hypervisor_requests_total",
			Help: "Total number of Proxmox API requests, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	HypervisorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbmc_hypervisor_request_duration_seconds",
			Help:    "Proxmox API request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// State machine

	MachineRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbmc_machine_retries_total",
			Help: "Total number of retried hypervisor mutations, by error kind",
		},
		[]string{"kind"},
	)

	MachineOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbmc_machine_operations_total",
			Help: "Total number of completed power and boot operations",
		},
		[]string{"operation", "status"},
	)

	// Registry

	RunningInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbmc_running_instances",
			Help: "Number of emulated BMCs with a live listener",
		},
	)

	InstanceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbmc_instance_failures_total",
			Help: "Total number of listeners that exited unexpectedly",
		},
	)
)
