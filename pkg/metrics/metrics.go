package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindle_workers_total",
			Help: "Total number of registered workers by state",
		},
		[]string{"state"},
	)

	ApplicationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindle_applications_total",
			Help: "Total number of applications by state",
		},
		[]string{"state"},
	)

	DriversTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindle_drivers_total",
			Help: "Total number of drivers by state",
		},
		[]string{"state"},
	)

	ClusterCores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindle_cluster_cores",
			Help: "Cores offered by alive workers (kind=total) and granted to executors and drivers (kind=used)",
		},
		[]string{"kind"},
	)

	ClusterMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindle_cluster_memory_mb",
			Help: "Memory offered by alive workers (kind=total) and granted (kind=used) in MB",
		},
		[]string{"kind"},
	)

	// Master metrics
	MasterIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spindle_master_is_leader",
			Help: "Whether this master holds leadership (1 = leader, 0 = standby)",
		},
	)

	WorkersRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindle_workers_removed_total",
			Help: "Total number of workers removed by reason",
		},
		[]string{"reason"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_heartbeats_received_total",
			Help: "Total number of worker heartbeats received by the master",
		},
	)

	ExecutorsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_executors_launched_total",
			Help: "Total number of executors the master asked workers to launch",
		},
	)

	ExecutorStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindle_executor_state_changes_total",
			Help: "Total number of executor state changes reported by workers",
		},
		[]string{"state"},
	)

	DriversLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_drivers_launched_total",
			Help: "Total number of drivers the master asked workers to launch",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spindle_scheduling_latency_seconds",
			Help:    "Time taken by one master scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spindle_master_recovery_duration_seconds",
			Help:    "Time from leader election to completed recovery in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	// Messaging metrics
	ProtocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindle_protocol_violations_total",
			Help: "Total number of unexpected messages dropped by role",
		},
		[]string{"role"},
	)

	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindle_messages_dispatched_total",
			Help: "Total number of messages delivered to endpoints by kind",
		},
		[]string{"kind"},
	)

	AskTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_ask_timeouts_total",
			Help: "Total number of asks that expired before a reply arrived",
		},
	)

	// Transport metrics
	RegistrationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindle_registration_attempts_total",
			Help: "Total number of registration attempts by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	RunnersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spindle_worker_runners_active",
			Help: "Number of executor and driver processes hosted by this worker",
		},
		[]string{"kind"},
	)

	TasksLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_tasks_launched_total",
			Help: "Total number of tasks sent to executors by the driver backend",
		},
	)

	TransportBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_transport_bytes_written_total",
			Help: "Total number of bytes accepted by transport channels",
		},
	)

	TransportFramesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_transport_frames_written_total",
			Help: "Total number of frames written completely",
		},
	)

	TransportBackpressureWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spindle_transport_backpressure_waits_total",
			Help: "Total number of transfers that made no progress and had to wait",
		},
	)

	TransportReleaseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spindle_transport_release_failures_total",
			Help: "Total number of buffer release failures by resource",
		},
		[]string{"resource"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(DriversTotal)
	prometheus.MustRegister(ClusterCores)
	prometheus.MustRegister(ClusterMemoryMB)
	prometheus.MustRegister(MasterIsLeader)
	prometheus.MustRegister(WorkersRemoved)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(ExecutorsLaunched)
	prometheus.MustRegister(ExecutorStateChanges)
	prometheus.MustRegister(DriversLaunched)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(ProtocolViolations)
	prometheus.MustRegister(MessagesDispatched)
	prometheus.MustRegister(AskTimeouts)
	prometheus.MustRegister(RegistrationAttempts)
	prometheus.MustRegister(RunnersActive)
	prometheus.MustRegister(TasksLaunched)
	prometheus.MustRegister(TransportBytesWritten)
	prometheus.MustRegister(TransportFramesWritten)
	prometheus.MustRegister(TransportBackpressureWaits)
	prometheus.MustRegister(TransportReleaseFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
