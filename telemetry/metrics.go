package telemetry

// Histogram bucket definitions for coordinator latency profiles.
var (
	// LeaseRoundTripBuckets for single-row lease operations (take/renew/release).
	LeaseRoundTripBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// NodeLockBatchBuckets for batched node-lock operations.
	NodeLockBatchBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// NodeLockBatchSizeBuckets for the number of replicas touched by a
	// single node-lock batch.
	NodeLockBatchSizeBuckets = []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32}
)

// Lease (segment-lead registry) metrics.
var (
	// CoordinatorLeaseAcquireTotal counts TakeLead calls by
	// outcome=applied|conflict.
	CoordinatorLeaseAcquireTotal CounterVec = noopCounterVec{}

	// CoordinatorLeaseRenewTotal counts RenewLead calls by
	// outcome=applied|conflict.
	CoordinatorLeaseRenewTotal CounterVec = noopCounterVec{}

	// CoordinatorLeaseRoundTripSeconds measures lease operation latency by
	// operation=take|renew|release.
	CoordinatorLeaseRoundTripSeconds HistogramVec = noopHistogramVec{}
)

// Node-lock registry metrics.
var (
	// CoordinatorNodeLockBatchTotal counts batch operations by
	// operation=lock|renew|release and outcome=applied|conflict.
	CoordinatorNodeLockBatchTotal CounterVec = noopCounterVec{}

	// CoordinatorNodeLockBatchSize observes the replica count of each
	// node-lock batch.
	CoordinatorNodeLockBatchSize Histogram = NoopStat{}

	// CoordinatorNodeLockBatchSeconds measures node-lock batch latency.
	CoordinatorNodeLockBatchSeconds Histogram = NoopStat{}
)

// Live-instance directory metrics.
var (
	// CoordinatorRunningInstances reflects the last observed
	// count_running_reapers(), already clamped to >= 1.
	CoordinatorRunningInstances Gauge = NoopStat{}
)

// InitLeaseMetrics wires the package-level lease/node-lock/instance
// variables to real Prometheus collectors. Called once by
// InitializeTelemetry after it creates the registry, mirroring the teacher's pattern of constructing
// every metric eagerly at process start rather than lazily on first use.
func InitLeaseMetrics() {
	CoordinatorLeaseAcquireTotal = NewCounterVec("lease_acquire_total", "segment-lead take_lead calls by outcome", []string{"outcome"})
	CoordinatorLeaseRenewTotal = NewCounterVec("lease_renew_total", "segment-lead renew_lead calls by outcome", []string{"outcome"})
	CoordinatorLeaseRoundTripSeconds = NewHistogramVec("lease_round_trip_seconds", "lease operation latency", []string{"operation"}, LeaseRoundTripBuckets)

	CoordinatorNodeLockBatchTotal = NewCounterVec("node_lock_batch_total", "node-lock batch calls by operation and outcome", []string{"operation", "outcome"})
	CoordinatorNodeLockBatchSize = NewHistogramWithBuckets("node_lock_batch_size", "replica count per node-lock batch", NodeLockBatchSizeBuckets)
	CoordinatorNodeLockBatchSeconds = NewHistogramWithBuckets("node_lock_batch_seconds", "node-lock batch latency", NodeLockBatchBuckets)

	CoordinatorRunningInstances = NewGauge("running_instances", "count_running_reapers(), clamped to >= 1")
}
