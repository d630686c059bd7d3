// Package metrics defines the metrics sink injected into partition
// components, with a no-op and a Prometheus implementation.
package metrics

// Snapshot outcomes reported through RecordSnapshot.
const (
	OutcomePersisted = "persisted"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Sink receives partition lifecycle metrics. Implementations must be safe
// for concurrent use.
type Sink interface {
	// ObserveSnapshotDuration records the wall time of one snapshot attempt.
	ObserveSnapshotDuration(partition string, seconds float64)
	// RecordSnapshot counts a snapshot attempt by outcome.
	RecordSnapshot(partition, outcome string)
	// SetSnapshotSize records size and file count of the newest persisted snapshot.
	SetSnapshotSize(partition string, bytes int64, files int)
	// SetSnapshotHealth sets the snapshot health gauge.
	SetSnapshotHealth(partition string, healthy bool)
	// ObserveTransitionStep records how long a transition step took.
	ObserveTransitionStep(partition, step, role string, seconds float64)
	// SetRole records the role the partition transitioned to.
	SetRole(partition, role string)
	// RecordReplicatedChunk counts snapshot chunks sent or received.
	RecordReplicatedChunk(partition, direction string)
}
