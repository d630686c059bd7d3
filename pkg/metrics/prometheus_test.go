package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNop_ImplementsSink(t *testing.T) {
	var s Sink = NewNop()
	require.NotPanics(t, func() {
		s.ObserveSnapshotDuration("1", 0.5)
		s.RecordSnapshot("1", OutcomePersisted)
		s.SetSnapshotSize("1", 10, 1)
		s.SetSnapshotHealth("1", true)
		s.ObserveTransitionStep("1", "director", "leader", 0.1)
		s.SetRole("1", "leader")
		s.RecordReplicatedChunk("1", "sent")
	})
}

func TestPrometheus_Snapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordSnapshot("1", OutcomePersisted)
	p.RecordSnapshot("1", OutcomePersisted)
	p.RecordSnapshot("1", OutcomeFailed)
	p.SetSnapshotSize("1", 4096, 2)
	p.SetSnapshotHealth("1", false)
	p.ObserveSnapshotDuration("1", 0.25)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.snapshotOutcomes.WithLabelValues("1", OutcomePersisted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.snapshotOutcomes.WithLabelValues("1", OutcomeFailed)))
	assert.Equal(t, 4096.0, testutil.ToFloat64(p.snapshotBytes.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.snapshotFiles.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.snapshotHealth.WithLabelValues("1")))

	p.SetSnapshotHealth("1", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.snapshotHealth.WithLabelValues("1")))

	count, err := testutil.GatherAndCount(reg, "test_snapshot_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheus_RoleIsExclusive(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "")

	p.SetRole("3", "leader")
	p.SetRole("3", "follower")

	assert.Equal(t, 0.0, testutil.ToFloat64(p.role.WithLabelValues("3", "leader")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.role.WithLabelValues("3", "follower")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.role.WithLabelValues("3", "inactive")))
}

func TestPrometheus_ReplicationAndTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	p.RecordReplicatedChunk("2", "sent")
	p.RecordReplicatedChunk("2", "sent")
	p.ObserveTransitionStep("2", "statedb", "leader", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.replicatedChunks.WithLabelValues("2", "sent")))
	count, err := testutil.GatherAndCount(reg, "partition_transition_step_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
