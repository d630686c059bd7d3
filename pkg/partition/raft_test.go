package partition

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/partition/pkg/command"
	"github.com/unijord/partition/pkg/journal"
	"github.com/unijord/partition/pkg/transition"
)

type bufferSink struct {
	bytes.Buffer
	closed    bool
	cancelled bool
}

func (s *bufferSink) ID() string { return "buffer" }

func (s *bufferSink) Close() error {
	s.closed = true
	return nil
}

func (s *bufferSink) Cancel() error {
	s.cancelled = true
	return nil
}

type recordingSnapshotStore struct {
	lastCreateIndex uint64
	lastCreateTerm  uint64
	createCalls     int
}

func (s *recordingSnapshotStore) Create(
	_ raft.SnapshotVersion,
	index, term uint64,
	_ raft.Configuration,
	_ uint64,
	_ raft.Transport,
) (raft.SnapshotSink, error) {
	s.lastCreateIndex = index
	s.lastCreateTerm = term
	s.createCalls++
	return &bufferSink{}, nil
}

func (s *recordingSnapshotStore) List() ([]*raft.SnapshotMeta, error) { return nil, nil }

func (s *recordingSnapshotStore) Open(_ string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	return nil, io.NopCloser(&bytes.Buffer{}), nil
}

func TestRaftSnapshotStore_Create_OverridesIndexTerm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		boundIndex   uint64
		boundTerm    uint64
		appliedIndex uint64
		appliedTerm  uint64
		wantIndex    uint64
		wantTerm     uint64
	}{
		{
			name:         "overrides_with_snapshot_bound",
			boundIndex:   200,
			boundTerm:    5,
			appliedIndex: 400,
			appliedTerm:  7,
			wantIndex:    200,
			wantTerm:     5,
		},
		{
			name:         "uses_applied_without_snapshot",
			appliedIndex: 400,
			appliedTerm:  7,
			wantIndex:    400,
			wantTerm:     7,
		},
		{
			name:         "uses_applied_when_bound_ahead_of_applied",
			boundIndex:   300,
			boundTerm:    5,
			appliedIndex: 200,
			appliedTerm:  7,
			wantIndex:    200,
			wantTerm:     7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound := journal.NewCompactionBound()
			if tt.boundIndex > 0 {
				bound.Set(tt.boundIndex, tt.boundTerm)
			}

			inner := &recordingSnapshotStore{}
			store := NewRaftSnapshotStore(inner, bound)

			_, err := store.Create(raft.SnapshotVersionMax, tt.appliedIndex, tt.appliedTerm, raft.Configuration{}, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, 1, inner.createCalls)
			assert.Equal(t, tt.wantIndex, inner.lastCreateIndex)
			assert.Equal(t, tt.wantTerm, inner.lastCreateTerm)
		})
	}
}

func TestFrames_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("one")))
	require.NoError(t, writeFrame(&buf, []byte("two")))
	require.NoError(t, writeFrame(&buf, nil))

	for _, want := range []string{"one", "two"} {
		frame, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
	frame, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Nil(t, frame)

	_, err = readFrame(bytes.NewReader([]byte{0, 0, 0, 9, 'x'}))
	require.Error(t, err)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Replication.ChunkSize = 2048
	source, ps := startPartition(t, cfg, Dependencies{})
	wait(t, source.ToLeader(1))
	commitEntries(t, source, 1, [2]int64{1, 5}, [2]int64{6, 10})
	proc := ps.current(t)
	put(t, proc.db, "answer", "42")
	proc.set(7, 7)

	persisted, err := source.ForceSnapshot().Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)

	snap, err := NewFSM(source).Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)
	data := sink.Bytes()

	target, targetProcs := startPartition(t, testConfig(t.TempDir()), Dependencies{})
	wait(t, target.ToFollower(1))
	first := targetProcs.current(t)

	require.NoError(t, NewFSM(target).Restore(io.NopCloser(bytes.NewReader(data))))

	latest, ok := target.Store().Latest()
	require.True(t, ok)
	assert.Equal(t, persisted.ID(), latest.ID())
	assert.Equal(t, persisted.Checksum(), latest.Checksum())
	assert.Equal(t, persisted.Index(), target.CompactionBound().Index())

	// role services were rebuilt on top of the restored snapshot
	assert.True(t, first.closed.Load())
	assert.Equal(t, transition.RoleFollower, target.Role())
	assert.Equal(t, "42", get(t, targetProcs.current(t).db, "answer"))

	// restoring the same snapshot again is a no-op
	require.NoError(t, NewFSM(target).Restore(io.NopCloser(bytes.NewReader(data))))
	assert.Equal(t, 2, targetProcs.count())
}

func TestFSM_SnapshotWithoutPersisted(t *testing.T) {
	p, _ := startPartition(t, testConfig(t.TempDir()), Dependencies{})

	snap, err := NewFSM(p).Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	assert.Equal(t, []byte{0, 0, 0, 0}, sink.Bytes())

	require.NoError(t, NewFSM(p).Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	_, ok := p.Store().Latest()
	assert.False(t, ok)
}

func TestFSM_RestoreRejectsGarbage(t *testing.T) {
	p, _ := startPartition(t, testConfig(t.TempDir()), Dependencies{})

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("not a chunk")))
	require.Error(t, NewFSM(p).Restore(io.NopCloser(&buf)))
}

func TestRaft_CompactionRespectsPersistedSnapshot(t *testing.T) {
	p, ps := startPartition(t, testConfig(t.TempDir()), Dependencies{})

	snapshots := NewRaftSnapshotStore(raft.NewInmemSnapshotStore(), p.CompactionBound())
	addr, transport := raft.NewInmemTransport("")
	defer transport.Close()

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(addr)
	cfg.Logger = hclog.NewNullLogger()
	cfg.SnapshotInterval = 24 * time.Hour
	cfg.SnapshotThreshold = 1_000_000
	cfg.TrailingLogs = 0

	clusterConfig := raft.Configuration{
		Servers: []raft.Server{
			{Suffrage: raft.Voter, ID: cfg.LocalID, Address: addr},
		},
	}
	require.NoError(t, raft.BootstrapCluster(cfg, p.Journal(), p.Journal(), snapshots, transport, clusterConfig))

	r, err := raft.NewRaft(cfg, NewFSM(p), p.Journal(), p.Journal(), snapshots, transport)
	require.NoError(t, err)
	defer func() { _ = r.Shutdown().Error() }()

	observer := NewRoleObserver(r, p, nil)
	observer.Start()
	defer observer.Stop()

	require.Eventually(t, func() bool {
		return p.Role() == transition.RoleLeader
	}, 5*time.Second, 10*time.Millisecond)
	proc := ps.current(t)
	assert.Equal(t, transition.RoleLeader, proc.role)

	builder := command.NewBuilder()
	indexes := make([]uint64, 0, 400)
	for i := int64(0); i < 400; i++ {
		data, err := builder.BuildApplicationEntry(i*10, i*10+9, [][]byte{{0x1}})
		require.NoError(t, err)
		f := r.Apply(data, 5*time.Second)
		require.NoError(t, f.Error())
		indexes = append(indexes, f.Index())
	}

	// everything up to the 200th entry is in the state database
	proc.set(199*10+9, 199*10+9)
	persisted, err := p.ForceSnapshot().Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	bound := indexes[199]
	require.Equal(t, bound, persisted.Index())

	sf := r.Snapshot()
	require.NoError(t, sf.Error())
	meta, rc, err := sf.Open()
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, bound, meta.Index)

	require.Eventually(t, func() bool {
		first, err := p.Journal().FirstIndex()
		return err == nil && first == bound+1
	}, 5*time.Second, 10*time.Millisecond)

	require.Error(t, p.Journal().GetLog(bound, &raft.Log{}))
	require.NoError(t, p.Journal().GetLog(bound+1, &raft.Log{}))
	require.NoError(t, p.Journal().GetLog(indexes[399], &raft.Log{}))
}
