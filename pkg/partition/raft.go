package partition

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/unijord/partition/pkg/replication"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/transition"
)

// maxFrameSize bounds a single chunk frame read during Restore.
const maxFrameSize = 64 << 20

// FSM adapts a partition to raft.FSM.
//
// Apply feeds committed entries to the commit listener. Raft snapshots carry
// the newest persisted partition snapshot, chunked the same way snapshot
// replication chunks it, so a node catching up through InstallSnapshot ends
// up with the same snapshot directory as one that received it over NATS.
type FSM struct {
	p *Partition
}

// NewFSM returns the raft state machine of p.
func NewFSM(p *Partition) *FSM {
	return &FSM{p: p}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.p.OnCommit(log)
	return nil
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	latest, _ := f.p.store.Latest()
	return &fsmSnapshot{
		persisted: latest,
		chunkSize: f.p.cfg.Replication.ChunkSize,
	}, nil
}

// Restore implements raft.FSM. A snapshot that is not newer than the local
// one is ignored.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	r := bufio.NewReader(rc)
	assembler := replication.NewAssembler(f.p.store)
	defer assembler.Abort()

	var restored *snapshot.Persisted
	for {
		frame, err := readFrame(r)
		if err != nil {
			return fmt.Errorf("read snapshot frame: %w", err)
		}
		if frame == nil {
			break
		}

		c, err := replication.DecodeChunk(frame)
		if err != nil {
			return err
		}
		persisted, err := assembler.Add(c)
		if errors.Is(err, replication.ErrSkipped) {
			f.p.logger.Info("ignoring raft snapshot, local snapshot is newer",
				"snapshot_id", c.SnapshotID)
			_, _ = io.Copy(io.Discard, r)
			return nil
		}
		if err != nil {
			return err
		}
		if persisted != nil {
			restored = persisted
		}
	}

	if restored == nil {
		return nil
	}
	f.p.logger.Info("restored snapshot from raft", "snapshot_id", restored.ID().String())
	return f.p.reload(context.Background())
}

type fsmSnapshot struct {
	persisted *snapshot.Persisted
	chunkSize int
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.write(sink); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) write(w io.Writer) error {
	if s.persisted != nil {
		err := replication.ForEachChunk(s.persisted, uuid.NewString(), s.chunkSize, func(c replication.Chunk) error {
			return writeFrame(w, replication.EncodeChunk(c))
		})
		if err != nil {
			return err
		}
	}
	return writeFrame(w, nil)
}

func (s *fsmSnapshot) Release() {}

// Frames are a big endian uint32 length followed by the encoded chunk. A zero
// length ends the stream.
func writeFrame(w io.Writer, frame []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(frame)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	if len(frame) == 0 {
		return nil
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// reload rebuilds role services on top of a newly installed snapshot. A
// reload superseded by a newer role change is not an error.
func (p *Partition) reload(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	_, err := p.engine.Reload().Wait(ctx)
	if errors.Is(err, transition.ErrTransitionCancelled) {
		return nil
	}
	return err
}

// RaftSnapshotStore creates raft snapshots at the index of the newest
// persisted partition snapshot instead of the applied index.
//
// Raft assumes the applied index is durable once it snapshots. For a
// partition only entries covered by a persisted snapshot are: the state
// database is rebuilt from that snapshot and replays everything after it.
type RaftSnapshotStore struct {
	inner raft.SnapshotStore
	bound SnapshotBound
}

// SnapshotBound returns the index and term of the newest persisted snapshot,
// or zero when there is none. *journal.CompactionBound implements it.
type SnapshotBound interface {
	Get() (index, term uint64)
}

// NewRaftSnapshotStore wraps inner, reading the snapshot index from bound.
func NewRaftSnapshotStore(inner raft.SnapshotStore, bound SnapshotBound) *RaftSnapshotStore {
	return &RaftSnapshotStore{inner: inner, bound: bound}
}

// Create implements raft.SnapshotStore.
func (s *RaftSnapshotStore) Create(
	version raft.SnapshotVersion,
	index, term uint64,
	configuration raft.Configuration,
	configurationIndex uint64,
	trans raft.Transport,
) (raft.SnapshotSink, error) {
	boundIndex, boundTerm := s.bound.Get()
	if boundIndex > 0 && boundIndex <= index {
		index = boundIndex
		term = boundTerm
	}
	return s.inner.Create(version, index, term, configuration, configurationIndex, trans)
}

// List implements raft.SnapshotStore.
func (s *RaftSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return s.inner.List()
}

// Open implements raft.SnapshotStore.
func (s *RaftSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	return s.inner.Open(id)
}

var (
	_ raft.FSM           = (*FSM)(nil)
	_ raft.SnapshotStore = (*RaftSnapshotStore)(nil)
)
