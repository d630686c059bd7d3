// Package partition assembles the lifecycle of one partition: bootstrap,
// role transitions, snapshotting and snapshot replication.
//
// A Partition is started once. Consensus then drives it between roles with
// ToLeader, ToFollower and ToInactive (see RoleObserver for hashicorp/raft)
// and feeds it committed entries through OnCommit (see FSM). All snapshot
// and commit bookkeeping runs on a single lane per partition.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
	"github.com/nats-io/nats.go"
	bolt "go.etcd.io/bbolt"

	"github.com/unijord/partition/pkg/bootstrap"
	"github.com/unijord/partition/pkg/commit"
	"github.com/unijord/partition/pkg/director"
	"github.com/unijord/partition/pkg/health"
	"github.com/unijord/partition/pkg/journal"
	"github.com/unijord/partition/pkg/lane"
	"github.com/unijord/partition/pkg/metrics"
	"github.com/unijord/partition/pkg/replication"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/statedb"
	"github.com/unijord/partition/pkg/stream"
	"github.com/unijord/partition/pkg/transition"
)

var (
	// ErrNotStarted is returned before Start completed.
	ErrNotStarted = errors.New("partition is not started")
	// ErrInactive is returned by ForceSnapshot when no snapshot director runs.
	ErrInactive = errors.New("partition is inactive")
)

// StreamProcessor processes the records of a partition.
type StreamProcessor interface {
	stream.Processor
	Close() error
}

// ProcessorFactory creates the stream processor for a role on top of the
// open state database.
type ProcessorFactory func(ctx context.Context, db *bolt.DB, role transition.Role, mode stream.Mode) (StreamProcessor, error)

// Dependencies are the collaborators a partition does not own.
type Dependencies struct {
	NewProcessor ProcessorFactory
	// Exported returns the lowest position exporters still need.
	Exported stream.ExportedPositionFunc
	Metrics  metrics.Sink
	// Conn replaces the connection configured by Replication.URL.
	Conn   *nats.Conn
	Logger *slog.Logger
}

// Partition is one replica of a partition.
type Partition struct {
	cfg     Config
	deps    Dependencies
	logger  *slog.Logger
	process *bootstrap.Process[*Partition]

	lane    *lane.Lane
	bound   *journal.CompactionBound
	awaiter *commit.Awaiter

	// set during startup
	store            *snapshot.Store
	journal          *journal.Log
	controller       *statedb.Controller
	conn             *nats.Conn
	ownsConn         bool
	removeCompaction func()
	engine           *transition.Transition
	listener         atomic.Pointer[commit.Listener]
	started          atomic.Bool

	// owned by transition steps
	mu              sync.Mutex
	processor       StreamProcessor
	director        *director.Director
	publisher       *replication.Publisher
	removePublisher func()
	receiver        *replication.Receiver
}

// New validates cfg and prepares a partition. Nothing touches disk before Start.
func New(cfg Config, deps Dependencies) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.NewProcessor == nil {
		return nil, errors.New("partition: NewProcessor is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Exported == nil {
		deps.Exported = func() int64 { return stream.NoExporters }
	}

	logger := deps.Logger.With("partition", cfg.PartitionID, "node", cfg.NodeID)
	l := lane.New("partition-"+cfg.PartitionID, logger)

	p := &Partition{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "partition"),
		lane:    l,
		bound:   journal.NewCompactionBound(),
		awaiter: commit.NewAwaiter(l),
	}
	p.process = bootstrap.New(logger, startupSteps()...)
	return p, nil
}

// Start runs the startup steps. On failure everything started is shut
// down again and the partition can not be used.
func (p *Partition) Start(ctx context.Context) error {
	if _, err := p.process.Startup(ctx, p); err != nil {
		return fmt.Errorf("start partition %s: %w", p.cfg.PartitionID, err)
	}
	p.started.Store(true)
	return nil
}

// ToLeader transitions the partition to leader of term.
func (p *Partition) ToLeader(term uint64) *lane.Future[struct{}] {
	if !p.started.Load() {
		return lane.Failed[struct{}](ErrNotStarted)
	}
	return p.engine.ToLeader(term)
}

// ToFollower transitions the partition to follower of term.
func (p *Partition) ToFollower(term uint64) *lane.Future[struct{}] {
	if !p.started.Load() {
		return lane.Failed[struct{}](ErrNotStarted)
	}
	return p.engine.ToFollower(term)
}

// ToInactive stops all role specific services.
func (p *Partition) ToInactive() *lane.Future[struct{}] {
	if !p.started.Load() {
		return lane.Failed[struct{}](ErrNotStarted)
	}
	return p.engine.ToInactive()
}

// ForceSnapshot takes a snapshot now. The future resolves to nil when the
// attempt was skipped.
func (p *Partition) ForceSnapshot() *lane.Future[*snapshot.Persisted] {
	p.mu.Lock()
	d := p.director
	p.mu.Unlock()

	if d == nil {
		return lane.Failed[*snapshot.Persisted](ErrInactive)
	}
	return d.ForceSnapshot()
}

// OnCommit is called for every committed log entry.
func (p *Partition) OnCommit(log *raft.Log) {
	if l := p.listener.Load(); l != nil {
		l.OnCommit(log)
	}
}

// Role returns the role of the last completed transition.
func (p *Partition) Role() transition.Role {
	if !p.started.Load() {
		return transition.RoleInactive
	}
	return p.engine.Context().CurrentRole()
}

// Term returns the term of the last completed transition.
func (p *Partition) Term() uint64 {
	if !p.started.Load() {
		return 0
	}
	return p.engine.Context().CurrentTerm()
}

// SnapshotHealth returns the health of the snapshot director, or Healthy
// when none runs.
func (p *Partition) SnapshotHealth() health.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.director == nil {
		return health.Healthy
	}
	return p.director.Health().Status()
}

// Journal returns the partition log, for use as raft LogStore and StableStore.
func (p *Partition) Journal() *journal.Log {
	return p.journal
}

// CompactionBound returns the bound log compaction may not pass.
func (p *Partition) CompactionBound() *journal.CompactionBound {
	return p.bound
}

// Store returns the snapshot store.
func (p *Partition) Store() *snapshot.Store {
	return p.store
}

// Controller returns the state controller.
func (p *Partition) Controller() *statedb.Controller {
	return p.controller
}

// Close transitions to inactive and shuts down every startup step in
// reverse order.
func (p *Partition) Close(ctx context.Context) error {
	p.started.Store(false)
	_, err := p.process.Shutdown(ctx, p)
	if errors.Is(err, bootstrap.ErrAlreadyShutdown) {
		return nil
	}
	return err
}

// CloseAsync is Close with a background context, returning immediately.
func (p *Partition) CloseAsync() *lane.Future[struct{}] {
	return lane.Go(func() (struct{}, error) {
		return struct{}{}, p.Close(context.Background())
	})
}
