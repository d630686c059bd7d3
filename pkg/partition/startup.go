package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/unijord/partition/pkg/bootstrap"
	"github.com/unijord/partition/pkg/commit"
	"github.com/unijord/partition/pkg/journal"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/statedb"
	"github.com/unijord/partition/pkg/transition"
)

func startupSteps() []bootstrap.Step[*Partition] {
	return []bootstrap.Step[*Partition]{
		bootstrap.NewStep("directories", startDirectories, nil),
		bootstrap.NewStep("lane", startLane, stopLane),
		bootstrap.NewStep("snapshot-store", openSnapshotStore, closeSnapshotStore),
		bootstrap.NewStep("journal", openJournal, closeJournal),
		bootstrap.NewStep("log-compaction", startCompaction, stopCompaction),
		bootstrap.NewStep("state-controller", createController, closeController),
		bootstrap.NewStep("messaging", connectMessaging, closeMessaging),
		bootstrap.NewStep("transition", createTransition, closeTransition),
	}
}

func startDirectories(_ context.Context, p *Partition) (*Partition, error) {
	if err := os.MkdirAll(p.cfg.partitionDir(), 0o755); err != nil {
		return p, err
	}
	return p, nil
}

func startLane(_ context.Context, p *Partition) (*Partition, error) {
	p.lane.Start()
	return p, nil
}

func stopLane(_ context.Context, p *Partition) (*Partition, error) {
	p.lane.Stop()
	return p, nil
}

func openSnapshotStore(_ context.Context, p *Partition) (*Partition, error) {
	store, err := snapshot.Open(snapshot.Config{Dir: p.cfg.snapshotDir(), Logger: p.logger})
	if err != nil {
		return p, err
	}
	p.store = store
	return p, nil
}

func closeSnapshotStore(_ context.Context, p *Partition) (*Partition, error) {
	return p, p.store.Close()
}

func openJournal(_ context.Context, p *Partition) (*Partition, error) {
	log, err := journal.Open(p.cfg.journalPath(),
		journal.WithCompactionBound(p.bound),
		journal.WithLogger(p.logger))
	if err != nil {
		return p, err
	}
	p.journal = log
	p.listener.Store(commit.NewListener(p.awaiter, log, p.logger))
	return p, nil
}

func closeJournal(_ context.Context, p *Partition) (*Partition, error) {
	p.listener.Store(nil)
	return p, p.journal.Close()
}

// startCompaction ties log compaction to snapshot retention: the journal may
// only be compacted up to the newest persisted snapshot.
func startCompaction(_ context.Context, p *Partition) (*Partition, error) {
	if latest, ok := p.store.Latest(); ok {
		p.bound.Set(latest.Index(), latest.Term())
	}
	p.removeCompaction = p.store.AddListener(func(s *snapshot.Persisted) {
		p.bound.Set(s.Index(), s.Term())
		p.logger.Debug("advanced compaction bound", "index", s.Index(), "term", s.Term())
	})
	return p, nil
}

func stopCompaction(_ context.Context, p *Partition) (*Partition, error) {
	p.removeCompaction()
	return p, nil
}

func createController(_ context.Context, p *Partition) (*Partition, error) {
	p.controller = statedb.New(statedb.Config{
		RuntimeDir: p.cfg.runtimeDir(),
		Store:      p.store,
		Entries:    p.journal,
		Exported:   p.deps.Exported,
		Logger:     p.logger,
	})
	return p, nil
}

func closeController(_ context.Context, p *Partition) (*Partition, error) {
	return p, p.controller.Close()
}

func connectMessaging(_ context.Context, p *Partition) (*Partition, error) {
	if p.deps.Conn != nil {
		p.conn = p.deps.Conn
		return p, nil
	}
	if p.cfg.Replication.URL == "" {
		p.logger.Info("snapshot replication disabled, no NATS url configured")
		return p, nil
	}

	conn, err := nats.Connect(p.cfg.Replication.URL,
		nats.Name("partition-"+p.cfg.PartitionID+"-"+p.cfg.NodeID),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1))
	if err != nil {
		return p, fmt.Errorf("connect nats: %w", err)
	}
	p.conn = conn
	p.ownsConn = true
	return p, nil
}

func closeMessaging(_ context.Context, p *Partition) (*Partition, error) {
	if p.ownsConn && p.conn != nil {
		p.conn.Close()
	}
	return p, nil
}

func createTransition(_ context.Context, p *Partition) (*Partition, error) {
	p.engine = transition.New(
		transitionSteps(p),
		transition.NewContext(p.cfg.PartitionID),
		p.logger,
		transition.WithMetrics(p.deps.Metrics))
	return p, nil
}

// closeTransition leaves the partition inactive before rejecting further
// transitions.
func closeTransition(ctx context.Context, p *Partition) (*Partition, error) {
	var errs []error
	if _, err := p.engine.ToInactive().Wait(ctx); err != nil && !errors.Is(err, transition.ErrTransitionCancelled) {
		errs = append(errs, fmt.Errorf("transition to inactive: %w", err))
	}
	if err := p.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return p, errors.Join(errs...)
}
