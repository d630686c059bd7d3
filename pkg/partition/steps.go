package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unijord/partition/pkg/director"
	"github.com/unijord/partition/pkg/replication"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/stream"
	"github.com/unijord/partition/pkg/transition"
)

const publishTimeout = 30 * time.Second

func transitionSteps(p *Partition) []transition.Step {
	return []transition.Step{
		&stateDBStep{p: p},
		&processorStep{p: p},
		&directorStep{p: p},
		&replicationStep{p: p},
	}
}

// mustReset reports whether a step has to drop what it holds before moving
// to term and role.
func mustReset(pctx *transition.Context, term uint64, role transition.Role) bool {
	return role == transition.RoleInactive || pctx.CurrentTerm() != term || pctx.CurrentRole() != role
}

func modeFor(role transition.Role) stream.Mode {
	if role == transition.RoleLeader {
		return stream.ModeProcessing
	}
	return stream.ModeReplay
}

// stateDBStep recovers the state database from the latest snapshot whenever
// the partition becomes active.
type stateDBStep struct {
	p *Partition
}

func (s *stateDBStep) Name() string { return "state-db" }

func (s *stateDBStep) OnNewRoleAnnounced(*transition.Context, uint64, transition.Role) {}

func (s *stateDBStep) PrepareTransition(_ context.Context, pctx *transition.Context, term uint64, role transition.Role) error {
	if !mustReset(pctx, term, role) {
		return nil
	}
	return s.p.controller.Close()
}

func (s *stateDBStep) TransitionTo(_ context.Context, _ *transition.Context, _ uint64, role transition.Role) error {
	if role == transition.RoleInactive || s.p.controller.IsOpen() {
		return nil
	}
	return s.p.controller.Recover()
}

// roleAnnouncer is implemented by stream processors that want to know about
// a role change before it runs, e.g. to stop accepting new work.
type roleAnnouncer interface {
	OnNewRoleAnnounced(role transition.Role)
}

type processorStep struct {
	p *Partition
}

func (s *processorStep) Name() string { return "stream-processor" }

func (s *processorStep) OnNewRoleAnnounced(_ *transition.Context, _ uint64, role transition.Role) {
	s.p.mu.Lock()
	proc := s.p.processor
	s.p.mu.Unlock()

	if a, ok := proc.(roleAnnouncer); ok {
		a.OnNewRoleAnnounced(role)
	}
}

func (s *processorStep) PrepareTransition(_ context.Context, pctx *transition.Context, term uint64, role transition.Role) error {
	if !mustReset(pctx, term, role) {
		return nil
	}

	s.p.mu.Lock()
	proc := s.p.processor
	s.p.processor = nil
	s.p.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Close()
}

func (s *processorStep) TransitionTo(ctx context.Context, _ *transition.Context, _ uint64, role transition.Role) error {
	if role == transition.RoleInactive {
		return nil
	}

	// transitions run one at a time, so only role announcements race with this
	s.p.mu.Lock()
	exists := s.p.processor != nil
	s.p.mu.Unlock()
	if exists {
		return nil
	}

	proc, err := s.p.deps.NewProcessor(ctx, s.p.controller.DB(), role, modeFor(role))
	if err != nil {
		return fmt.Errorf("create stream processor: %w", err)
	}

	s.p.mu.Lock()
	s.p.processor = proc
	s.p.mu.Unlock()
	return nil
}

type directorStep struct {
	p *Partition
}

func (s *directorStep) Name() string { return "snapshot-director" }

func (s *directorStep) OnNewRoleAnnounced(*transition.Context, uint64, transition.Role) {}

func (s *directorStep) PrepareTransition(_ context.Context, pctx *transition.Context, term uint64, role transition.Role) error {
	if !mustReset(pctx, term, role) {
		return nil
	}

	s.p.mu.Lock()
	d := s.p.director
	s.p.director = nil
	s.p.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Close()
}

func (s *directorStep) TransitionTo(_ context.Context, _ *transition.Context, _ uint64, role transition.Role) error {
	if role == transition.RoleInactive {
		return nil
	}

	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.director != nil {
		return nil
	}
	if s.p.processor == nil {
		return errors.New("snapshot director needs a stream processor")
	}

	d := director.New(director.Config{
		Partition:  s.p.cfg.PartitionID,
		Lane:       s.p.lane,
		Controller: s.p.controller,
		Processor:  s.p.processor,
		Awaiter:    s.p.awaiter,
		Mode:       modeFor(role),
		Period:     s.p.cfg.SnapshotPeriod,
		Metrics:    s.p.deps.Metrics,
		Logger:     s.p.logger,
	})
	d.Health().AddListener(&healthLogger{p: s.p})
	if err := d.Start(); err != nil {
		return fmt.Errorf("start snapshot director: %w", err)
	}
	s.p.director = d
	return nil
}

type healthLogger struct {
	p *Partition
}

func (h *healthLogger) OnFailure(name string, cause error) {
	h.p.logger.Warn("partition component unhealthy", "component_name", name, "error", cause)
}

func (h *healthLogger) OnRecovered(name string) {
	h.p.logger.Info("partition component recovered", "component_name", name)
}

// replicationStep publishes persisted snapshots as leader and receives them
// as follower. It does nothing without a NATS connection.
type replicationStep struct {
	p *Partition
}

func (s *replicationStep) Name() string { return "snapshot-replication" }

func (s *replicationStep) OnNewRoleAnnounced(*transition.Context, uint64, transition.Role) {}

func (s *replicationStep) PrepareTransition(_ context.Context, pctx *transition.Context, term uint64, role transition.Role) error {
	if !mustReset(pctx, term, role) {
		return nil
	}

	s.p.mu.Lock()
	publisher, removePublisher, receiver := s.p.publisher, s.p.removePublisher, s.p.receiver
	s.p.publisher, s.p.removePublisher, s.p.receiver = nil, nil, nil
	s.p.mu.Unlock()

	if removePublisher != nil {
		removePublisher()
	}
	if publisher != nil {
		publisher.Close()
	}
	if receiver != nil {
		return receiver.Close()
	}
	return nil
}

func (s *replicationStep) TransitionTo(_ context.Context, _ *transition.Context, _ uint64, role transition.Role) error {
	if s.p.conn == nil || role == transition.RoleInactive {
		return nil
	}

	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.publisher != nil || s.p.receiver != nil {
		return nil
	}

	cfg := replication.Config{
		Partition:     s.p.cfg.PartitionID,
		Conn:          s.p.conn,
		SubjectPrefix: s.p.cfg.Replication.SubjectPrefix,
		ChunkSize:     s.p.cfg.Replication.ChunkSize,
		Metrics:       s.p.deps.Metrics,
		Logger:        s.p.logger,
	}

	if role == transition.RoleLeader {
		publisher := replication.NewPublisher(cfg)
		s.p.publisher = publisher
		s.p.removePublisher = s.p.store.AddListener(func(persisted *snapshot.Persisted) {
			go s.publish(publisher, persisted)
		})
		return nil
	}

	receiver := replication.NewReceiver(cfg, s.p.store)
	if err := receiver.Start(); err != nil {
		return err
	}
	s.p.receiver = receiver
	return nil
}

func (s *replicationStep) publish(publisher *replication.Publisher, persisted *snapshot.Persisted) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := publisher.Publish(ctx, persisted)
	if err != nil && !errors.Is(err, replication.ErrClosed) {
		s.p.logger.Warn("failed to replicate snapshot",
			"snapshot_id", persisted.ID().String(),
			"error", err)
	}
}
