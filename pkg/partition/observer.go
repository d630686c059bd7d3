package partition

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/unijord/partition/pkg/lane"
	"github.com/unijord/partition/pkg/transition"
)

// RaftNode is the part of *raft.Raft the RoleObserver uses.
type RaftNode interface {
	State() raft.RaftState
	Stats() map[string]string
	RegisterObserver(*raft.Observer)
	DeregisterObserver(*raft.Observer)
}

// RoleTarget receives role changes. *Partition implements it.
type RoleTarget interface {
	ToLeader(term uint64) *lane.Future[struct{}]
	ToFollower(term uint64) *lane.Future[struct{}]
	ToInactive() *lane.Future[struct{}]
}

// RoleObserver translates raft state changes into partition transitions.
// Candidates are followers; a shut down node is inactive.
type RoleObserver struct {
	node   RaftNode
	target RoleTarget
	logger *slog.Logger

	ch       chan raft.Observation
	observer *raft.Observer

	lastRole transition.Role
	lastTerm uint64
	applied  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRoleObserver creates an observer of node driving target.
func NewRoleObserver(node RaftNode, target RoleTarget, logger *slog.Logger) *RoleObserver {
	if logger == nil {
		logger = slog.Default()
	}
	ch := make(chan raft.Observation, 16)
	return &RoleObserver{
		node:   node,
		target: target,
		logger: logger.With("component", "role-observer"),
		ch:     ch,
		observer: raft.NewObserver(ch, false, func(o *raft.Observation) bool {
			_, ok := o.Data.(raft.RaftState)
			return ok
		}),
		stopCh: make(chan struct{}),
	}
}

// Start applies the current raft state and follows its changes.
func (o *RoleObserver) Start() {
	o.node.RegisterObserver(o.observer)
	o.apply(o.node.State())

	o.wg.Add(1)
	go o.run()
}

// Stop stops following raft. It does not change the partition role.
func (o *RoleObserver) Stop() {
	o.stopOnce.Do(func() {
		o.node.DeregisterObserver(o.observer)
		close(o.stopCh)
	})
	o.wg.Wait()
}

func (o *RoleObserver) run() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopCh:
			return
		case obs := <-o.ch:
			state, ok := obs.Data.(raft.RaftState)
			if !ok {
				continue
			}
			o.apply(state)
		}
	}
}

func (o *RoleObserver) apply(state raft.RaftState) {
	role := roleOf(state)
	term := o.term()
	if o.applied && role == o.lastRole && term == o.lastTerm {
		return
	}
	o.applied = true
	o.lastRole, o.lastTerm = role, term

	o.logger.Info("raft state changed", "raft_state", state.String(), "role", role.String(), "term", term)

	var f *lane.Future[struct{}]
	switch role {
	case transition.RoleLeader:
		f = o.target.ToLeader(term)
	case transition.RoleFollower:
		f = o.target.ToFollower(term)
	default:
		f = o.target.ToInactive()
	}
	f.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			o.logger.Warn("role transition failed", "role", role.String(), "term", term, "error", err)
		}
	})
}

func (o *RoleObserver) term() uint64 {
	term, err := strconv.ParseUint(o.node.Stats()["term"], 10, 64)
	if err != nil {
		return 0
	}
	return term
}

func roleOf(state raft.RaftState) transition.Role {
	switch state {
	case raft.Leader:
		return transition.RoleLeader
	case raft.Follower, raft.Candidate:
		return transition.RoleFollower
	default:
		return transition.RoleInactive
	}
}
