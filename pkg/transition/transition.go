// Package transition moves a partition between Leader, Follower and Inactive.
//
// A transition runs its steps in order. Every new request cancels the one in
// flight and queues behind it; before its own steps run, all steps are asked
// to prepare for the new role in reverse order, which tears down whatever the
// previous transition set up. Cancellation is cooperative: it is checked
// between steps, and the context handed to a running step is cancelled.
//
// A failed step fails the transition; steps that already ran are not rolled
// back until the next transition prepares them.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/unijord/partition/pkg/lane"
	"github.com/unijord/partition/pkg/metrics"
)

var (
	// ErrTransitionCancelled fails a transition superseded by a newer request.
	ErrTransitionCancelled = errors.New("transition cancelled by a newer transition")
	// ErrClosed is returned for transitions requested after Close.
	ErrClosed = errors.New("transition engine is closed")
)

// Step is one ordered unit of a transition.
type Step interface {
	Name() string
	// OnNewRoleAnnounced is called as soon as a transition is requested,
	// before it runs. It must not block.
	OnNewRoleAnnounced(pctx *Context, term uint64, role Role)
	// PrepareTransition tears down what the step holds that the next role
	// does not need. Steps are prepared in reverse order.
	PrepareTransition(ctx context.Context, pctx *Context, term uint64, role Role) error
	// TransitionTo brings the step into role.
	TransitionTo(ctx context.Context, pctx *Context, term uint64, role Role) error
}

// Listener is notified after a transition completed.
type Listener func(term uint64, role Role)

// Option configures a Transition.
type Option func(*Transition)

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(t *Transition) {
		t.metrics = sink
	}
}

type process struct {
	term   uint64
	role   Role
	// reset prepares every step for Inactive before transitioning, so
	// services are rebuilt even when term and role do not change.
	reset  bool
	ctx    context.Context
	cancel context.CancelFunc
	result *lane.Future[struct{}]
	done   chan struct{}

	cancelled atomic.Bool
}

func (p *process) cancelNow() {
	p.cancelled.Store(true)
	p.cancel()
}

// Transition is the transition engine of one partition.
type Transition struct {
	steps   []Step
	pctx    *Context
	logger  *slog.Logger
	metrics metrics.Sink

	mu          sync.Mutex
	active      *process
	tail        chan struct{}
	lastTerm    uint64
	lastRole    Role
	closed      bool
	listeners   *xsync.Map[uint64, Listener]
	listenerSeq atomic.Uint64
}

// New creates an engine running steps in the given order.
func New(steps []Step, pctx *Context, logger *slog.Logger, opts ...Option) *Transition {
	if logger == nil {
		logger = slog.Default()
	}

	tail := make(chan struct{})
	close(tail)

	t := &Transition{
		steps:     steps,
		pctx:      pctx,
		logger:    logger.With("component", "partition-transition", "partition", pctx.Partition()),
		metrics:   metrics.NewNop(),
		tail:      tail,
		lastTerm:  pctx.CurrentTerm(),
		lastRole:  pctx.CurrentRole(),
		listeners: xsync.NewMap[uint64, Listener](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Context returns the shared transition context.
func (t *Transition) Context() *Context {
	return t.pctx
}

// ToLeader transitions to leader of term.
func (t *Transition) ToLeader(term uint64) *lane.Future[struct{}] {
	return t.transitionTo(term, RoleLeader)
}

// ToFollower transitions to follower of term.
func (t *Transition) ToFollower(term uint64) *lane.Future[struct{}] {
	return t.transitionTo(term, RoleFollower)
}

// ToInactive transitions to inactive, keeping the last requested term.
func (t *Transition) ToInactive() *lane.Future[struct{}] {
	t.mu.Lock()
	term := t.lastTerm
	t.mu.Unlock()
	return t.transitionTo(term, RoleInactive)
}

// Reload rebuilds the services of the last requested term and role, e.g.
// after the state they were built from was replaced. It queues and cancels
// like any other request. Nothing happens when the last request was
// Inactive.
func (t *Transition) Reload() *lane.Future[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return lane.Failed[struct{}](ErrClosed)
	}
	if t.lastRole == RoleInactive {
		return lane.Completed(struct{}{})
	}
	return t.enqueueLocked(t.lastTerm, t.lastRole, true)
}

// AddListener registers l and returns a function removing it.
func (t *Transition) AddListener(l Listener) (remove func()) {
	id := t.listenerSeq.Add(1)
	t.listeners.Store(id, l)
	return func() { t.listeners.Delete(id) }
}

func (t *Transition) transitionTo(term uint64, role Role) *lane.Future[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return lane.Failed[struct{}](ErrClosed)
	}
	return t.enqueueLocked(term, role, false)
}

func (t *Transition) enqueueLocked(term uint64, role Role, reset bool) *lane.Future[struct{}] {
	t.logger.Info("transition requested", "term", term, "role", role.String(), "reset", reset)
	for _, step := range t.steps {
		step.OnNewRoleAnnounced(t.pctx, term, role)
	}

	if t.active != nil {
		t.active.cancelNow()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &process{
		term:   term,
		role:   role,
		reset:  reset,
		ctx:    ctx,
		cancel: cancel,
		result: lane.NewFuture[struct{}](),
		done:   make(chan struct{}),
	}
	previous := t.tail
	t.tail = p.done
	t.active = p
	t.lastTerm = term
	t.lastRole = role

	go t.run(p, previous)
	return p.result
}

func (t *Transition) run(p *process, previous <-chan struct{}) {
	defer close(p.done)
	defer p.cancel()
	<-previous

	err := t.execute(p)

	t.mu.Lock()
	if t.active == p {
		t.active = nil
	}
	t.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrTransitionCancelled) {
			t.logger.Info("transition cancelled", "term", p.term, "role", p.role.String())
		} else {
			t.logger.Error("transition failed",
				"term", p.term,
				"role", p.role.String(),
				"error", err)
		}
		p.result.Fail(err)
		return
	}

	t.pctx.set(p.term, p.role)
	t.metrics.SetRole(t.pctx.Partition(), p.role.String())
	t.logger.Info("transition completed", "term", p.term, "role", p.role.String())

	t.listeners.Range(func(_ uint64, l Listener) bool {
		l(p.term, p.role)
		return true
	})
	p.result.Complete(struct{}{})
}

func (t *Transition) execute(p *process) error {
	prepareRole := p.role
	if p.reset {
		prepareRole = RoleInactive
	}
	for i := len(t.steps) - 1; i >= 0; i-- {
		if p.cancelled.Load() {
			return ErrTransitionCancelled
		}
		step := t.steps[i]
		if err := step.PrepareTransition(p.ctx, t.pctx, p.term, prepareRole); err != nil {
			return fmt.Errorf("prepare step %s: %w", step.Name(), err)
		}
	}

	for _, step := range t.steps {
		if p.cancelled.Load() {
			return ErrTransitionCancelled
		}

		start := time.Now()
		err := step.TransitionTo(p.ctx, t.pctx, p.term, p.role)
		t.metrics.ObserveTransitionStep(t.pctx.Partition(), step.Name(), p.role.String(), time.Since(start).Seconds())
		if err != nil {
			if p.cancelled.Load() {
				return fmt.Errorf("%w: step %s: %w", ErrTransitionCancelled, step.Name(), err)
			}
			return fmt.Errorf("step %s to %s: %w", step.Name(), p.role, err)
		}
		t.logger.Debug("step transitioned",
			"step", step.Name(),
			"term", p.term,
			"role", p.role.String(),
			"duration", time.Since(start))
	}
	if p.cancelled.Load() {
		return ErrTransitionCancelled
	}
	return nil
}

// Close cancels the transition in flight, waits for queued transitions to
// finish and rejects new requests.
func (t *Transition) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	if t.active != nil {
		t.active.cancelNow()
	}
	tail := t.tail
	t.mu.Unlock()

	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
