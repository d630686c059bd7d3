// Package commit turns commit notifications of the replicated log into
// position keyed waits.
package commit

import (
	"github.com/unijord/partition/pkg/lane"
	"github.com/unijord/partition/pkg/stream"
)

// registry holds at most one waiter per exact position. It is not safe for
// concurrent use; Awaiter confines it to a lane.
type registry struct {
	commitPosition int64
	waiters        map[int64]*lane.Future[struct{}]
}

func newRegistry() *registry {
	return &registry{
		commitPosition: stream.Unset,
		waiters:        make(map[int64]*lane.Future[struct{}]),
	}
}

func (r *registry) wait(position int64) *lane.Future[struct{}] {
	f := lane.NewFuture[struct{}]()
	if position <= r.commitPosition {
		f.Complete(struct{}{})
		return f
	}
	// A second waiter on the same position replaces the first one, which is
	// then never completed.
	r.waiters[position] = f
	return f
}

func (r *registry) commit(position int64) {
	if position > r.commitPosition {
		r.commitPosition = position
	}
	for p, f := range r.waiters {
		if p <= position {
			delete(r.waiters, p)
			f.Complete(struct{}{})
		}
	}
}

// Awaiter resolves waits once the commit position reaches them. All state is
// owned by the partition lane.
type Awaiter struct {
	lane *lane.Lane
	reg  *registry
}

// NewAwaiter returns an awaiter bound to l.
func NewAwaiter(l *lane.Lane) *Awaiter {
	return &Awaiter{lane: l, reg: newRegistry()}
}

// WaitForCommit returns a future completed once the commit position is at or
// above position. There is no timeout.
func (a *Awaiter) WaitForCommit(position int64) *lane.Future[struct{}] {
	f := lane.NewFuture[struct{}]()
	if err := a.lane.Submit(func() {
		a.reg.wait(position).OnComplete(func(v struct{}, err error) {
			f.Complete(v)
		})
	}); err != nil {
		f.Fail(err)
	}
	return f
}

// OnCommit advances the commit position and completes every waiter at or
// below it.
func (a *Awaiter) OnCommit(position int64) {
	_ = a.lane.Submit(func() {
		a.reg.commit(position)
	})
}

// CommitPosition returns the commit position as seen by the lane.
func (a *Awaiter) CommitPosition() *lane.Future[int64] {
	return lane.Call(a.lane, func() (int64, error) {
		return a.reg.commitPosition, nil
	})
}
