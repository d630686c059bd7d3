package lane

import (
	"context"
	"sync"
)

// Future is a write-once result. The zero value is not usable, use NewFuture.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already resolved with v.
func Completed[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with v. Returns false if it was already resolved.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// Fail resolves the future with err. Returns false if it was already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.mu.Lock()
		f.value = v
		f.err = err
		callbacks := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range callbacks {
			cb(v, err)
		}
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result blocks until the future resolves.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Error blocks until the future resolves and returns its error, in the
// manner of raft.Future.
func (f *Future[T]) Error() error {
	<-f.done
	return f.err
}

// OnComplete registers fn to run once the future resolves. fn runs on the
// resolving goroutine, or immediately if the future is already resolved.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.value, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// OnCompleteIn is OnComplete with fn submitted to l instead of run inline.
func (f *Future[T]) OnCompleteIn(l *Lane, fn func(T, error)) {
	f.OnComplete(func(v T, err error) {
		_ = l.Submit(func() { fn(v, err) })
	})
}

// Go runs fn on a new goroutine and returns a future for its result.
// Blocking I/O is started with Go and continued on a lane with OnCompleteIn.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	}()
	return f
}
