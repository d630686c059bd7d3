package lane

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when a task is submitted to a stopped lane.
	ErrClosed = errors.New("lane is closed")
)

// Lane is a single goroutine draining an unbounded FIFO of tasks.
type Lane struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	notify chan struct{}

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a lane. Tasks are accepted immediately but only run after Start.
func New(name string, logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}

	return &Lane{
		name:   name,
		logger: logger.With("component", "lane", "lane", name),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Name returns the lane name.
func (l *Lane) Name() string {
	return l.name
}

// Start launches the lane goroutine. Calling it again has no effect.
func (l *Lane) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run()
	})
}

// Stop rejects new tasks, runs everything already queued and waits for the
// lane goroutine to exit.
func (l *Lane) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stopCh)
	})
	l.wg.Wait()
}

// Submit enqueues a task. It never blocks.
func (l *Lane) Submit(task func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// AfterFunc submits task to the lane once d has elapsed. Stopping the
// returned timer before it fires prevents the submission.
func (l *Lane) AfterFunc(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if err := l.Submit(task); err != nil {
			l.logger.Debug("dropping timed task", "error", err)
		}
	})
}

func (l *Lane) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.notify:
			l.drain()
		case <-l.stopCh:
			l.drain()
			return
		}
	}
}

func (l *Lane) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range batch {
			l.execute(task)
		}
	}
}

func (l *Lane) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Call runs fn on the lane and returns a future for its result.
func Call[T any](l *Lane, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	if err := l.Submit(func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	}); err != nil {
		f.Fail(err)
	}
	return f
}
