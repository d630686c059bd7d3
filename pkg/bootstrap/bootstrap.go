// Package bootstrap runs a fixed list of startup steps once, threading a
// context value through them, and shuts the started steps down in reverse.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyStarted is returned when Startup is called more than once.
	ErrAlreadyStarted = errors.New("startup already ran")
	// ErrAlreadyShutdown is returned when Shutdown is called more than once.
	ErrAlreadyShutdown = errors.New("shutdown already ran")
)

// Step is one startup step. Startup returns the context value for the next
// step; Shutdown undoes Startup.
type Step[C any] interface {
	Name() string
	Startup(ctx context.Context, c C) (C, error)
	Shutdown(ctx context.Context, c C) (C, error)
}

type funcStep[C any] struct {
	name     string
	startup  func(context.Context, C) (C, error)
	shutdown func(context.Context, C) (C, error)
}

// NewStep builds a step from functions. A nil shutdown does nothing.
func NewStep[C any](name string, startup, shutdown func(context.Context, C) (C, error)) Step[C] {
	return &funcStep[C]{name: name, startup: startup, shutdown: shutdown}
}

func (s *funcStep[C]) Name() string {
	return s.name
}

func (s *funcStep[C]) Startup(ctx context.Context, c C) (C, error) {
	if s.startup == nil {
		return c, nil
	}
	return s.startup(ctx, c)
}

func (s *funcStep[C]) Shutdown(ctx context.Context, c C) (C, error) {
	if s.shutdown == nil {
		return c, nil
	}
	return s.shutdown(ctx, c)
}

// Process runs startup and shutdown of a partition.
type Process[C any] struct {
	steps  []Step[C]
	logger *slog.Logger

	mu         sync.Mutex
	started    int
	startupRan bool
	shutdown   bool
}

// New creates a process for steps in startup order.
func New[C any](logger *slog.Logger, steps ...Step[C]) *Process[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process[C]{
		steps:  steps,
		logger: logger.With("component", "bootstrap"),
	}
}

// Startup runs every step in order. If a step fails, the steps already
// started are shut down in reverse and the failure is returned.
func (p *Process[C]) Startup(ctx context.Context, c C) (C, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startupRan {
		return c, ErrAlreadyStarted
	}
	p.startupRan = true

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return c, p.abort(ctx, c, fmt.Errorf("startup interrupted before %s: %w", step.Name(), err))
		}

		start := time.Now()
		next, err := step.Startup(ctx, c)
		if err != nil {
			return c, p.abort(ctx, c, fmt.Errorf("startup step %s: %w", step.Name(), err))
		}
		c = next
		p.started++
		p.logger.Debug("startup step completed", "step", step.Name(), "duration", time.Since(start))
	}

	p.logger.Info("startup completed", "steps", len(p.steps))
	return c, nil
}

func (p *Process[C]) abort(ctx context.Context, c C, cause error) error {
	p.logger.Error("startup failed, shutting down started steps", "error", cause)
	if _, err := p.shutdownLocked(ctx, c); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Shutdown runs the shutdown of every started step in reverse order. All
// steps are shut down even if some fail; the failures are joined.
func (p *Process[C]) Shutdown(ctx context.Context, c C) (C, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdownLocked(ctx, c)
}

func (p *Process[C]) shutdownLocked(ctx context.Context, c C) (C, error) {
	if p.shutdown {
		return c, ErrAlreadyShutdown
	}
	p.shutdown = true

	var errs []error
	for i := p.started - 1; i >= 0; i-- {
		step := p.steps[i]
		next, err := step.Shutdown(ctx, c)
		if err != nil {
			p.logger.Warn("shutdown step failed", "step", step.Name(), "error", err)
			errs = append(errs, fmt.Errorf("shutdown step %s: %w", step.Name(), err))
			continue
		}
		c = next
	}
	p.started = 0
	return c, errors.Join(errs...)
}
