// Package director produces persisted snapshots of a partition, periodically
// and on request.
//
// An attempt runs as a chain of continuations on the partition lane:
//
//	processed position -> transient snapshot -> written position
//	  -> commit wait (processing mode only) -> persist
//
// Blocking calls run on their own goroutine and hop back onto the lane, so
// the lane is never blocked and at most one attempt is in flight. A snapshot
// is persisted only once the commit position has reached the last written
// position observed after the transient copy.
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/unijord/partition/pkg/health"
	"github.com/unijord/partition/pkg/lane"
	"github.com/unijord/partition/pkg/metrics"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/stream"
)

// DefaultPeriod is the snapshot period used when none is configured.
const DefaultPeriod = 5 * time.Minute

var (
	// ErrClosed is returned for attempts requested after or cut short by Close.
	ErrClosed = errors.New("snapshot director is closed")
)

// TransientTaker creates transient snapshots of the state database.
type TransientTaker interface {
	TakeTransientSnapshot(lowerBound int64) (*snapshot.Transient, error)
}

// CommitWaiter resolves once a position is committed.
type CommitWaiter interface {
	WaitForCommit(position int64) *lane.Future[struct{}]
}

// Config holds director configuration.
type Config struct {
	Partition  string
	Lane       *lane.Lane
	Controller TransientTaker
	Processor  stream.Processor
	Awaiter    CommitWaiter
	// Mode selects replay mode, which persists without waiting for commit.
	Mode stream.Mode
	// Period between scheduled snapshots. Defaults to DefaultPeriod.
	Period  time.Duration
	Metrics metrics.Sink
	Logger  *slog.Logger
}

// attempt is one run of the snapshot pipeline.
type attempt struct {
	start     time.Time
	result    *lane.Future[*snapshot.Persisted]
	forced    bool
	processed int64
	written   int64
	transient *snapshot.Transient
}

// Director schedules and runs snapshot attempts. Everything but State and
// Health is confined to the lane.
type Director struct {
	partition  string
	lane       *lane.Lane
	controller TransientTaker
	processor  stream.Processor
	awaiter    CommitWaiter
	mode       stream.Mode
	period     time.Duration
	metrics    metrics.Sink
	health     *health.Monitor
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// lane owned
	current *attempt
	timer   *time.Timer
	closed  bool
}

// New creates a director. Call Start to schedule periodic snapshots.
func New(cfg Config) *Director {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Director{
		partition:  cfg.Partition,
		lane:       cfg.Lane,
		controller: cfg.Controller,
		processor:  cfg.Processor,
		awaiter:    cfg.Awaiter,
		mode:       cfg.Mode,
		period:     cfg.Period,
		metrics:    cfg.Metrics,
		health:     health.NewMonitor("snapshot-director-" + cfg.Partition),
		logger: cfg.Logger.With(
			"component", "snapshot-director",
			"partition", cfg.Partition,
			"mode", cfg.Mode.String()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the first snapshot after a random delay within the period.
func (d *Director) Start() error {
	return d.lane.Submit(func() {
		if d.closed || d.timer != nil {
			return
		}
		delay := firstDelay(d.period, rand.Int64N)
		d.logger.Debug("scheduling first snapshot", "delay", delay)
		d.timer = d.lane.AfterFunc(delay, d.tick)
	})
}

// firstDelay spreads the first snapshot of many partitions over the period
// at minute granularity: a random whole number of minutes in [1, period).
func firstDelay(period time.Duration, int64n func(int64) int64) time.Duration {
	minutes := int64(period / time.Minute)
	if minutes <= 1 {
		return period
	}
	return time.Duration(1+int64n(minutes-1)) * time.Minute
}

func (d *Director) tick() {
	if d.closed {
		return
	}
	d.timer = d.lane.AfterFunc(d.period, d.tick)
	d.takeSnapshot(lane.NewFuture[*snapshot.Persisted](), false)
}

// ForceSnapshot runs a snapshot attempt now. The future resolves to the
// persisted snapshot, or nil if the attempt was skipped.
func (d *Director) ForceSnapshot() *lane.Future[*snapshot.Persisted] {
	result := lane.NewFuture[*snapshot.Persisted]()
	if err := d.lane.Submit(func() {
		if d.closed {
			result.Fail(ErrClosed)
			return
		}
		d.takeSnapshot(result, true)
	}); err != nil {
		result.Fail(err)
	}
	return result
}

// State returns the phase of the current attempt.
func (d *Director) State() State {
	return State(d.state.Load())
}

// Health returns the director's health monitor.
func (d *Director) Health() *health.Monitor {
	return d.health
}

// Mode returns the stream mode the director runs in.
func (d *Director) Mode() stream.Mode {
	return d.mode
}

func (d *Director) setState(s State) {
	d.state.Store(int32(s))
}

func (d *Director) takeSnapshot(result *lane.Future[*snapshot.Persisted], forced bool) {
	if d.current != nil {
		d.logger.Debug("snapshot already in progress, skipping",
			"state", d.State().String())
		result.Complete(nil)
		return
	}

	a := &attempt{start: time.Now(), result: result, forced: forced}
	d.current = a
	d.setState(StateTakingTransient)

	lane.Go(func() (int64, error) {
		return d.processor.LastProcessedPosition(d.ctx)
	}).OnCompleteIn(d.lane, func(processed int64, err error) {
		d.onProcessedPosition(a, processed, err)
	})
}

func (d *Director) onProcessedPosition(a *attempt, processed int64, err error) {
	if d.current != a {
		return
	}
	if err != nil {
		d.fail(a, fmt.Errorf("query processed position: %w", err))
		return
	}
	if processed == stream.Unset {
		d.skip(a, "nothing processed yet")
		return
	}
	a.processed = processed

	lane.Go(func() (*snapshot.Transient, error) {
		return d.controller.TakeTransientSnapshot(processed)
	}).OnCompleteIn(d.lane, func(t *snapshot.Transient, err error) {
		d.onTransient(a, t, err)
	})
}

func (d *Director) onTransient(a *attempt, t *snapshot.Transient, err error) {
	if d.current != a {
		if t != nil {
			_ = t.Abort()
		}
		return
	}
	if errors.Is(err, snapshot.ErrSnapshotExists) {
		d.skip(a, "snapshot for this position already exists")
		return
	}
	if err != nil {
		d.fail(a, fmt.Errorf("take transient snapshot: %w", err))
		return
	}
	if t == nil {
		d.skip(a, "no committed log entry for the snapshot position")
		return
	}
	a.transient = t

	lane.Go(func() (int64, error) {
		return d.processor.LastWrittenPosition(d.ctx)
	}).OnCompleteIn(d.lane, func(written int64, err error) {
		d.onWrittenPosition(a, written, err)
	})
}

func (d *Director) onWrittenPosition(a *attempt, written int64, err error) {
	if d.current != a {
		return
	}
	if err != nil {
		d.fail(a, fmt.Errorf("query written position: %w", err))
		return
	}
	a.written = written

	if d.mode == stream.ModeReplay {
		d.persist(a)
		return
	}

	d.setState(StateWaitingForCommit)
	d.logger.Debug("waiting for commit",
		"snapshot_id", a.transient.ID().String(),
		"written_position", written)
	d.awaiter.WaitForCommit(written).OnCompleteIn(d.lane, func(_ struct{}, err error) {
		if d.current != a {
			return
		}
		if err != nil {
			d.fail(a, fmt.Errorf("wait for commit of position %d: %w", written, err))
			return
		}
		d.persist(a)
	})
}

type persistResult struct {
	persisted *snapshot.Persisted
	size      int64
	files     int
}

func (d *Director) persist(a *attempt) {
	d.setState(StatePersisting)

	transient := a.transient
	lane.Go(func() (persistResult, error) {
		p, err := transient.Persist()
		if err != nil {
			return persistResult{}, err
		}
		res := persistResult{persisted: p}
		if names, err := p.Files(); err == nil {
			res.files = len(names)
		}
		if size, err := p.Size(); err == nil {
			res.size = size
		}
		return res, nil
	}).OnCompleteIn(d.lane, func(res persistResult, err error) {
		if d.current != a {
			return
		}
		if err != nil {
			// Persist already removed the pending directory.
			a.transient = nil
			if errors.Is(err, snapshot.ErrSnapshotExists) {
				d.skip(a, "newer snapshot already persisted")
				return
			}
			d.fail(a, fmt.Errorf("persist snapshot: %w", err))
			return
		}
		d.succeed(a, res)
	})
}

func (d *Director) succeed(a *attempt, res persistResult) {
	d.current = nil
	d.setState(StateIdle)

	d.metrics.ObserveSnapshotDuration(d.partition, time.Since(a.start).Seconds())
	d.metrics.RecordSnapshot(d.partition, metrics.OutcomePersisted)
	d.metrics.SetSnapshotSize(d.partition, res.size, res.files)
	d.metrics.SetSnapshotHealth(d.partition, true)
	d.health.ReportHealthy()

	d.logger.Info("snapshot persisted",
		"snapshot_id", res.persisted.ID().String(),
		"processed_position", a.processed,
		"written_position", a.written,
		"forced", a.forced,
		"duration", time.Since(a.start))
	a.result.Complete(res.persisted)
}

func (d *Director) skip(a *attempt, reason string) {
	d.current = nil
	d.setState(StateIdle)
	d.metrics.RecordSnapshot(d.partition, metrics.OutcomeSkipped)
	d.logger.Debug("skipping snapshot", "reason", reason)
	a.result.Complete(nil)
}

func (d *Director) fail(a *attempt, cause error) {
	d.current = nil
	d.setState(StateAborted)

	if a.transient != nil {
		if err := a.transient.Abort(); err != nil && !errors.Is(err, snapshot.ErrNotPending) {
			d.logger.Warn("failed to abort transient snapshot",
				"snapshot_id", a.transient.ID().String(),
				"error", err)
		}
	}

	d.metrics.ObserveSnapshotDuration(d.partition, time.Since(a.start).Seconds())
	d.metrics.RecordSnapshot(d.partition, metrics.OutcomeFailed)
	if !errors.Is(cause, ErrClosed) {
		d.metrics.SetSnapshotHealth(d.partition, false)
		d.health.ReportFailure(cause)
		d.logger.Error("snapshot failed", "error", cause, "forced", a.forced)
	}
	a.result.Fail(cause)
}

// Close stops scheduling and fails the attempt in flight, discarding its
// transient snapshot. It blocks until the lane has processed the request.
func (d *Director) Close() error {
	done := lane.NewFuture[struct{}]()
	err := d.lane.Submit(func() {
		defer done.Complete(struct{}{})
		if d.closed {
			return
		}
		d.closed = true
		if d.timer != nil {
			d.timer.Stop()
		}
		if d.current != nil {
			d.fail(d.current, ErrClosed)
		}
		d.cancel()
		d.setState(StateIdle)
	})
	if err != nil {
		d.cancel()
		return nil
	}
	return done.Error()
}
