package director

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/partition/pkg/commit"
	"github.com/unijord/partition/pkg/health"
	"github.com/unijord/partition/pkg/lane"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/stream"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed int64
	written   int64
	err       error
}

func (p *fakeProcessor) set(processed, written int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed, p.written = processed, written
}

func (p *fakeProcessor) LastProcessedPosition(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.err
}

func (p *fakeProcessor) LastWrittenPosition(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.err
}

type storeController struct {
	store *snapshot.Store
	index atomic.Uint64
	calls atomic.Int32

	mu   sync.Mutex
	err  error
	none bool
}

func (c *storeController) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *storeController) TakeTransientSnapshot(lowerBound int64) (*snapshot.Transient, error) {
	c.calls.Add(1)
	c.mu.Lock()
	err, none := c.err, c.none
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if none {
		return nil, nil
	}

	t, err := c.store.NewTransient(snapshot.ID{
		Index:             c.index.Add(1),
		Term:              1,
		ProcessedPosition: lowerBound,
		ExportedPosition:  stream.NoExporters,
	})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(t.Path(), "state.db"), []byte("state"), 0o600); err != nil {
		return nil, err
	}
	return t, nil
}

type fixture struct {
	dir        string
	lane       *lane.Lane
	store      *snapshot.Store
	processor  *fakeProcessor
	controller *storeController
	awaiter    *commit.Awaiter
	director   *Director
}

func newFixture(t *testing.T, mode stream.Mode, period time.Duration) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), processor: &fakeProcessor{processed: stream.Unset}}

	f.lane = lane.New("partition-1", nil)
	f.lane.Start()

	store, err := snapshot.Open(snapshot.Config{Dir: f.dir})
	require.NoError(t, err)
	f.store = store
	f.controller = &storeController{store: store}
	f.awaiter = commit.NewAwaiter(f.lane)

	f.director = New(Config{
		Partition:  "1",
		Lane:       f.lane,
		Controller: f.controller,
		Processor:  f.processor,
		Awaiter:    f.awaiter,
		Mode:       mode,
		Period:     period,
	})
	t.Cleanup(func() {
		f.director.Close()
		f.lane.Stop()
		store.Close()
	})
	return f
}

func (f *fixture) pending(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.dir, "pending"))
	require.NoError(t, err)
	return entries
}

func wait[T any](t *testing.T, fut *lane.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := fut.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return v, err
}

func TestDirector_SkipsWhenNothingProcessed(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)

	p, err := wait(t, f.director.ForceSnapshot())
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, int32(0), f.controller.calls.Load())
	assert.Empty(t, f.pending(t))
	assert.Equal(t, StateIdle, f.director.State())
}

func TestDirector_SkipsWithoutLogEntry(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(10, 10)
	f.controller.none = true

	p, err := wait(t, f.director.ForceSnapshot())
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, health.Healthy, f.director.Health().Status())
}

func TestDirector_PersistsOnlyAfterCommit(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(10, 15)

	fut := f.director.ForceSnapshot()
	require.Eventually(t, func() bool {
		return f.director.State() == StateWaitingForCommit
	}, 5*time.Second, time.Millisecond)
	assert.Len(t, f.pending(t), 1)

	f.awaiter.OnCommit(14)
	_, err := f.awaiter.CommitPosition().Result()
	require.NoError(t, err)
	assert.False(t, fut.IsDone())
	_, ok := f.store.Latest()
	assert.False(t, ok)

	f.awaiter.OnCommit(15)
	p, err := wait(t, fut)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(10), p.ID().ProcessedPosition)

	commitPosition, err := f.awaiter.CommitPosition().Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, int64(15), commitPosition)

	latest, ok := f.store.Latest()
	require.True(t, ok)
	assert.Equal(t, p.ID(), latest.ID())
	assert.Empty(t, f.pending(t))
	assert.Equal(t, StateIdle, f.director.State())
}

func TestDirector_CommitAlreadyReached(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(20, 30)
	f.awaiter.OnCommit(100)

	p, err := wait(t, f.director.ForceSnapshot())
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestDirector_SecondTriggerWhileWaitingIsNoop(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(10, 15)

	first := f.director.ForceSnapshot()
	require.Eventually(t, func() bool {
		return f.director.State() == StateWaitingForCommit
	}, 5*time.Second, time.Millisecond)

	second, err := wait(t, f.director.ForceSnapshot())
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, int32(1), f.controller.calls.Load())
	assert.Len(t, f.pending(t), 1)
	assert.False(t, first.IsDone())

	f.awaiter.OnCommit(15)
	p, err := wait(t, first)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestDirector_SupersededWhileWaitingIsSkipped(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(10, 15)

	fut := f.director.ForceSnapshot()
	require.Eventually(t, func() bool {
		return f.director.State() == StateWaitingForCommit
	}, 5*time.Second, time.Millisecond)

	// a replicated snapshot lands while the local one waits for commit
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "state.db"), []byte("replicated"), 0o600))
	sum, err := snapshot.Checksum(src)
	require.NoError(t, err)
	received, err := f.store.NewReceived(snapshot.ID{Index: 50, Term: 2, ProcessedPosition: 40}, sum)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(received.Path(), "state.db"), []byte("replicated"), 0o600))
	newer, err := received.Persist()
	require.NoError(t, err)

	f.awaiter.OnCommit(15)
	p, err := wait(t, fut)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, health.Healthy, f.director.Health().Status())
	assert.Equal(t, StateIdle, f.director.State())
	assert.Empty(t, f.pending(t))

	latest, ok := f.store.Latest()
	require.True(t, ok)
	assert.Equal(t, newer.ID(), latest.ID())
}

func TestDirector_ReplayModeDoesNotWaitForCommit(t *testing.T) {
	f := newFixture(t, stream.ModeReplay, time.Hour)
	f.processor.set(10, 50)

	p, err := wait(t, f.director.ForceSnapshot())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, stream.ModeReplay, f.director.Mode())
}

type healthRecorder struct {
	failures  atomic.Int32
	recovered atomic.Int32
}

func (h *healthRecorder) OnFailure(string, error) { h.failures.Add(1) }
func (h *healthRecorder) OnRecovered(string)      { h.recovered.Add(1) }

func TestDirector_FailureFlipsHealthAndRecovers(t *testing.T) {
	f := newFixture(t, stream.ModeReplay, time.Hour)
	f.processor.set(10, 10)
	rec := &healthRecorder{}
	f.director.Health().AddListener(rec)

	boom := errors.New("disk full")
	f.controller.setErr(boom)

	_, err := wait(t, f.director.ForceSnapshot())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, health.Unhealthy, f.director.Health().Status())
	assert.Equal(t, StateAborted, f.director.State())
	assert.Equal(t, int32(1), rec.failures.Load())

	f.controller.setErr(nil)
	p, err := wait(t, f.director.ForceSnapshot())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, health.Healthy, f.director.Health().Status())
	assert.Equal(t, int32(1), rec.recovered.Load())
}

func TestDirector_WrittenPositionFailureAbortsTransient(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(10, 10)

	var calls atomic.Int32
	f.director.processor = &failingWritten{fakeProcessor: f.processor, calls: &calls}

	_, err := wait(t, f.director.ForceSnapshot())
	require.Error(t, err)
	assert.Empty(t, f.pending(t))
	assert.Equal(t, int32(1), calls.Load())
}

type failingWritten struct {
	*fakeProcessor
	calls *atomic.Int32
}

func (p *failingWritten) LastWrittenPosition(context.Context) (int64, error) {
	p.calls.Add(1)
	return 0, errors.New("processor unavailable")
}

func TestDirector_CloseFailsAttemptInFlight(t *testing.T) {
	f := newFixture(t, stream.ModeProcessing, time.Hour)
	f.processor.set(10, 15)

	fut := f.director.ForceSnapshot()
	require.Eventually(t, func() bool {
		return f.director.State() == StateWaitingForCommit
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.director.Close())
	_, err := wait(t, fut)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, f.pending(t))
	assert.Equal(t, health.Healthy, f.director.Health().Status())

	_, err = wait(t, f.director.ForceSnapshot())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDirector_PeriodicSnapshots(t *testing.T) {
	f := newFixture(t, stream.ModeReplay, 20*time.Millisecond)
	f.processor.set(5, 5)

	require.NoError(t, f.director.Start())
	require.Eventually(t, func() bool {
		_, ok := f.store.Latest()
		return ok && f.controller.calls.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFirstDelay(t *testing.T) {
	lowest := func(int64) int64 { return 0 }
	highest := func(n int64) int64 { return n - 1 }

	assert.Equal(t, 30*time.Second, firstDelay(30*time.Second, lowest))
	assert.Equal(t, time.Minute, firstDelay(time.Minute, lowest))
	assert.Equal(t, time.Minute, firstDelay(5*time.Minute, lowest))
	assert.Equal(t, 4*time.Minute, firstDelay(5*time.Minute, highest))

	for range 100 {
		d := firstDelay(10*time.Minute, rand.Int64N)
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.Less(t, d, 10*time.Minute)
		assert.Zero(t, d%time.Minute)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "waiting_for_commit", StateWaitingForCommit.String())
	assert.Equal(t, "unknown", State(42).String())
}
