// Package snapshot is the durable snapshot store of a partition.
//
// A snapshot starts as a Transient: a directory under pending/ that the state
// controller copies the state database into. Persist seals it with a
// CHECKSUM file, fsyncs it and renames it atomically into snapshots/. From
// then on it is a Persisted snapshot and supersedes the previous one, which
// is deleted. Abort just deletes the pending directory.
//
//	<dir>/
//	  pending/<index>-<term>-<processed>-<exported>/   at most one taken locally
//	  snapshots/<index>-<term>-<processed>-<exported>/ only the newest survives
//
// Snapshots received from another replica go through the same pending ->
// snapshots path, but are only persisted when their checksum matches the one
// the sender announced.
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	pendingDirName   = "pending"
	snapshotsDirName = "snapshots"
)

var (
	// ErrSnapshotInProgress is returned when a locally taken transient snapshot already exists.
	ErrSnapshotInProgress = errors.New("transient snapshot already in progress")
	// ErrSnapshotExists is returned when the id is not newer than the latest persisted snapshot.
	ErrSnapshotExists = errors.New("snapshot is not newer than the latest persisted snapshot")
	// ErrChecksumMismatch is returned when a received snapshot does not match its announced checksum.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
	// ErrNotPending is returned when persisting or aborting a transient twice.
	ErrNotPending = errors.New("transient snapshot is no longer pending")
	// ErrClosed is returned when the store is closed.
	ErrClosed = errors.New("snapshot store is closed")
)

// Listener is notified after a snapshot was persisted.
type Listener func(*Persisted)

// Config holds store configuration.
type Config struct {
	// Dir is the root directory of the store.
	Dir    string
	Logger *slog.Logger
}

// Store manages transient and persisted snapshots of one partition.
type Store struct {
	pendingDir   string
	snapshotsDir string
	logger       *slog.Logger

	mu       sync.Mutex
	latest   *Persisted
	local    *Transient
	received map[ID]*Transient
	closed   bool

	listeners      *xsync.Map[uint64, Listener]
	nextListenerID atomic.Uint64
}

// Open opens the store, purging leftover pending snapshots and keeping only
// the newest persisted snapshot whose checksum verifies.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		pendingDir:   filepath.Join(cfg.Dir, pendingDirName),
		snapshotsDir: filepath.Join(cfg.Dir, snapshotsDirName),
		logger:       cfg.Logger.With("component", "snapshot-store"),
		received:     make(map[ID]*Transient),
		listeners:    xsync.NewMap[uint64, Listener](),
	}

	if err := os.RemoveAll(s.pendingDir); err != nil {
		return nil, fmt.Errorf("purge pending snapshots: %w", err)
	}
	for _, dir := range []string{s.pendingDir, s.snapshotsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := s.loadLatest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLatest() error {
	entries, err := os.ReadDir(s.snapshotsDir)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	var ids []ID
	for _, e := range entries {
		path := filepath.Join(s.snapshotsDir, e.Name())
		id, err := ParseID(e.Name())
		if err != nil || !e.IsDir() {
			s.logger.Warn("removing unknown entry from snapshot directory", "path", path)
			_ = os.RemoveAll(path)
			continue
		}
		ids = append(ids, id)
	}
	// newest first
	slices.SortFunc(ids, func(a, b ID) int { return b.Compare(a) })

	for _, id := range ids {
		path := filepath.Join(s.snapshotsDir, id.String())
		if s.latest != nil {
			s.logger.Info("removing superseded snapshot", "snapshot_id", id.String())
			_ = os.RemoveAll(path)
			continue
		}

		persisted, err := s.verify(id, path)
		if err != nil {
			s.logger.Warn("removing corrupt snapshot",
				"snapshot_id", id.String(),
				"error", err)
			_ = os.RemoveAll(path)
			continue
		}
		s.latest = persisted
	}

	if s.latest != nil {
		s.logger.Info("loaded latest snapshot", "snapshot_id", s.latest.ID().String())
	}
	return nil
}

func (s *Store) verify(id ID, path string) (*Persisted, error) {
	want, err := readChecksumFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checksum: %w", err)
	}
	got, err := Checksum(path)
	if err != nil {
		return nil, fmt.Errorf("compute checksum: %w", err)
	}
	if got != want {
		return nil, fmt.Errorf("%w: got %x want %x", ErrChecksumMismatch, got, want)
	}
	return &Persisted{id: id, path: path, checksum: got}, nil
}

// Latest returns the newest persisted snapshot.
func (s *Store) Latest() (*Persisted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

// NewTransient creates the pending directory for a locally taken snapshot.
// Only one may exist at a time.
func (s *Store) NewTransient(id ID) (*Transient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewLocked(id); err != nil {
		return nil, err
	}
	if s.local != nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotInProgress, s.local.id)
	}

	t, err := s.createPendingLocked(id, false, 0)
	if err != nil {
		return nil, err
	}
	s.local = t
	return t, nil
}

// NewReceived creates the pending directory for a snapshot replicated from
// another node. It persists only if its content hashes to checksum.
func (s *Store) NewReceived(id ID, checksum uint64) (*Transient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewLocked(id); err != nil {
		return nil, err
	}
	if _, ok := s.received[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotInProgress, id)
	}

	t, err := s.createPendingLocked(id, true, checksum)
	if err != nil {
		return nil, err
	}
	s.received[id] = t
	return t, nil
}

func (s *Store) checkNewLocked(id ID) error {
	if s.closed {
		return ErrClosed
	}
	if s.latest != nil && id.Compare(s.latest.id) <= 0 {
		return fmt.Errorf("%w: %s <= %s", ErrSnapshotExists, id, s.latest.id)
	}
	return nil
}

func (s *Store) createPendingLocked(id ID, received bool, checksum uint64) (*Transient, error) {
	dir := filepath.Join(s.pendingDir, id.String())
	if received {
		dir += ".received"
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear pending directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pending directory: %w", err)
	}

	return &Transient{
		id:       id,
		dir:      dir,
		store:    s,
		received: received,
		expected: checksum,
	}, nil
}

// AddListener registers l for newly persisted snapshots and returns a
// function that removes it.
func (s *Store) AddListener(l Listener) (remove func()) {
	id := s.nextListenerID.Add(1)
	s.listeners.Store(id, l)
	return func() { s.listeners.Delete(id) }
}

func (s *Store) persist(t *Transient) (*Persisted, error) {
	sum, err := Checksum(t.dir)
	if err != nil {
		return nil, fmt.Errorf("compute checksum: %w", err)
	}
	if t.received && sum != t.expected {
		return nil, fmt.Errorf("%w: got %x want %x", ErrChecksumMismatch, sum, t.expected)
	}
	if err := writeChecksumFile(t.dir, sum); err != nil {
		return nil, fmt.Errorf("write checksum: %w", err)
	}
	if err := syncDir(t.dir); err != nil {
		return nil, fmt.Errorf("sync snapshot: %w", err)
	}

	s.mu.Lock()
	if err := s.checkNewLocked(t.id); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	path := filepath.Join(s.snapshotsDir, t.id.String())
	if err := os.Rename(t.dir, path); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("rename snapshot: %w", err)
	}
	if err := syncPath(s.snapshotsDir); err != nil {
		s.logger.Warn("failed to sync snapshot directory", "error", err)
	}

	previous := s.latest
	persisted := &Persisted{id: t.id, path: path, checksum: sum}
	s.latest = persisted
	s.releaseLocked(t)
	s.mu.Unlock()

	if previous != nil {
		if err := os.RemoveAll(previous.path); err != nil {
			s.logger.Warn("failed to delete superseded snapshot",
				"snapshot_id", previous.id.String(),
				"error", err)
		}
	}

	s.logger.Info("snapshot persisted",
		"snapshot_id", t.id.String(),
		"checksum", fmt.Sprintf("%x", sum),
		"received", t.received)

	s.listeners.Range(func(_ uint64, l Listener) bool {
		l(persisted)
		return true
	})
	return persisted, nil
}

func (s *Store) abort(t *Transient) error {
	s.mu.Lock()
	s.releaseLocked(t)
	s.mu.Unlock()

	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("remove pending snapshot: %w", err)
	}
	s.logger.Debug("transient snapshot aborted", "snapshot_id", t.id.String())
	return nil
}

func (s *Store) releaseLocked(t *Transient) {
	if t.received {
		if s.received[t.id] == t {
			delete(s.received, t.id)
		}
		return
	}
	if s.local == t {
		s.local = nil
	}
}

// Close rejects new transients. Pending directories are purged on next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Transient is a pending snapshot directory.
type Transient struct {
	id       ID
	dir      string
	store    *Store
	received bool
	expected uint64

	mu   sync.Mutex
	done bool
}

// ID returns the snapshot id.
func (t *Transient) ID() ID {
	return t.id
}

// Path is the directory snapshot data must be written into.
func (t *Transient) Path() string {
	return t.dir
}

// Persist publishes the snapshot atomically. On error the pending directory
// is removed; the transient can not be retried.
func (t *Transient) Persist() (*Persisted, error) {
	if !t.finish() {
		return nil, ErrNotPending
	}

	persisted, err := t.store.persist(t)
	if err != nil {
		if abortErr := t.store.abort(t); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		return nil, err
	}
	return persisted, nil
}

// Abort discards the pending directory.
func (t *Transient) Abort() error {
	if !t.finish() {
		return ErrNotPending
	}
	return t.store.abort(t)
}

func (t *Transient) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Persisted is an immutable, durable snapshot.
type Persisted struct {
	id       ID
	path     string
	checksum uint64
}

// ID returns the snapshot id.
func (p *Persisted) ID() ID {
	return p.id
}

// Path returns the snapshot directory.
func (p *Persisted) Path() string {
	return p.path
}

// Index is the log index the snapshot is bound to.
func (p *Persisted) Index() uint64 {
	return p.id.Index
}

// Term is the term of the log entry the snapshot is bound to.
func (p *Persisted) Term() uint64 {
	return p.id.Term
}

// Checksum returns the content checksum.
func (p *Persisted) Checksum() uint64 {
	return p.checksum
}

// Files returns the data file names in name order.
func (p *Persisted) Files() ([]string, error) {
	return dataFiles(p.path)
}

// Size returns the total size of the data files in bytes.
func (p *Persisted) Size() (int64, error) {
	names, err := p.Files()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, name := range names {
		info, err := os.Stat(filepath.Join(p.path, name))
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
