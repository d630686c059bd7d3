// Package statedb owns the partition's embedded state database.
//
// The database lives in a runtime directory that is rebuilt from the latest
// persisted snapshot on every recovery. Transient snapshots are consistent
// copies of the database taken inside a bolt read transaction, so writers
// are never blocked by a snapshot.
package statedb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unijord/partition/pkg/journal"
	"github.com/unijord/partition/pkg/snapshot"
	"github.com/unijord/partition/pkg/stream"
)

// DBFileName is the database file inside the runtime and snapshot directories.
const DBFileName = "state.db"

var (
	// ErrUnrecoverable is returned by Recover when the latest snapshot can
	// not be opened. There is no fallback to older snapshots.
	ErrUnrecoverable = errors.New("state database is unrecoverable")
)

// EntrySupplier locates the committed log entry a snapshot position belongs to.
type EntrySupplier interface {
	PreviousIndexedEntry(position int64) (journal.IndexedEntry, bool, error)
}

// Config holds controller configuration.
type Config struct {
	// RuntimeDir is the directory of the live database.
	RuntimeDir string
	Store      *snapshot.Store
	Entries    EntrySupplier
	// Exported returns the lowest position still needed by exporters.
	// Defaults to stream.NoExporters.
	Exported stream.ExportedPositionFunc
	// OpenTimeout bounds waiting for the database file lock. Defaults to 5s.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// Controller opens, snapshots, recovers and closes the state database.
type Controller struct {
	runtimeDir  string
	store       *snapshot.Store
	entries     EntrySupplier
	exported    stream.ExportedPositionFunc
	openTimeout time.Duration
	logger      *slog.Logger

	mu sync.RWMutex
	db *bolt.DB
}

// New creates a controller. The database is not opened.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Exported == nil {
		cfg.Exported = func() int64 { return stream.NoExporters }
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}

	return &Controller{
		runtimeDir:  cfg.RuntimeDir,
		store:       cfg.Store,
		entries:     cfg.Entries,
		exported:    cfg.Exported,
		openTimeout: cfg.OpenTimeout,
		logger:      cfg.Logger.With("component", "state-controller"),
	}
}

// OpenDB opens or creates the database in the runtime directory. Calling it
// on an open controller returns the open database.
func (c *Controller) OpenDB() (*bolt.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}
	if err := os.MkdirAll(c.runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime directory: %w", err)
	}

	db, err := c.open()
	if err != nil {
		return nil, err
	}
	c.db = db
	c.logger.Debug("opened state database", "path", c.dbPath())
	return db, nil
}

func (c *Controller) open() (*bolt.DB, error) {
	db, err := bolt.Open(c.dbPath(), 0600, &bolt.Options{Timeout: c.openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	return db, nil
}

// DB returns the open database or nil.
func (c *Controller) DB() *bolt.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// IsOpen reports whether the database is open.
func (c *Controller) IsOpen() bool {
	return c.DB() != nil
}

// TakeTransientSnapshot copies the database into a new transient snapshot
// bound to the committed entry preceding min(lowerBound, exported position).
// It returns nil without error when the database is closed or no such entry
// exists.
func (c *Controller) TakeTransientSnapshot(lowerBound int64) (*snapshot.Transient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.db == nil {
		c.logger.Debug("skipping snapshot, state database is closed")
		return nil, nil
	}

	exported := c.exported()
	position := stream.SnapshotPosition(lowerBound, exported)
	if position < 0 {
		return nil, nil
	}

	entry, ok, err := c.entries.PreviousIndexedEntry(position)
	if err != nil {
		return nil, fmt.Errorf("find log entry for position %d: %w", position, err)
	}
	if !ok {
		c.logger.Debug("skipping snapshot, no committed entry precedes position",
			"position", position)
		return nil, nil
	}

	id := snapshot.ID{
		Index:             entry.Index,
		Term:              entry.Term,
		ProcessedPosition: lowerBound,
		ExportedPosition:  exported,
	}
	transient, err := c.store.NewTransient(id)
	if err != nil {
		return nil, err
	}

	err = c.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filepath.Join(transient.Path(), DBFileName), 0600)
	})
	if err != nil {
		if abortErr := transient.Abort(); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		return nil, fmt.Errorf("copy state database: %w", err)
	}

	c.logger.Debug("took transient snapshot", "snapshot_id", id.String())
	return transient, nil
}

// Recover rebuilds the runtime directory from the latest persisted snapshot
// and opens the database. On failure the runtime directory is removed and
// the returned error wraps ErrUnrecoverable.
func (c *Controller) Recover() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Warn("failed to close state database before recovery", "error", err)
		}
		c.db = nil
	}
	if err := os.RemoveAll(c.runtimeDir); err != nil {
		return fmt.Errorf("remove stale runtime directory: %w", err)
	}
	if err := os.MkdirAll(c.runtimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	latest, ok := c.store.Latest()
	if ok {
		if err := copySnapshot(latest, c.runtimeDir); err != nil {
			return c.failRecovery(latest, err)
		}
	}

	db, err := c.open()
	if err == nil {
		err = db.View(func(tx *bolt.Tx) error {
			return tx.ForEach(func(_ []byte, _ *bolt.Bucket) error { return nil })
		})
		if err != nil {
			db.Close()
		}
	}
	if err != nil {
		return c.failRecovery(latest, err)
	}

	c.db = db
	if ok {
		c.logger.Info("recovered state from snapshot", "snapshot_id", latest.ID().String())
	} else {
		c.logger.Info("no snapshot to recover from, starting with empty state")
	}
	return nil
}

func (c *Controller) failRecovery(latest *snapshot.Persisted, cause error) error {
	if err := os.RemoveAll(c.runtimeDir); err != nil {
		cause = errors.Join(cause, err)
	}

	snapshotID := "none"
	if latest != nil {
		snapshotID = latest.ID().String()
	}
	c.logger.Error("failed to recover state database",
		"snapshot_id", snapshotID,
		"error", cause)
	return fmt.Errorf("%w: snapshot %s: %w", ErrUnrecoverable, snapshotID, cause)
}

func copySnapshot(p *snapshot.Persisted, dir string) error {
	names, err := p.Files()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := copyFile(filepath.Join(p.Path(), name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close closes the database and removes the runtime directory. It is safe
// to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close boltdb: %w", err))
		}
		c.db = nil
	}
	if err := os.RemoveAll(c.runtimeDir); err != nil {
		errs = append(errs, fmt.Errorf("remove runtime directory: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Controller) dbPath() string {
	return filepath.Join(c.runtimeDir, DBFileName)
}
