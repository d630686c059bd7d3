// Package journal is the partition's log: an index-addressed store of
// raft.Log entries persisted in bbolt.
//
// Besides implementing raft.LogStore and raft.StableStore, the journal keeps
// a secondary index from the lowest record position of every application
// entry to its log index. Snapshots use it to find the log entry a snapshot
// position belongs to (PreviousIndexedEntry).
//
// Layout:
//
//	logs       index (big endian) -> encoded raft.Log
//	positions  lowest position    -> index
//	stable     raft stable store keys (current term, last vote, ...)
//
// Compaction (prefix DeleteRange) never removes entries above the
// CompactionBound, which trails the newest persisted snapshot.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"

	"github.com/unijord/partition/pkg/command"
)

var (
	bucketLogs      = []byte("logs")
	bucketPositions = []byte("positions")
	bucketStable    = []byte("stable")
)

var (
	// ErrClosed is returned when operations are attempted on a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrKeyNotFound is returned by the stable store for unknown keys. raft
	// compares the message, so it must stay "not found".
	ErrKeyNotFound = errors.New("not found")
)

// IndexedEntry is an application entry located in the log.
type IndexedEntry struct {
	Index           uint64
	Term            uint64
	LowestPosition  int64
	HighestPosition int64
}

// Option configures a Log.
type Option func(*Log)

// WithCodec sets a custom codec for encoding/decoding log entries.
func WithCodec(codec Codec) Option {
	return func(l *Log) {
		if codec != nil {
			l.codec = codec
		}
	}
}

// WithCompactionBound caps prefix deletions at the bound.
func WithCompactionBound(bound *CompactionBound) Option {
	return func(l *Log) {
		l.bound = bound
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Log implements raft.LogStore and raft.StableStore.
type Log struct {
	db     *bolt.DB
	path   string
	codec  Codec
	bound  *CompactionBound
	logger *slog.Logger

	committedIndex atomic.Uint64
	closed         atomic.Bool
}

// Open opens or creates the journal file at path.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		codec:  BinaryCodecV1{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "journal")

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLogs, bucketPositions, bucketStable} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	l.db = db

	first, _ := l.FirstIndex()
	last, _ := l.LastIndex()
	l.logger.Info("journal opened",
		"path", path,
		"first_index", first,
		"last_index", last)

	return l, nil
}

// FirstIndex returns the first index written. 0 for no entries.
func (l *Log) FirstIndex() (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	var first uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().First(); k != nil {
			first = decodeUint64(k)
		}
		return nil
	})
	return first, err
}

// LastIndex returns the last index written. 0 for no entries.
func (l *Log) LastIndex() (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	var last uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().Last(); k != nil {
			last = decodeUint64(k)
		}
		return nil
	})
	return last, err
}

// GetLog gets a log entry at a given index.
func (l *Log) GetLog(index uint64, out *raft.Log) error {
	if l.closed.Load() {
		return ErrClosed
	}

	return l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLogs).Get(encodeUint64(index))
		if data == nil {
			return raft.ErrLogNotFound
		}

		decoded, err := l.codec.Decode(data)
		if err != nil {
			return fmt.Errorf("decode log at index %d: %w", index, err)
		}
		*out = decoded
		return nil
	})
}

// StoreLog stores a single log entry.
func (l *Log) StoreLog(log *raft.Log) error {
	return l.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores multiple log entries. Entries carrying records are also
// added to the position index.
func (l *Log) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrClosed
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketLogs)
		positions := tx.Bucket(bucketPositions)

		for _, log := range logs {
			enc, err := l.codec.Encode(log)
			if err != nil {
				return fmt.Errorf("encode log at index %d: %w", log.Index, err)
			}
			key := encodeUint64(log.Index)

			// overwritten entry (leader change) may have indexed other positions
			if old := entries.Get(key); old != nil {
				if err := l.unindex(positions, old); err != nil {
					return err
				}
			}

			if err := entries.Put(key, enc); err != nil {
				return err
			}

			lowest, ok := applicationLowest(log)
			if !ok {
				continue
			}
			if err := positions.Put(encodePosition(lowest), key); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange deletes logs in [min, max] inclusive.
//
// Prefix deletions (compaction, min at the first index) are capped at the
// compaction bound when one is configured. Suffix deletions (truncation on
// leader change) are never capped: those entries were never committed.
func (l *Log) DeleteRange(min, max uint64) error {
	if max < min {
		return nil
	}
	if l.closed.Load() {
		return ErrClosed
	}

	first, err := l.FirstIndex()
	if err != nil {
		return err
	}

	if l.bound != nil && min <= first {
		safe := l.bound.Index()
		if safe < max {
			l.logger.Debug("capping compaction at snapshot index",
				"requested_max", max,
				"bound", safe)
			max = safe
		}
	}
	if min > max {
		return nil
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketLogs)
		positions := tx.Bucket(bucketPositions)

		c := entries.Cursor()
		for k, v := c.Seek(encodeUint64(min)); k != nil && decodeUint64(k) <= max; k, v = c.Next() {
			if err := l.unindex(positions, v); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Log) unindex(positions *bolt.Bucket, encoded []byte) error {
	log, err := l.codec.Decode(encoded)
	if err != nil {
		// entry is unreadable, its position key cannot be recovered
		l.logger.Warn("dropping undecodable log entry", "error", err)
		return nil
	}
	lowest, ok := applicationLowest(&log)
	if !ok {
		return nil
	}
	key := encodePosition(lowest)
	if idx := positions.Get(key); idx != nil && decodeUint64(idx) == log.Index {
		return positions.Delete(key)
	}
	return nil
}

// CommittedIndex returns the highest index known to be committed.
func (l *Log) CommittedIndex() uint64 {
	return l.committedIndex.Load()
}

// SetCommittedIndex advances the committed index. It never goes backwards.
func (l *Log) SetCommittedIndex(index uint64) {
	for {
		current := l.committedIndex.Load()
		if index <= current || l.committedIndex.CompareAndSwap(current, index) {
			return
		}
	}
}

// PreviousIndexedEntry returns the newest committed application entry whose
// lowest position is at or below position.
func (l *Log) PreviousIndexedEntry(position int64) (IndexedEntry, bool, error) {
	if l.closed.Load() {
		return IndexedEntry{}, false, ErrClosed
	}

	committed := l.committedIndex.Load()
	var (
		found IndexedEntry
		ok    bool
	)

	err := l.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketLogs)
		c := tx.Bucket(bucketPositions).Cursor()

		k, v := c.Seek(encodePosition(position))
		if k == nil {
			k, v = c.Last()
		}
		if k != nil && decodePosition(k) > position {
			k, v = c.Prev()
		}

		for ; k != nil; k, v = c.Prev() {
			index := decodeUint64(v)
			if index > committed {
				continue
			}

			data := entries.Get(v)
			if data == nil {
				continue
			}
			log, err := l.codec.Decode(data)
			if err != nil {
				return fmt.Errorf("decode log at index %d: %w", index, err)
			}
			lowest, highest, err := command.DecodePositions(log.Data)
			if err != nil {
				return fmt.Errorf("decode positions at index %d: %w", index, err)
			}

			found = IndexedEntry{
				Index:           log.Index,
				Term:            log.Term,
				LowestPosition:  lowest,
				HighestPosition: highest,
			}
			ok = true
			return nil
		}
		return nil
	})

	return found, ok, err
}

// Set implements raft.StableStore.
func (l *Log) Set(key []byte, val []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStable).Put(key, val)
	})
}

// Get implements raft.StableStore.
func (l *Log) Get(key []byte) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var val []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStable).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// SetUint64 implements raft.StableStore.
func (l *Log) SetUint64(key []byte, val uint64) error {
	return l.Set(key, encodeUint64(val))
}

// GetUint64 implements raft.StableStore.
func (l *Log) GetUint64(key []byte) (uint64, error) {
	val, err := l.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("stable key %q: expected 8 bytes, got %d", key, len(val))
	}
	return decodeUint64(val), nil
}

// Sync flushes the underlying database file.
func (l *Log) Sync() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.Sync()
}

// Close closes the journal.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}

func applicationLowest(log *raft.Log) (int64, bool) {
	if log.Type != raft.LogCommand || !command.IsApplicationEntry(log.Data) {
		return 0, false
	}
	lowest, _, err := command.DecodePositions(log.Data)
	if err != nil {
		return 0, false
	}
	return lowest, true
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// positions are signed; flipping the sign bit keeps byte order == numeric order
func encodePosition(p int64) []byte {
	return encodeUint64(uint64(p) ^ (1 << 63))
}

func decodePosition(b []byte) int64 {
	return int64(decodeUint64(b) ^ (1 << 63))
}

var _ raft.LogStore = (*Log)(nil)
var _ raft.StableStore = (*Log)(nil)
