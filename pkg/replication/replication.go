// Package replication ships persisted snapshots from the leader to the
// followers of a partition over NATS.
//
// The leader publishes every file of a snapshot as a sequence of chunks on
// the subject <prefix>.<partition>.snapshots. A follower writes the chunks
// of one transfer into a received transient snapshot in order and persists
// it only when the reassembled files hash to the checksum the leader sent.
// A gap in the sequence or a corrupt chunk discards the transfer.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/unijord/partition/pkg/metrics"
	"github.com/unijord/partition/pkg/snapshot"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 512 * 1024
	// DefaultSubjectPrefix is the subject prefix used when none is configured.
	DefaultSubjectPrefix = "partition"
	// FlushTimeout bounds the final flush of Publish when ctx has no deadline.
	FlushTimeout = 10 * time.Second
)

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("replication is closed")

// Subject returns the snapshot subject of a partition.
func Subject(prefix, partition string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + partition + ".snapshots"
}

// Config is shared by Publisher and Receiver.
type Config struct {
	Partition     string
	Conn          *nats.Conn
	SubjectPrefix string
	// ChunkSize bounds the data carried by one message. Defaults to DefaultChunkSize.
	ChunkSize int
	Metrics   metrics.Sink
	Logger    *slog.Logger
}

func (c *Config) withDefaults(component string) *slog.Logger {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	return c.Logger.With("component", component, "partition", c.Partition)
}

// Publisher sends persisted snapshots to the partition subject.
type Publisher struct {
	cfg     Config
	subject string
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher.
func NewPublisher(cfg Config) *Publisher {
	logger := cfg.withDefaults("snapshot-publisher")
	return &Publisher{
		cfg:     cfg,
		subject: Subject(cfg.SubjectPrefix, cfg.Partition),
		logger:  logger,
	}
}

// Publish sends every chunk of p and flushes the connection.
func (p *Publisher) Publish(ctx context.Context, persisted *snapshot.Persisted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	transferID := uuid.NewString()
	var sent int
	err := ForEachChunk(persisted, transferID, p.cfg.ChunkSize, func(c Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.cfg.Conn.Publish(p.subject, EncodeChunk(c)); err != nil {
			return err
		}
		sent++
		p.cfg.Metrics.RecordReplicatedChunk(p.cfg.Partition, "sent")
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish snapshot %s: %w", persisted.ID(), err)
	}
	if err := p.flush(ctx); err != nil {
		return fmt.Errorf("flush snapshot %s: %w", persisted.ID(), err)
	}

	p.logger.Info("snapshot published",
		"snapshot_id", persisted.ID().String(),
		"transfer_id", transferID,
		"chunks", sent)
	return nil
}

// flush waits for the server to acknowledge everything published. nats
// requires a deadline, so contexts without one flush with FlushTimeout.
func (p *Publisher) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return p.cfg.Conn.FlushWithContext(ctx)
	}
	return p.cfg.Conn.FlushTimeout(FlushTimeout)
}

// Close makes further Publish calls fail.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

type transfer struct {
	id        string
	assembler *Assembler
	// skip drops the remaining chunks of a transfer we do not want.
	skip bool
}

// Receiver assembles snapshots published by the leader into the store.
type Receiver struct {
	cfg     Config
	store   *snapshot.Store
	subject string
	logger  *slog.Logger

	mu        sync.Mutex
	sub       *nats.Subscription
	transfers map[string]*transfer
}

// NewReceiver creates a receiver writing into store.
func NewReceiver(cfg Config, store *snapshot.Store) *Receiver {
	logger := cfg.withDefaults("snapshot-receiver")
	return &Receiver{
		cfg:       cfg,
		store:     store,
		subject:   Subject(cfg.SubjectPrefix, cfg.Partition),
		logger:    logger,
		transfers: make(map[string]*transfer),
	}
}

// Start subscribes to the partition subject.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	sub, err := r.cfg.Conn.Subscribe(r.subject, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	if err := r.cfg.Conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", r.subject, err)
	}
	r.sub = sub
	return nil
}

func (r *Receiver) handle(msg *nats.Msg) {
	chunk, err := DecodeChunk(msg.Data)
	if err != nil {
		r.logger.Warn("dropping invalid snapshot chunk", "error", err)
		r.mu.Lock()
		r.abortAllLocked("invalid chunk")
		r.mu.Unlock()
		return
	}
	r.cfg.Metrics.RecordReplicatedChunk(r.cfg.Partition, "received")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return
	}

	t, ok := r.transfers[chunk.TransferID]
	if !ok {
		if chunk.Sequence != 0 {
			r.logger.Debug("ignoring chunk of unknown transfer",
				"transfer_id", chunk.TransferID,
				"sequence", chunk.Sequence)
			return
		}
		// a new transfer supersedes any unfinished one
		r.abortAllLocked("superseded by transfer " + chunk.TransferID)
		t = &transfer{id: chunk.TransferID, assembler: NewAssembler(r.store)}
		r.transfers[chunk.TransferID] = t
	}

	if t.skip {
		if chunk.Sequence+1 == chunk.TotalCount {
			delete(r.transfers, t.id)
		}
		return
	}

	persisted, err := t.assembler.Add(chunk)
	switch {
	case errors.Is(err, ErrSkipped):
		r.logger.Debug("skipping transfer of snapshot that is not newer",
			"snapshot_id", chunk.SnapshotID,
			"transfer_id", t.id)
		t.skip = true
		if chunk.Sequence+1 == chunk.TotalCount {
			delete(r.transfers, t.id)
		}
	case err != nil:
		r.logger.Warn("aborting snapshot transfer",
			"transfer_id", t.id,
			"snapshot_id", chunk.SnapshotID,
			"error", err)
		delete(r.transfers, t.id)
	case persisted != nil:
		delete(r.transfers, t.id)
		r.logger.Info("received snapshot",
			"snapshot_id", persisted.ID().String(),
			"transfer_id", t.id,
			"chunks", chunk.TotalCount)
	}
}

func (r *Receiver) abortAllLocked(reason string) {
	for id, t := range r.transfers {
		r.logger.Debug("discarding unfinished transfer", "transfer_id", id, "reason", reason)
		t.assembler.Abort()
		delete(r.transfers, id)
	}
}

// Close unsubscribes and discards unfinished transfers.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.sub != nil {
		err = r.sub.Unsubscribe()
		r.sub = nil
	}
	r.abortAllLocked("receiver closed")
	return err
}
