package commit

import (
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/unijord/partition/pkg/command"
)

// IndexTracker records the highest committed log index.
type IndexTracker interface {
	SetCommittedIndex(index uint64)
}

// Listener receives committed raft entries. Every entry advances the
// committed index; only application entries advance the commit position.
type Listener struct {
	awaiter *Awaiter
	tracker IndexTracker
	logger  *slog.Logger
}

// NewListener creates a listener. tracker may be nil.
func NewListener(awaiter *Awaiter, tracker IndexTracker, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		awaiter: awaiter,
		tracker: tracker,
		logger:  logger.With("component", "commit-listener"),
	}
}

// OnCommit is called for every committed entry in index order.
func (l *Listener) OnCommit(log *raft.Log) {
	if l.tracker != nil {
		l.tracker.SetCommittedIndex(log.Index)
	}
	if log.Type != raft.LogCommand || !command.IsApplicationEntry(log.Data) {
		return
	}

	_, highest, err := command.DecodePositions(log.Data)
	if err != nil {
		l.logger.Warn("skipping undecodable application entry",
			"index", log.Index,
			"error", err)
		return
	}
	l.awaiter.OnCommit(highest)
}
