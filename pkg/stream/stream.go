// Package stream defines the contract of the record stream processor as seen
// by the partition lifecycle: the positions it has processed and written.
package stream

import (
	"context"
	"math"
)

// Unset is returned by a processor that has not processed any record yet.
const Unset int64 = -1

// NoExporters is the exported position reported when nothing consumes the log
// externally. It never bounds the snapshot position.
const NoExporters int64 = math.MaxInt64

// Mode is the processing mode of a stream processor.
type Mode int

const (
	// ModeProcessing processes commands and writes follow-up records.
	ModeProcessing Mode = iota
	// ModeReplay only replays already written events. Nothing new is written,
	// so snapshots never wait for commit.
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeProcessing:
		return "Processing"
	case ModeReplay:
		return "Replay"
	default:
		return "Unknown"
	}
}

// Processor is the stream processor collaborator.
type Processor interface {
	// LastProcessedPosition returns the highest position whose effects are in
	// the state database, or Unset.
	LastProcessedPosition(ctx context.Context) (int64, error)

	// LastWrittenPosition returns the highest position written as a result of
	// processing. It may exceed the processed position.
	LastWrittenPosition(ctx context.Context) (int64, error)
}

// ExportedPositionFunc returns the lowest position still required by exporters.
type ExportedPositionFunc func() int64

// SnapshotPosition is the highest position a snapshot may cover: nothing past
// what was processed, nothing past what was exported.
func SnapshotPosition(processed, exported int64) int64 {
	return min(processed, exported)
}
