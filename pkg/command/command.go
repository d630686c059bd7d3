// Package command encodes the payload of log entries that carry records.
//
// Only raft.LogCommand entries whose Data is an ApplicationEntry carry
// records, and only those advance the commit position. Everything else in the
// log (noops, configuration changes, foreign commands) is ignored by the
// partition lifecycle.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	partitionfb "github.com/unijord/partition/pkg/gen/go/fb/partition"
)

const (
	oneKB = 1024
	oneMB = oneKB * 1024
)

// ApplicationEntryIdentifier is the flatbuffers file identifier of application entries.
const ApplicationEntryIdentifier = "PAEN"

var (
	// ErrNotApplicationEntry is returned when data does not carry records.
	ErrNotApplicationEntry = errors.New("not an application entry")
	// ErrInvalidPositions is returned when lowest > highest.
	ErrInvalidPositions = errors.New("lowest position exceeds highest position")
)

// ApplicationEntry is the decoded payload of a record-carrying log entry.
type ApplicationEntry struct {
	LowestPosition  int64
	HighestPosition int64
	Records         [][]byte
}

// Builder constructs application entries as FlatBuffers.
type Builder struct {
	pool    sync.Pool
	bufPool sync.Pool
}

// NewBuilder creates a new command builder.
func NewBuilder() *Builder {
	return &Builder{
		pool: sync.Pool{
			New: func() interface{} {
				return flatbuffers.NewBuilder(oneKB)
			},
		},
	}
}

func (cb *Builder) getBuilder() *flatbuffers.Builder {
	return cb.pool.Get().(*flatbuffers.Builder)
}

func (cb *Builder) putBuilder(b *flatbuffers.Builder) {
	b.Reset()
	cb.pool.Put(b)
}

func (cb *Builder) getBuf(size int) []byte {
	if v := cb.bufPool.Get(); v != nil {
		buf := v.([]byte)
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

func (cb *Builder) putBuf(buf []byte) {
	if cap(buf) <= oneMB {
		cb.bufPool.Put(buf[:0])
	}
}

// BuildApplicationEntry encodes records written at positions
// [lowest, highest]. Records are stored as [4-byte len][record]...
func (cb *Builder) BuildApplicationEntry(lowest, highest int64, records [][]byte) ([]byte, error) {
	if lowest > highest {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidPositions, lowest, highest)
	}

	builder := cb.getBuilder()
	defer cb.putBuilder(builder)

	totalSize := 0
	for _, r := range records {
		totalSize += 4 + len(r)
	}

	batchData := cb.getBuf(totalSize)
	defer cb.putBuf(batchData)

	offset := 0
	for _, r := range records {
		binary.LittleEndian.PutUint32(batchData[offset:], uint32(len(r)))
		offset += 4
		copy(batchData[offset:], r)
		offset += len(r)
	}

	batchDataOffset := builder.CreateByteVector(batchData)
	partitionfb.ApplicationEntryStart(builder)
	partitionfb.ApplicationEntryAddLowestPosition(builder, lowest)
	partitionfb.ApplicationEntryAddHighestPosition(builder, highest)
	partitionfb.ApplicationEntryAddBatchSize(builder, uint32(len(records)))
	partitionfb.ApplicationEntryAddBatchData(builder, batchDataOffset)
	entry := partitionfb.ApplicationEntryEnd(builder)

	builder.FinishWithFileIdentifier(entry, []byte(ApplicationEntryIdentifier))
	finished := builder.FinishedBytes()
	result := make([]byte, len(finished))
	copy(result, finished)
	return result, nil
}

// IsApplicationEntry reports whether data carries the application entry identifier.
func IsApplicationEntry(data []byte) bool {
	const idOffset = flatbuffers.SizeUOffsetT
	if len(data) < idOffset+len(ApplicationEntryIdentifier) {
		return false
	}
	return string(data[idOffset:idOffset+len(ApplicationEntryIdentifier)]) == ApplicationEntryIdentifier
}

// DecodePositions returns the position range of an application entry without
// decoding its records.
func DecodePositions(data []byte) (lowest, highest int64, err error) {
	entry, err := decode(data, false)
	if err != nil {
		return 0, 0, err
	}
	return entry.LowestPosition, entry.HighestPosition, nil
}

// DecodeApplicationEntry decodes data. Records alias data.
func DecodeApplicationEntry(data []byte) (ApplicationEntry, error) {
	return decode(data, true)
}

func decode(data []byte, withRecords bool) (entry ApplicationEntry, err error) {
	if !IsApplicationEntry(data) {
		return ApplicationEntry{}, ErrNotApplicationEntry
	}
	// a corrupt buffer makes the generated accessors index out of range
	defer func() {
		if r := recover(); r != nil {
			entry = ApplicationEntry{}
			err = fmt.Errorf("%w: corrupt buffer: %v", ErrNotApplicationEntry, r)
		}
	}()

	fb := partitionfb.GetRootAsApplicationEntry(data, 0)
	entry.LowestPosition = fb.LowestPosition()
	entry.HighestPosition = fb.HighestPosition()
	if entry.LowestPosition > entry.HighestPosition {
		return ApplicationEntry{}, fmt.Errorf("%w: %d > %d", ErrInvalidPositions, entry.LowestPosition, entry.HighestPosition)
	}
	if withRecords {
		entry.Records = DecodeBatchData(fb.BatchDataBytes(), fb.BatchSize())
	}
	return entry, nil
}

// DecodeBatchData decodes length-prefixed batch data into individual records.
func DecodeBatchData(batchData []byte, batchSize uint32) [][]byte {
	records := make([][]byte, 0, min(batchSize, uint32(len(batchData)/4)))
	offset := 0
	for offset < len(batchData) && uint32(len(records)) < batchSize {
		if offset+4 > len(batchData) {
			break
		}
		length := int(binary.LittleEndian.Uint32(batchData[offset:]))
		offset += 4

		if offset+length > len(batchData) {
			break
		}
		records = append(records, batchData[offset:offset+length])
		offset += length
	}
	return records
}
