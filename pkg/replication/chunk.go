package replication

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/xxh3"

	partitionfb "github.com/unijord/partition/pkg/gen/go/fb/partition"
)

// ChunkIdentifier is the flatbuffers file identifier of snapshot chunks.
const ChunkIdentifier = "PSCH"

var (
	// ErrInvalidChunk is returned for messages that are not snapshot chunks.
	ErrInvalidChunk = errors.New("invalid snapshot chunk")
	// ErrChunkChecksum is returned when chunk data does not match its checksum.
	ErrChunkChecksum = errors.New("snapshot chunk checksum mismatch")
)

// Chunk is one piece of one file of a persisted snapshot.
type Chunk struct {
	SnapshotID       string
	TransferID       string
	FileName         string
	TotalCount       uint32
	Sequence         uint32
	SnapshotChecksum uint64
	ChunkChecksum    uint64
	FileOffset       uint64
	Data             []byte
}

// EncodeChunk serializes c. The chunk checksum is computed from c.Data.
func EncodeChunk(c Chunk) []byte {
	b := flatbuffers.NewBuilder(len(c.Data) + len(c.FileName) + 128)

	data := b.CreateByteVector(c.Data)
	fileName := b.CreateString(c.FileName)
	transferID := b.CreateString(c.TransferID)
	snapshotID := b.CreateString(c.SnapshotID)

	partitionfb.SnapshotChunkStart(b)
	partitionfb.SnapshotChunkAddSnapshotId(b, snapshotID)
	partitionfb.SnapshotChunkAddTransferId(b, transferID)
	partitionfb.SnapshotChunkAddFileName(b, fileName)
	partitionfb.SnapshotChunkAddTotalCount(b, c.TotalCount)
	partitionfb.SnapshotChunkAddSequence(b, c.Sequence)
	partitionfb.SnapshotChunkAddSnapshotChecksum(b, c.SnapshotChecksum)
	partitionfb.SnapshotChunkAddChunkChecksum(b, xxh3.Hash(c.Data))
	partitionfb.SnapshotChunkAddFileOffset(b, c.FileOffset)
	partitionfb.SnapshotChunkAddData(b, data)
	b.FinishWithFileIdentifier(partitionfb.SnapshotChunkEnd(b), []byte(ChunkIdentifier))

	return b.FinishedBytes()
}

// DecodeChunk parses and verifies a chunk. Data aliases buf.
func DecodeChunk(buf []byte) (c Chunk, err error) {
	const idOffset = flatbuffers.SizeUOffsetT
	if len(buf) < idOffset+len(ChunkIdentifier) || string(buf[idOffset:idOffset+len(ChunkIdentifier)]) != ChunkIdentifier {
		return Chunk{}, ErrInvalidChunk
	}
	defer func() {
		if r := recover(); r != nil {
			c = Chunk{}
			err = fmt.Errorf("%w: corrupt buffer: %v", ErrInvalidChunk, r)
		}
	}()

	fb := partitionfb.GetRootAsSnapshotChunk(buf, 0)
	c = Chunk{
		SnapshotID:       string(fb.SnapshotId()),
		TransferID:       string(fb.TransferId()),
		FileName:         string(fb.FileName()),
		TotalCount:       fb.TotalCount(),
		Sequence:         fb.Sequence(),
		SnapshotChecksum: fb.SnapshotChecksum(),
		ChunkChecksum:    fb.ChunkChecksum(),
		FileOffset:       fb.FileOffset(),
		Data:             fb.DataBytes(),
	}
	if c.Sequence >= c.TotalCount {
		return Chunk{}, fmt.Errorf("%w: sequence %d of %d", ErrInvalidChunk, c.Sequence, c.TotalCount)
	}
	if xxh3.Hash(c.Data) != c.ChunkChecksum {
		return Chunk{}, fmt.Errorf("%w: %s sequence %d", ErrChunkChecksum, c.FileName, c.Sequence)
	}
	return c, nil
}
