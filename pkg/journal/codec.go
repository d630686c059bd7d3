package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"github.com/zeebo/xxh3"
)

// Codec defines the interface for encoding and decoding raft log entries.
// Implementations must be safe for concurrent use.
type Codec interface {
	ID() uint64

	// Encode serializes a raft.Log into a byte slice.
	Encode(log *raft.Log) ([]byte, error)

	// Decode deserializes a byte slice into a raft.Log. The returned Log
	// must not alias data: bbolt values are only valid inside a transaction.
	Decode(data []byte) (raft.Log, error)
}

const (
	// CodecBinaryV1ID is the ID for the built-in binary codec.
	CodecBinaryV1ID uint64 = 1

	checksumSize = 8
	headerSize   = 8 + 8 + 1 + 8
)

var (
	// ErrChecksumMismatch is returned when a stored entry fails verification.
	ErrChecksumMismatch = errors.New("log entry checksum mismatch")
)

// BinaryCodecV1 is the default codec.
// Format: term(8) | index(8) | type(1) | appendedAt(8) | dataLen(varint) | data | extLen(varint) | ext | xxh3(8)
type BinaryCodecV1 struct{}

// ID returns the codec identifier.
func (c BinaryCodecV1) ID() uint64 {
	return CodecBinaryV1ID
}

// Encode serializes a raft.Log.
func (c BinaryCodecV1) Encode(l *raft.Log) ([]byte, error) {
	dataLenSize := varintSize(uint64(len(l.Data)))
	extLenSize := varintSize(uint64(len(l.Extensions)))
	totalSize := headerSize + dataLenSize + len(l.Data) + extLenSize + len(l.Extensions) + checksumSize

	buf := make([]byte, totalSize)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], l.Term)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], l.Index)
	offset += 8

	buf[offset] = byte(l.Type)
	offset++

	var appended int64
	if !l.AppendedAt.IsZero() {
		appended = l.AppendedAt.UnixNano()
	}
	binary.LittleEndian.PutUint64(buf[offset:], uint64(appended))
	offset += 8

	offset += binary.PutUvarint(buf[offset:], uint64(len(l.Data)))
	copy(buf[offset:], l.Data)
	offset += len(l.Data)

	offset += binary.PutUvarint(buf[offset:], uint64(len(l.Extensions)))
	copy(buf[offset:], l.Extensions)
	offset += len(l.Extensions)

	binary.LittleEndian.PutUint64(buf[offset:], xxh3.Hash(buf[:offset]))

	return buf, nil
}

// Decode deserializes a raft.Log, verifying its checksum.
func (c BinaryCodecV1) Decode(data []byte) (raft.Log, error) {
	if len(data) < headerSize+checksumSize {
		return raft.Log{}, errors.New("data too short")
	}

	body := data[:len(data)-checksumSize]
	want := binary.LittleEndian.Uint64(data[len(body):])
	if got := xxh3.Hash(body); got != want {
		return raft.Log{}, fmt.Errorf("%w: got %x want %x", ErrChecksumMismatch, got, want)
	}

	var l raft.Log
	l.Term = binary.LittleEndian.Uint64(body[0:8])
	l.Index = binary.LittleEndian.Uint64(body[8:16])
	l.Type = raft.LogType(body[16])

	ts := binary.LittleEndian.Uint64(body[17:25])
	if ts != 0 {
		l.AppendedAt = time.Unix(0, int64(ts))
	}

	offset := headerSize

	dataLen, n := binary.Uvarint(body[offset:])
	if n <= 0 {
		return raft.Log{}, errors.New("invalid data length varint")
	}
	offset += n

	if dataLen > 0 {
		if dataLen > uint64(len(body)-offset) {
			return raft.Log{}, errors.New("data length exceeds buffer")
		}
		l.Data = append([]byte(nil), body[offset:offset+int(dataLen)]...)
		offset += int(dataLen)
	}

	extLen, n := binary.Uvarint(body[offset:])
	if n <= 0 {
		return raft.Log{}, errors.New("invalid extensions length varint")
	}
	offset += n

	if extLen > 0 {
		if extLen > uint64(len(body)-offset) {
			return raft.Log{}, errors.New("extensions length exceeds buffer")
		}
		l.Extensions = append([]byte(nil), body[offset:offset+int(extLen)]...)
	}

	return l, nil
}

// varintSize returns the number of bytes needed to encode v as a varint.
func varintSize(v uint64) int {
	size := 1
	for v >= 0x80 {
		v >>= 7
		size++
	}
	return size
}

var _ Codec = (*BinaryCodecV1)(nil)
