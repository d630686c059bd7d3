package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildApplicationEntry_Decode(t *testing.T) {
	builder := NewBuilder()

	data, err := builder.BuildApplicationEntry(10, 12, [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})
	require.NoError(t, err)
	require.True(t, IsApplicationEntry(data))

	entry, err := DecodeApplicationEntry(data)
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.LowestPosition)
	assert.Equal(t, int64(12), entry.HighestPosition)
	require.Len(t, entry.Records, 3)
	assert.Equal(t, []byte("bb"), entry.Records[1])

	lowest, highest, err := DecodePositions(data)
	require.NoError(t, err)
	assert.Equal(t, int64(10), lowest)
	assert.Equal(t, int64(12), highest)
}

func TestBuildApplicationEntry_EmptyBatch(t *testing.T) {
	data, err := NewBuilder().BuildApplicationEntry(5, 5, nil)
	require.NoError(t, err)

	entry, err := DecodeApplicationEntry(data)
	require.NoError(t, err)
	assert.Empty(t, entry.Records)
	assert.Equal(t, int64(5), entry.HighestPosition)
}

func TestBuildApplicationEntry_RejectsInvertedRange(t *testing.T) {
	_, err := NewBuilder().BuildApplicationEntry(9, 3, nil)
	assert.ErrorIs(t, err, ErrInvalidPositions)
}

func TestDecode_NotApplicationEntry(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil", data: nil},
		{name: "short", data: []byte{1, 2, 3}},
		{name: "foreign_payload", data: []byte("configuration change payload")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, IsApplicationEntry(tt.data))
			_, err := DecodeApplicationEntry(tt.data)
			assert.ErrorIs(t, err, ErrNotApplicationEntry)
		})
	}
}

func TestDecode_CorruptBufferDoesNotPanic(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0x7f, 'P', 'A', 'E', 'N'}
	_, err := DecodeApplicationEntry(data)
	assert.ErrorIs(t, err, ErrNotApplicationEntry)
}

func TestDecodeBatchData_Truncated(t *testing.T) {
	// declares 10 bytes but carries 2
	batch := []byte{10, 0, 0, 0, 'a', 'b'}
	assert.Empty(t, DecodeBatchData(batch, 1))
}
