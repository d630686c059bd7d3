package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotPosition(t *testing.T) {
	tests := []struct {
		name      string
		processed int64
		exported  int64
		want      int64
	}{
		{name: "exporter_behind", processed: 100, exported: 40, want: 40},
		{name: "processor_behind", processed: 40, exported: 100, want: 40},
		{name: "no_exporters", processed: 100, exported: NoExporters, want: 100},
		{name: "equal", processed: 7, exported: 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SnapshotPosition(tt.processed, tt.exported))
		})
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "Processing", ModeProcessing.String())
	assert.Equal(t, "Replay", ModeReplay.String())
	assert.Equal(t, "Unknown", Mode(9).String())
}
