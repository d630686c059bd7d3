package metrics

// Nop discards all metrics.
type Nop struct{}

var _ Sink = (*Nop)(nil)

// NewNop returns a sink that discards everything.
func NewNop() *Nop {
	return &Nop{}
}

func (n *Nop) ObserveSnapshotDuration(_ string, _ float64)     {}
func (n *Nop) RecordSnapshot(_, _ string)                      {}
func (n *Nop) SetSnapshotSize(_ string, _ int64, _ int)        {}
func (n *Nop) SetSnapshotHealth(_ string, _ bool)              {}
func (n *Nop) ObserveTransitionStep(_, _, _ string, _ float64) {}
func (n *Nop) SetRole(_, _ string)                             {}
func (n *Nop) RecordReplicatedChunk(_, _ string)               {}
