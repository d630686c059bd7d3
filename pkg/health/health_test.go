package health

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	failures  []error
	recovered int
}

func (r *recordingListener) OnFailure(_ string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, cause)
}

func (r *recordingListener) OnRecovered(_ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered++
}

func TestMonitor_FailureAndRecovery(t *testing.T) {
	m := NewMonitor("snapshot-director")
	l := &recordingListener{}
	m.AddListener(l)

	assert.Equal(t, Healthy, m.Status())
	assert.Equal(t, "snapshot-director", m.Name())

	// healthy -> healthy does not notify
	m.ReportHealthy()
	assert.Equal(t, 0, l.recovered)

	cause := errors.New("disk full")
	m.ReportFailure(cause)
	assert.Equal(t, Unhealthy, m.Status())
	assert.ErrorIs(t, m.LastError(), cause)
	require.Len(t, l.failures, 1)

	m.ReportHealthy()
	assert.Equal(t, Healthy, m.Status())
	assert.NoError(t, m.LastError())
	assert.Equal(t, 1, l.recovered)
}

func TestMonitor_RemoveListener(t *testing.T) {
	m := NewMonitor("x")
	l := &recordingListener{}
	m.AddListener(l)
	m.RemoveListener(l)

	m.ReportFailure(errors.New("boom"))
	assert.Empty(t, l.failures)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "unhealthy", Unhealthy.String())
	assert.Equal(t, "unknown", Status(9).String())
}
