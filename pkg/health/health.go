// Package health tracks the health of a partition component and notifies
// listeners when it changes.
package health

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Status is the health of a component.
type Status int32

const (
	Healthy Status = iota
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Listener is notified of health transitions.
type Listener interface {
	// OnFailure is called when the component becomes unhealthy.
	OnFailure(name string, cause error)
	// OnRecovered is called when the component becomes healthy again.
	OnRecovered(name string)
}

// Monitor holds the health status of one named component.
type Monitor struct {
	name      string
	status    atomic.Int32
	mu        sync.Mutex
	lastErr   error
	listeners *xsync.Map[Listener, struct{}]
}

// NewMonitor returns a healthy monitor.
func NewMonitor(name string) *Monitor {
	return &Monitor{
		name:      name,
		listeners: xsync.NewMap[Listener, struct{}](),
	}
}

// Name returns the monitored component's name.
func (m *Monitor) Name() string {
	return m.name
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	return Status(m.status.Load())
}

// LastError returns the cause of the latest failure, or nil when healthy.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// AddListener registers l. Listeners must be comparable.
func (m *Monitor) AddListener(l Listener) {
	m.listeners.Store(l, struct{}{})
}

// RemoveListener unregisters l.
func (m *Monitor) RemoveListener(l Listener) {
	m.listeners.Delete(l)
}

// ReportFailure marks the component unhealthy. Listeners are notified on
// every failure, not only on the first one.
func (m *Monitor) ReportFailure(cause error) {
	m.mu.Lock()
	m.lastErr = cause
	m.mu.Unlock()
	m.status.Store(int32(Unhealthy))

	m.listeners.Range(func(l Listener, _ struct{}) bool {
		l.OnFailure(m.name, cause)
		return true
	})
}

// ReportHealthy marks the component healthy. Listeners are notified only if
// it was unhealthy.
func (m *Monitor) ReportHealthy() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	if !m.status.CompareAndSwap(int32(Unhealthy), int32(Healthy)) {
		return
	}

	m.listeners.Range(func(l Listener, _ struct{}) bool {
		l.OnRecovered(m.name)
		return true
	})
}
