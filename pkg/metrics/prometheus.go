package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var roles = []string{"leader", "follower", "inactive"}

// Prometheus is a Sink backed by Prometheus collectors. Collectors are
// registered lazily on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	snapshotDuration  *prometheus.HistogramVec
	snapshotOutcomes  *prometheus.CounterVec
	snapshotBytes     *prometheus.GaugeVec
	snapshotFiles     *prometheus.GaugeVec
	snapshotHealth    *prometheus.GaugeVec
	transitionLatency *prometheus.HistogramVec
	role              *prometheus.GaugeVec
	replicatedChunks  *prometheus.CounterVec
}

var _ Sink = (*Prometheus)(nil)

// NewPrometheus creates a sink registering into reg (prometheus.DefaultRegisterer
// if nil) under namespace ("partition" if empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "partition"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.snapshotDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Duration of snapshot attempts in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"partition"})

		p.snapshotOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "snapshot",
			Name:      "attempts_total",
			Help:      "Snapshot attempts by outcome (persisted, skipped, failed).",
		}, []string{"partition", "outcome"})

		p.snapshotBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "snapshot",
			Name:      "size_bytes",
			Help:      "Size of the newest persisted snapshot in bytes.",
		}, []string{"partition"})

		p.snapshotFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "snapshot",
			Name:      "files",
			Help:      "Number of files in the newest persisted snapshot.",
		}, []string{"partition"})

		p.snapshotHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "snapshot",
			Name:      "health_status",
			Help:      "Snapshot director health (1=healthy,0=unhealthy).",
		}, []string{"partition"})

		p.transitionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "transition",
			Name:      "step_duration_seconds",
			Help:      "Duration of transition steps in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"partition", "step", "role"})

		p.role = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "transition",
			Name:      "role",
			Help:      "Current role of the partition (1 for the active role label).",
		}, []string{"partition", "role"})

		p.replicatedChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "replication",
			Name:      "chunks_total",
			Help:      "Snapshot chunks by direction (sent, received).",
		}, []string{"partition", "direction"})

		p.reg.MustRegister(p.snapshotDuration)
		p.reg.MustRegister(p.snapshotOutcomes)
		p.reg.MustRegister(p.snapshotBytes)
		p.reg.MustRegister(p.snapshotFiles)
		p.reg.MustRegister(p.snapshotHealth)
		p.reg.MustRegister(p.transitionLatency)
		p.reg.MustRegister(p.role)
		p.reg.MustRegister(p.replicatedChunks)
	})
}

// ObserveSnapshotDuration implements Sink.
func (p *Prometheus) ObserveSnapshotDuration(partition string, seconds float64) {
	p.ensureRegistered()
	p.snapshotDuration.WithLabelValues(partition).Observe(seconds)
}

// RecordSnapshot implements Sink.
func (p *Prometheus) RecordSnapshot(partition, outcome string) {
	p.ensureRegistered()
	p.snapshotOutcomes.WithLabelValues(partition, outcome).Inc()
}

// SetSnapshotSize implements Sink.
func (p *Prometheus) SetSnapshotSize(partition string, bytes int64, files int) {
	p.ensureRegistered()
	p.snapshotBytes.WithLabelValues(partition).Set(float64(bytes))
	p.snapshotFiles.WithLabelValues(partition).Set(float64(files))
}

// SetSnapshotHealth implements Sink.
func (p *Prometheus) SetSnapshotHealth(partition string, healthy bool) {
	p.ensureRegistered()
	if healthy {
		p.snapshotHealth.WithLabelValues(partition).Set(1)
	} else {
		p.snapshotHealth.WithLabelValues(partition).Set(0)
	}
}

// ObserveTransitionStep implements Sink.
func (p *Prometheus) ObserveTransitionStep(partition, step, role string, seconds float64) {
	p.ensureRegistered()
	p.transitionLatency.WithLabelValues(partition, step, role).Observe(seconds)
}

// SetRole implements Sink. Exactly one role label is set to 1.
func (p *Prometheus) SetRole(partition, role string) {
	p.ensureRegistered()
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		p.role.WithLabelValues(partition, r).Set(v)
	}
}

// RecordReplicatedChunk implements Sink.
func (p *Prometheus) RecordReplicatedChunk(partition, direction string) {
	p.ensureRegistered()
	p.replicatedChunks.WithLabelValues(partition, direction).Inc()
}
