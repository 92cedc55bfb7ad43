package observe

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes persistence metrics. Collectors are created eagerly and
// registered with reg when the owning Handle starts.
type Prometheus struct {
	reg prometheus.Registerer

	locationFailureTotal  *prometheus.CounterVec
	locationRestoredTotal *prometheus.CounterVec
	activeLocations       *prometheus.GaugeVec
	saveDuration          *prometheus.HistogramVec
	checkpointBytes       prometheus.Histogram
	editsAppendTotal      *prometheus.CounterVec
	editsSyncDuration     prometheus.Histogram
	tornSegmentTotal      prometheus.Counter
	lastWrittenTxID       prometheus.Gauge
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		reg: reg,
		locationFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "namenode",
				Subsystem: "storage",
				Name:      "location_failure_total",
				Help:      "Storage locations marked failed, by role and the write phase that failed.",
			},
			[]string{"role", "op"},
		),
		locationRestoredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "namenode",
				Subsystem: "storage",
				Name:      "location_restored_total",
				Help:      "Failed storage locations that passed a write probe and rejoined.",
			},
			[]string{"role"},
		),
		activeLocations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "namenode",
				Subsystem: "storage",
				Name:      "active_locations",
				Help:      "Storage locations currently accepting writes, by role.",
			},
			[]string{"role"},
		),
		saveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "namenode",
				Subsystem: "fsimage",
				Name:      "save_duration_seconds",
				Help:      "Duration of namespace saves by result (full, partial, failed).",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),
		checkpointBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "namenode",
				Subsystem: "fsimage",
				Name:      "checkpoint_bytes",
				Help:      "Serialized checkpoint size in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		editsAppendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "namenode",
				Subsystem: "editlog",
				Name:      "append_total",
				Help:      "Edit log appends by result (ok, degraded, unavailable).",
			},
			[]string{"result"},
		),
		editsSyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "namenode",
				Subsystem: "editlog",
				Name:      "sync_duration_seconds",
				Help:      "Time to write and fsync one record to every open stream.",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),
		tornSegmentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "namenode",
				Subsystem: "editlog",
				Name:      "torn_segment_total",
				Help:      "Segments whose replay stopped at a truncated or corrupt record.",
			},
		),
		lastWrittenTxID: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "namenode",
				Subsystem: "editlog",
				Name:      "last_written_txid",
				Help:      "Highest transaction id assigned by the edit log.",
			},
		),
	}
}

func (m *Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.locationFailureTotal,
		m.locationRestoredTotal,
		m.activeLocations,
		m.saveDuration,
		m.checkpointBytes,
		m.editsAppendTotal,
		m.editsSyncDuration,
		m.tornSegmentTotal,
		m.lastWrittenTxID,
	}
}

// Register adds every collector to the registerer. Collectors that are
// already registered are tolerated.
func (m *Prometheus) Register() error {
	for _, c := range m.collectors() {
		if err := m.reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return fmt.Errorf("metrics register: %w", err)
		}
	}
	return nil
}

// Unregister removes the collectors added by Register.
func (m *Prometheus) Unregister() {
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}

func (m *Prometheus) IncLocationFailure(role, op string) {
	m.locationFailureTotal.WithLabelValues(role, op).Inc()
}

func (m *Prometheus) IncLocationRestored(role string) {
	m.locationRestoredTotal.WithLabelValues(role).Inc()
}

func (m *Prometheus) SetActiveLocations(role string, n int) {
	m.activeLocations.WithLabelValues(role).Set(float64(n))
}

func (m *Prometheus) ObserveSave(result string, d time.Duration) {
	m.saveDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Prometheus) ObserveCheckpointBytes(n int) {
	m.checkpointBytes.Observe(float64(n))
}

func (m *Prometheus) IncEditsAppend(result string) {
	m.editsAppendTotal.WithLabelValues(result).Inc()
}

func (m *Prometheus) ObserveEditsSync(d time.Duration) {
	m.editsSyncDuration.Observe(d.Seconds())
}

func (m *Prometheus) IncTornSegment() {
	m.tornSegmentTotal.Inc()
}

func (m *Prometheus) SetLastWrittenTxID(txid uint64) {
	m.lastWrittenTxID.Set(float64(txid))
}
