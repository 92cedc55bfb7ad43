package observe

import "time"

// Metrics captures the persistence-layer metric sinks.
type Metrics interface {
	IncLocationFailure(role, op string)
	IncLocationRestored(role string)
	SetActiveLocations(role string, n int)
	ObserveSave(result string, d time.Duration)
	ObserveCheckpointBytes(n int)
	IncEditsAppend(result string)
	ObserveEditsSync(d time.Duration)
	IncTornSegment()
	SetLastWrittenTxID(txid uint64)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) IncLocationFailure(string, string)   {}
func (NoopMetrics) IncLocationRestored(string)          {}
func (NoopMetrics) SetActiveLocations(string, int)      {}
func (NoopMetrics) ObserveSave(string, time.Duration)   {}
func (NoopMetrics) ObserveCheckpointBytes(int)          {}
func (NoopMetrics) IncEditsAppend(string)               {}
func (NoopMetrics) ObserveEditsSync(time.Duration)      {}
func (NoopMetrics) IncTornSegment()                     {}
func (NoopMetrics) SetLastWrittenTxID(uint64)           {}
