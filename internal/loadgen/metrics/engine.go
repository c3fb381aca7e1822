package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Sink receives every event after the engine has aggregated it. Sinks run on
// the recording goroutine and must be safe for concurrent use.
type Sink interface {
	Observe(ev Event)
	SessionDropped(reason string)
}

// Engine aggregates metric events using HDR histograms.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Totals use atomic operations and the
// histograms are guarded by mutexes since HDR histograms are not safe for
// concurrent writers. Aggregation is commutative, so the order in which
// sessions submit events never changes the result.
type Engine struct {
	// Range: 1 microsecond to 1 hour, 3 significant figures
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	ops   map[string]*opAggregate
	opsMu sync.RWMutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	totalBytes      atomic.Int64

	activeSessions atomic.Int32

	dropped   map[string]int64
	droppedMu sync.Mutex

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	sinks   []Sink
	sinksMu sync.RWMutex

	startTime atomic.Int64 // unix nanos

	config EngineConfig
}

// opAggregate holds the per-operation histogram and counters. It is only
// touched with opsMu held for writing.
type opAggregate struct {
	channel   Channel
	hist      *hdrhistogram.Histogram
	count     int64
	successes int64
	failures  int64
	bytes     int64
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000, // 1 hour in microseconds
		HistogramSigFigs: 3,
	}
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine with custom configuration.
func NewEngineWithConfig(config EngineConfig) *Engine {
	e := &Engine{
		latencyHist:  hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		ops:          make(map[string]*opAggregate),
		dropped:      make(map[string]int64),
		currentPhase: PhaseInit,
		phaseHistory: make([]PhaseChange, 0),
		config:       config,
	}
	e.startTime.Store(time.Now().UnixNano())
	return e
}

// MarkStart sets the time rates and elapsed time are measured from. The
// coordinator calls it when a run begins.
func (e *Engine) MarkStart(t time.Time) {
	e.startTime.Store(t.UnixNano())
}

// AddSink registers a sink that observes every recorded event.
func (e *Engine) AddSink(s Sink) {
	e.sinksMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinksMu.Unlock()
}

// Record aggregates one metric event.
func (e *Engine) Record(ev Event) {
	latencyMicros := e.clamp(ev.Duration.Microseconds())

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(latencyMicros)
	e.latencyHistMu.Unlock()

	e.recordOperation(ev, latencyMicros)

	e.totalRequests.Add(1)
	e.totalBytes.Add(ev.Bytes)
	if ev.Success {
		e.successRequests.Add(1)
	} else {
		e.failedRequests.Add(1)
	}

	e.sinksMu.RLock()
	for _, s := range e.sinks {
		s.Observe(ev)
	}
	e.sinksMu.RUnlock()
}

func (e *Engine) clamp(v int64) int64 {
	if v < e.config.HistogramMin {
		return e.config.HistogramMin
	}
	if v > e.config.HistogramMax {
		return e.config.HistogramMax
	}
	return v
}

// NOTE: HDR histogram RecordValue is NOT thread-safe, so we must hold a lock.
func (e *Engine) recordOperation(ev Event, latencyMicros int64) {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()

	agg, exists := e.ops[ev.Operation]
	if !exists {
		agg = &opAggregate{
			channel: ev.Channel,
			hist:    hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs),
		}
		e.ops[ev.Operation] = agg
	}

	_ = agg.hist.RecordValue(latencyMicros)
	agg.count++
	agg.bytes += ev.Bytes
	if ev.Success {
		agg.successes++
	} else {
		agg.failures++
	}
}

// RecordDroppedSession counts a session removed by a fatal startup failure.
func (e *Engine) RecordDroppedSession(reason string) {
	e.droppedMu.Lock()
	e.dropped[reason]++
	e.droppedMu.Unlock()

	e.sinksMu.RLock()
	for _, s := range e.sinks {
		s.SessionDropped(reason)
	}
	e.sinksMu.RUnlock()
}

// DroppedSessions returns the total dropped count and a copy of the
// per-reason breakdown.
func (e *Engine) DroppedSessions() (int64, map[string]int64) {
	e.droppedMu.Lock()
	defer e.droppedMu.Unlock()

	var total int64
	byReason := make(map[string]int64, len(e.dropped))
	for reason, n := range e.dropped {
		byReason[reason] = n
		total += n
	}
	return total, byReason
}

// SetPhase updates the current run phase.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current run phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// SetActiveSessions updates the active session count.
func (e *Engine) SetActiveSessions(count int) {
	e.activeSessions.Store(int32(count))
}

// GetActiveSessions returns the current active session count.
func (e *Engine) GetActiveSessions() int {
	return int(e.activeSessions.Load())
}

// GetSnapshot returns a point-in-time snapshot of the run totals.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latencyStats := latencyStatsOf(e.latencyHist)
	e.latencyHistMu.Unlock()

	start := time.Unix(0, e.startTime.Load())
	elapsed := time.Since(start)
	totalReqs := e.totalRequests.Load()
	failedReqs := e.failedRequests.Load()

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(totalReqs) / elapsed.Seconds()
	}

	errorRate := 0.0
	if totalReqs > 0 {
		errorRate = float64(failedReqs) / float64(totalReqs)
	}

	dropped, byReason := e.DroppedSessions()

	return &Snapshot{
		TotalRequests:   totalReqs,
		SuccessRequests: e.successRequests.Load(),
		FailedRequests:  failedReqs,
		TotalBytes:      e.totalBytes.Load(),
		Latency:         latencyStats,
		RPS:             rps,
		ErrorRate:       errorRate,
		ActiveSessions:  e.GetActiveSessions(),
		DroppedSessions: dropped,
		DroppedByReason: byReason,
		CurrentPhase:    e.GetPhase(),
		Elapsed:         elapsed,
		StartTime:       start,
		Timestamp:       time.Now(),
	}
}

// GetOperationStats returns per-operation statistics sorted by operation
// name.
func (e *Engine) GetOperationStats() []OperationStats {
	e.opsMu.RLock()
	defer e.opsMu.RUnlock()

	result := make([]OperationStats, 0, len(e.ops))
	for name, agg := range e.ops {
		result = append(result, OperationStats{
			Operation: name,
			Channel:   agg.channel,
			Count:     agg.count,
			Successes: agg.successes,
			Failures:  agg.failures,
			Bytes:     agg.bytes,
			Latency:   latencyStatsOf(agg.hist),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Operation < result[j].Operation
	})
	return result
}

// Operation returns the stats for a single operation and whether any event
// was recorded for it.
func (e *Engine) Operation(name string) (OperationStats, bool) {
	e.opsMu.RLock()
	defer e.opsMu.RUnlock()

	agg, ok := e.ops[name]
	if !ok {
		return OperationStats{Operation: name}, false
	}
	return OperationStats{
		Operation: name,
		Channel:   agg.channel,
		Count:     agg.count,
		Successes: agg.successes,
		Failures:  agg.failures,
		Bytes:     agg.bytes,
		Latency:   latencyStatsOf(agg.hist),
	}, true
}

func latencyStatsOf(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}
