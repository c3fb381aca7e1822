// Package metrics aggregates per-attempt metric events into run statistics.
package metrics

import "time"

// Channel tags the transport an operation went over.
type Channel string

const (
	// ChannelHTTP marks request/response calls against the REST API.
	ChannelHTTP Channel = "HTTP"
	// ChannelWebSocket marks message frames sent over the streaming channel.
	ChannelWebSocket Channel = "WebSocket"
)

// Event is the immutable record of one operation attempt.
//
// Events are created once at the end of an attempt, successful or not, and
// handed to a Recorder. Nothing mutates an Event after that.
type Event struct {
	Operation  string        `json:"operation"`
	Channel    Channel       `json:"channel"`
	SessionID  int           `json:"sessionId"`
	Duration   time.Duration `json:"duration"`
	Bytes      int64         `json:"bytes"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`

	// Attempt is 1-based and AttemptsLeft counts down for retried operations.
	// Both are zero for operations that are never retried.
	Attempt      int `json:"attempt,omitempty"`
	AttemptsLeft int `json:"attemptsLeft,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// LatencyMs returns the latency in fractional milliseconds.
func (e Event) LatencyMs() float64 {
	return float64(e.Duration) / float64(time.Millisecond)
}

// Recorder consumes metric events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ev Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ev Event)

// Record calls f(ev).
func (f RecorderFunc) Record(ev Event) {
	f(ev)
}

// Phase represents a phase of the run.
type Phase string

const (
	// PhaseInit is the phase before the first session is spawned.
	PhaseInit Phase = "init"

	// PhaseRampUp is the phase while sessions are being spawned.
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is the phase once the target session count is reached.
	PhaseSteady Phase = "steady"

	// PhaseStopping is the phase while sessions tear down.
	PhaseStopping Phase = "stopping"

	// PhaseDone indicates the run has completed
	PhaseDone Phase = "done"
)

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// OperationStats is the aggregate for a single operation name.
type OperationStats struct {
	Operation string       `json:"operation"`
	Channel   Channel      `json:"channel"`
	Count     int64        `json:"count"`
	Successes int64        `json:"successes"`
	Failures  int64        `json:"failures"`
	Bytes     int64        `json:"bytes"`
	Latency   LatencyStats `json:"latency"`
}

// FailureRate returns failures/count, or 0 when nothing was recorded.
func (s OperationStats) FailureRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Count)
}

// Snapshot contains a point-in-time view of the run totals.
type Snapshot struct {
	TotalRequests   int64            `json:"totalRequests"`
	SuccessRequests int64            `json:"successRequests"`
	FailedRequests  int64            `json:"failedRequests"`
	TotalBytes      int64            `json:"totalBytes"`
	Latency         LatencyStats     `json:"latency"`
	RPS             float64          `json:"rps"`
	ErrorRate       float64          `json:"errorRate"`
	ActiveSessions  int              `json:"activeSessions"`
	DroppedSessions int64            `json:"droppedSessions"`
	DroppedByReason map[string]int64 `json:"droppedByReason,omitempty"`
	CurrentPhase    Phase            `json:"currentPhase"`
	Elapsed         time.Duration    `json:"elapsed"`
	StartTime       time.Time        `json:"startTime"`
	Timestamp       time.Time        `json:"timestamp"`
}
