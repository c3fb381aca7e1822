package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/chatload/internal/loadgen/config"
	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
)

// Report is the machine-readable summary of a finished run.
type Report struct {
	RunID     string          `json:"runId" yaml:"runId"`
	Name      string          `json:"name,omitempty" yaml:"name,omitempty"`
	Host      string          `json:"host" yaml:"host"`
	StartTime time.Time       `json:"startTime" yaml:"startTime"`
	EndTime   time.Time       `json:"endTime" yaml:"endTime"`
	Duration  config.Duration `json:"duration" yaml:"duration"`
	Seed      int64           `json:"seed" yaml:"seed"`

	// ConfiguredSessions is the target session count
	ConfiguredSessions int `json:"configuredSessions" yaml:"configuredSessions"`

	Operations []OperationReport `json:"operations" yaml:"operations"`
	Totals     Totals            `json:"totals" yaml:"totals"`
	Sessions   SessionReport     `json:"sessions" yaml:"sessions"`
	Phases     []PhaseReport     `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// OperationReport holds the statistics of one operation name.
type OperationReport struct {
	Operation   string        `json:"operation" yaml:"operation"`
	Channel     string        `json:"channel" yaml:"channel"`
	Count       int64         `json:"count" yaml:"count"`
	Successes   int64         `json:"successes" yaml:"successes"`
	Failures    int64         `json:"failures" yaml:"failures"`
	FailureRate float64       `json:"failureRate" yaml:"failureRate"`
	Bytes       int64         `json:"bytes" yaml:"bytes"`
	Latency     LatencyReport `json:"latencyMs" yaml:"latencyMs"`
}

// LatencyReport is a latency distribution in milliseconds.
type LatencyReport struct {
	Min  float64 `json:"min" yaml:"min"`
	Mean float64 `json:"mean" yaml:"mean"`
	P50  float64 `json:"p50" yaml:"p50"`
	P90  float64 `json:"p90" yaml:"p90"`
	P95  float64 `json:"p95" yaml:"p95"`
	P99  float64 `json:"p99" yaml:"p99"`
	Max  float64 `json:"max" yaml:"max"`
}

// Totals aggregates every operation.
type Totals struct {
	Requests  int64         `json:"requests" yaml:"requests"`
	Successes int64         `json:"successes" yaml:"successes"`
	Failures  int64         `json:"failures" yaml:"failures"`
	ErrorRate float64       `json:"errorRate" yaml:"errorRate"`
	Bytes     int64         `json:"bytes" yaml:"bytes"`
	RPS       float64       `json:"rps" yaml:"rps"`
	Latency   LatencyReport `json:"latencyMs" yaml:"latencyMs"`
}

// SessionReport accounts for every spawned session. Stopped includes
// dropped sessions, so Stopped + ForceTerminated == Spawned.
type SessionReport struct {
	Spawned         int              `json:"spawned" yaml:"spawned"`
	Stopped         int              `json:"stopped" yaml:"stopped"`
	ForceTerminated int              `json:"forceTerminated" yaml:"forceTerminated"`
	Dropped         int64            `json:"dropped" yaml:"dropped"`
	DroppedByReason map[string]int64 `json:"droppedByReason,omitempty" yaml:"droppedByReason,omitempty"`
}

// PhaseReport records when the run entered a phase.
type PhaseReport struct {
	Phase    string    `json:"phase" yaml:"phase"`
	At       time.Time `json:"at" yaml:"at"`
	Requests int64     `json:"requests" yaml:"requests"`
}

// Operation returns the report for one operation name.
func (r *Report) Operation(name string) (OperationReport, bool) {
	for _, op := range r.Operations {
		if op.Operation == name {
			return op, true
		}
	}
	return OperationReport{}, false
}

// WriteFile writes the report as YAML for .yaml/.yml paths and as
// indented JSON otherwise.
func (r *Report) WriteFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(r)
	default:
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func latencyReport(s metrics.LatencyStats) LatencyReport {
	return LatencyReport{
		Min:  ms(s.Min),
		Mean: ms(s.Mean),
		P50:  ms(s.P50),
		P90:  ms(s.P90),
		P95:  ms(s.P95),
		P99:  ms(s.P99),
		Max:  ms(s.Max),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func buildReport(c *Coordinator, engine *metrics.Engine, sessions SessionReport, start, end time.Time) *Report {
	snap := engine.GetSnapshot()

	rps := 0.0
	if elapsed := end.Sub(start).Seconds(); elapsed > 0 {
		rps = float64(snap.TotalRequests) / elapsed
	}

	ops := engine.GetOperationStats()
	opReports := make([]OperationReport, 0, len(ops))
	for _, op := range ops {
		opReports = append(opReports, OperationReport{
			Operation:   op.Operation,
			Channel:     string(op.Channel),
			Count:       op.Count,
			Successes:   op.Successes,
			Failures:    op.Failures,
			FailureRate: op.FailureRate(),
			Bytes:       op.Bytes,
			Latency:     latencyReport(op.Latency),
		})
	}

	var phases []PhaseReport
	for _, p := range engine.GetPhaseHistory() {
		phases = append(phases, PhaseReport{Phase: string(p.Phase), At: p.Timestamp, Requests: p.Requests})
	}

	sessions.Dropped, sessions.DroppedByReason = engine.DroppedSessions()

	return &Report{
		RunID:              c.runID,
		Name:               c.cfg.Name,
		Host:               c.cfg.Host,
		StartTime:          start,
		EndTime:            end,
		Duration:           config.Duration(end.Sub(start)),
		Seed:               c.seed,
		ConfiguredSessions: c.cfg.Sessions,
		Operations:         opReports,
		Totals: Totals{
			Requests:  snap.TotalRequests,
			Successes: snap.SuccessRequests,
			Failures:  snap.FailedRequests,
			ErrorRate: snap.ErrorRate,
			Bytes:     snap.TotalBytes,
			RPS:       rps,
			Latency:   latencyReport(snap.Latency),
		},
		Sessions: sessions,
		Phases:   phases,
	}
}
