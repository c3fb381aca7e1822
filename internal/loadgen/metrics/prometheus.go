package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink mirrors recorded events into Prometheus collectors so a
// running load test can be scraped.
type PrometheusSink struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

// NewPrometheusSink creates the collectors and registers them with reg.
// A dedicated registry per run keeps multiple coordinators in one process
// from colliding.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatload_requests_total",
			Help: "Operation attempts by operation, channel and result.",
		}, []string{"operation", "channel", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatload_request_duration_seconds",
			Help:    "Operation attempt latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"operation", "channel"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatload_response_bytes_total",
			Help: "Payload bytes by operation.",
		}, []string{"operation"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatload_sessions_dropped_total",
			Help: "Sessions removed by a fatal startup failure.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{s.requests, s.latency, s.bytes, s.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Observe implements Sink.
func (s *PrometheusSink) Observe(ev Event) {
	result := "success"
	if !ev.Success {
		result = "failure"
	}
	s.requests.WithLabelValues(ev.Operation, string(ev.Channel), result).Inc()
	s.latency.WithLabelValues(ev.Operation, string(ev.Channel)).Observe(ev.Duration.Seconds())
	s.bytes.WithLabelValues(ev.Operation).Add(float64(ev.Bytes))
}

// SessionDropped implements Sink.
func (s *PrometheusSink) SessionDropped(reason string) {
	s.dropped.WithLabelValues(reason).Inc()
}
