package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(op string, d time.Duration, success bool, bytes int64) Event {
	return Event{
		Operation: op,
		Channel:   ChannelHTTP,
		Duration:  d,
		Bytes:     bytes,
		Success:   success,
		Timestamp: time.Now(),
	}
}

func TestNewEngine(t *testing.T) {
	engine := NewEngine()
	if engine == nil {
		t.Fatal("NewEngine() returned nil")
	}

	snapshot := engine.GetSnapshot()
	if snapshot.TotalRequests != 0 {
		t.Errorf("Initial TotalRequests = %d, want 0", snapshot.TotalRequests)
	}
	if snapshot.CurrentPhase != PhaseInit {
		t.Errorf("Initial phase = %v, want %v", snapshot.CurrentPhase, PhaseInit)
	}
}

func TestEngine_Record(t *testing.T) {
	engine := NewEngine()

	engine.Record(event("search_users", 10*time.Millisecond, true, 1000))
	engine.Record(event("search_users", 20*time.Millisecond, true, 2000))
	engine.Record(event("get_user_profile", 30*time.Millisecond, false, 500))

	snapshot := engine.GetSnapshot()

	if snapshot.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", snapshot.TotalRequests)
	}
	if snapshot.SuccessRequests != 2 {
		t.Errorf("SuccessRequests = %d, want 2", snapshot.SuccessRequests)
	}
	if snapshot.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", snapshot.FailedRequests)
	}
	if snapshot.TotalBytes != 3500 {
		t.Errorf("TotalBytes = %d, want 3500", snapshot.TotalBytes)
	}

	search, ok := engine.Operation("search_users")
	require.True(t, ok)
	assert.Equal(t, int64(2), search.Count)
	assert.Equal(t, int64(0), search.Failures)
	assert.Equal(t, int64(3000), search.Bytes)
	assert.Equal(t, ChannelHTTP, search.Channel)

	profile, ok := engine.Operation("get_user_profile")
	require.True(t, ok)
	assert.Equal(t, int64(1), profile.Failures)
	assert.InDelta(t, 1.0, profile.FailureRate(), 1e-9)

	_, ok = engine.Operation("send_message")
	assert.False(t, ok)
}

func TestEngine_LatencyPercentiles(t *testing.T) {
	engine := NewEngine()

	for i := 1; i <= 10; i++ {
		engine.Record(event("login", time.Duration(i*10)*time.Millisecond, true, 100))
	}

	stats, ok := engine.Operation("login")
	require.True(t, ok)

	// HDR binning keeps values within 3 significant figures
	if stats.Latency.P50 < 40*time.Millisecond || stats.Latency.P50 > 60*time.Millisecond {
		t.Errorf("P50 = %v, want ~50ms", stats.Latency.P50)
	}
	if stats.Latency.P99 < 90*time.Millisecond || stats.Latency.P99 > 110*time.Millisecond {
		t.Errorf("P99 = %v, want ~100ms", stats.Latency.P99)
	}
	assert.InDelta(t, float64(10*time.Millisecond), float64(stats.Latency.Min), float64(100*time.Microsecond))
	assert.Equal(t, int64(10), stats.Latency.Count)
}

func TestEngine_ConcurrentRecord(t *testing.T) {
	engine := NewEngine()

	const workers = 50
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				engine.Record(event("send_message", time.Millisecond, i%2 == 0, 1))
			}
		}(w)
	}
	wg.Wait()

	snapshot := engine.GetSnapshot()
	assert.Equal(t, int64(workers*perWorker), snapshot.TotalRequests)
	assert.Equal(t, int64(workers*perWorker), snapshot.TotalBytes)
	assert.Equal(t, snapshot.TotalRequests, snapshot.SuccessRequests+snapshot.FailedRequests)

	stats, _ := engine.Operation("send_message")
	assert.Equal(t, int64(workers*perWorker), stats.Count)
	assert.Equal(t, int64(workers*perWorker), stats.Latency.Count)
}

func TestEngine_Phases(t *testing.T) {
	engine := NewEngine()

	engine.SetPhase(PhaseRampUp)
	engine.SetPhase(PhaseRampUp)
	engine.SetPhase(PhaseSteady)

	assert.Equal(t, PhaseSteady, engine.GetPhase())

	history := engine.GetPhaseHistory()
	require.Len(t, history, 2)
	assert.Equal(t, PhaseRampUp, history[0].Phase)
	assert.Equal(t, PhaseSteady, history[1].Phase)
}

func TestEngine_DroppedSessions(t *testing.T) {
	engine := NewEngine()

	engine.RecordDroppedSession("signup")
	engine.RecordDroppedSession("signup")
	engine.RecordDroppedSession("discovery")

	total, byReason := engine.DroppedSessions()
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), byReason["signup"])
	assert.Equal(t, int64(1), byReason["discovery"])

	snapshot := engine.GetSnapshot()
	assert.Equal(t, int64(3), snapshot.DroppedSessions)
}

func TestEngine_OperationStatsSorted(t *testing.T) {
	engine := NewEngine()
	engine.Record(event("search_users", time.Millisecond, true, 0))
	engine.Record(event("get_conversation_list", time.Millisecond, true, 0))
	engine.Record(event("refresh_token", time.Millisecond, true, 0))

	stats := engine.GetOperationStats()
	require.Len(t, stats, 3)
	assert.Equal(t, "get_conversation_list", stats[0].Operation)
	assert.Equal(t, "refresh_token", stats[1].Operation)
	assert.Equal(t, "search_users", stats[2].Operation)
}

func TestEngine_MarkStart(t *testing.T) {
	engine := NewEngine()
	start := time.Now().Add(-2 * time.Second)
	engine.MarkStart(start)

	for i := 0; i < 10; i++ {
		engine.Record(event("login", time.Millisecond, true, 0))
	}

	snapshot := engine.GetSnapshot()
	assert.True(t, snapshot.StartTime.Equal(start))
	assert.GreaterOrEqual(t, snapshot.Elapsed, 2*time.Second)
	assert.InDelta(t, 5.0, snapshot.RPS, 0.5)
}

func TestEngine_MarkStartConcurrentWithSnapshot(t *testing.T) {
	engine := NewEngine()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			engine.MarkStart(time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = engine.GetSnapshot()
		}
	}()
	wg.Wait()
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	engine := NewEngine()
	engine.AddSink(sink)

	engine.Record(event("login", 5*time.Millisecond, true, 64))
	engine.Record(event("login", 5*time.Millisecond, false, 0))
	engine.Record(Event{Operation: "send_message", Channel: ChannelWebSocket, Success: true, Bytes: 120})
	engine.RecordDroppedSession("signup")

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("login", "HTTP", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("login", "HTTP", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("send_message", "WebSocket", "success")))
	assert.Equal(t, 120.0, testutil.ToFloat64(sink.bytes.WithLabelValues("send_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.dropped.WithLabelValues("signup")))

	// A second sink on the same registry collides.
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}

func TestEvent_LatencyMs(t *testing.T) {
	ev := Event{Duration: 1500 * time.Microsecond}
	assert.InDelta(t, 1.5, ev.LatencyMs(), 1e-9)
}
