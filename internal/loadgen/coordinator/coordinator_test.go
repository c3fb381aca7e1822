package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/chatload/internal/chatmock"
	"github.com/wesleyorama2/chatload/internal/loadgen"
	"github.com/wesleyorama2/chatload/internal/loadgen/chat"
	"github.com/wesleyorama2/chatload/internal/loadgen/config"
	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

func startMock(t *testing.T, opts chatmock.Options) (*chatmock.Server, string) {
	t.Helper()
	mock := chatmock.New(opts)
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	return mock, srv.URL
}

func testConfig(host string) *config.RunConfig {
	return &config.RunConfig{
		Host:        host,
		Sessions:    10,
		SpawnRate:   5,
		Duration:    config.Duration(3 * time.Second),
		Wait:        config.WaitConfig{Min: config.Duration(10 * time.Millisecond), Max: config.Duration(50 * time.Millisecond)},
		GracePeriod: config.DurationOf(2 * time.Second),
		Seed:        7,
	}
}

func assertAccounting(t *testing.T, r *Report) {
	t.Helper()
	assert.Equal(t, r.Sessions.Spawned, r.Sessions.Stopped+r.Sessions.ForceTerminated,
		"stopped + forceTerminated must equal spawned")
}

func TestCoordinator_EndToEnd(t *testing.T) {
	mock, url := startMock(t, chatmock.Options{})

	c, err := New(testConfig(url))
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, report.Sessions.Spawned)
	assert.Equal(t, 10, report.Sessions.Stopped)
	assert.Zero(t, report.Sessions.ForceTerminated)
	assert.Zero(t, report.Sessions.Dropped)
	assertAccounting(t, report)

	signup, ok := report.Operation(chat.OpSignup)
	require.True(t, ok)
	assert.Equal(t, int64(10), signup.Count)
	assert.Zero(t, signup.Failures)
	assert.Equal(t, string(metrics.ChannelHTTP), signup.Channel)

	logout, ok := report.Operation(chat.OpLogout)
	require.True(t, ok)
	assert.Equal(t, int64(10), logout.Count)

	login, ok := report.Operation(chat.OpLogin)
	require.True(t, ok)
	assert.Positive(t, login.Count)

	send, ok := report.Operation(task.SendMessage)
	require.True(t, ok)
	for _, op := range report.Operations {
		if op.Operation == task.SendMessage {
			continue
		}
		assert.Greater(t, send.Count, op.Count,
			"send_message should outnumber %s", op.Operation)
	}

	assert.Greater(t, report.Totals.Requests, int64(30))
	assert.Equal(t, report.Totals.Requests, report.Totals.Successes+report.Totals.Failures)
	assert.Equal(t, 10, mock.Users())
	assert.Equal(t, int64(7), report.Seed)
	assert.Equal(t, c.RunID(), report.RunID)
	assert.GreaterOrEqual(t, time.Duration(report.Duration), 3*time.Second)
	assert.Equal(t, metrics.PhaseDone, c.Metrics().GetPhase())

	var phases []string
	for _, p := range report.Phases {
		phases = append(phases, p.Phase)
	}
	assert.Equal(t, []string{"ramp-up", "steady", "stopping", "done"}, phases)
}

func TestCoordinator_RatesMeasuredFromRunStart(t *testing.T) {
	_, url := startMock(t, chatmock.Options{})

	cfg := testConfig(url)
	cfg.Sessions = 2
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(300 * time.Millisecond)

	c, err := New(cfg)
	require.NoError(t, err)

	// Idle time between New and Run is not part of the run.
	time.Sleep(500 * time.Millisecond)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, c.Metrics().GetSnapshot().StartTime.Equal(report.StartTime))
	want := float64(report.Totals.Requests) / time.Duration(report.Duration).Seconds()
	assert.InDelta(t, want, report.Totals.RPS, 0.01)
}

func TestCoordinator_SignupRejectionDropsOneSession(t *testing.T) {
	_, url := startMock(t, chatmock.Options{RejectSignup: chatmock.RejectSuffix("_3")})

	cfg := testConfig(url)
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(time.Second)

	c, err := New(cfg)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Sessions.Dropped)
	assert.Equal(t, map[string]int64{loadgen.DropSignup: 1}, report.Sessions.DroppedByReason)
	assert.Equal(t, 10, report.Sessions.Spawned)
	assertAccounting(t, report)

	signup, _ := report.Operation(chat.OpSignup)
	assert.Equal(t, int64(10), signup.Count)
	assert.Equal(t, int64(1), signup.Failures)

	login, _ := report.Operation(chat.OpLogin)
	assert.Equal(t, int64(9), login.Count)
}

func TestCoordinator_DiscoveryNotFoundRetried(t *testing.T) {
	_, url := startMock(t, chatmock.Options{SearchNotFound: 4})

	cfg := testConfig(url)
	cfg.Sessions = 1
	cfg.Duration = config.Duration(300 * time.Millisecond)
	cfg.Tasks = []task.Weight{{Name: task.GetUserProfile, Weight: 1}}

	c, err := New(cfg)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	discover, ok := report.Operation(chat.OpDiscoverUsers)
	require.True(t, ok)
	assert.Equal(t, int64(5), discover.Count)
	assert.Equal(t, int64(4), discover.Failures)
	assert.Equal(t, int64(1), discover.Successes)
	assert.Zero(t, report.Sessions.Dropped)
}

func TestCoordinator_DiscoveryExhaustionDropsSession(t *testing.T) {
	_, url := startMock(t, chatmock.Options{SearchNotFound: 1000})

	cfg := testConfig(url)
	cfg.Sessions = 2
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(300 * time.Millisecond)
	cfg.Retry.MaxAttempts = 3

	c, err := New(cfg)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{loadgen.DropDiscovery: 2}, report.Sessions.DroppedByReason)
	discover, _ := report.Operation(chat.OpDiscoverUsers)
	assert.Equal(t, int64(6), discover.Count)
	assertAccounting(t, report)
}

func TestCoordinator_EmptyConversationSetSendsNothing(t *testing.T) {
	_, url := startMock(t, chatmock.Options{})

	cfg := testConfig(url)
	cfg.Sessions = 1
	cfg.Duration = config.Duration(300 * time.Millisecond)
	cfg.Tasks = []task.Weight{{Name: task.SendMessage, Weight: 1}}

	c, err := New(cfg)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	_, ok := report.Operation(task.SendMessage)
	assert.False(t, ok)
}

func TestCoordinator_StopMidRun(t *testing.T) {
	_, url := startMock(t, chatmock.Options{})

	cfg := testConfig(url)
	cfg.SpawnRate = 50
	cfg.Duration = config.Duration(time.Minute)

	c, err := New(cfg)
	require.NoError(t, err)

	done := make(chan *Report, 1)
	go func() {
		report, err := c.Run(context.Background())
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, func() bool { return c.SpawnedSessions() == 10 }, 5*time.Second, 10*time.Millisecond)
	c.Stop()
	c.Stop()

	select {
	case report := <-done:
		assert.Equal(t, 10, report.Sessions.Spawned)
		assertAccounting(t, report)
		assert.Less(t, time.Duration(report.Duration), 30*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestCoordinator_ContextCancelEndsHold(t *testing.T) {
	_, url := startMock(t, chatmock.Options{})

	cfg := testConfig(url)
	cfg.Sessions = 3
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(time.Minute)

	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sessions.Spawned)
	logout, _ := report.Operation(chat.OpLogout)
	assert.Equal(t, int64(3), logout.Count, "sessions log out after the run context ends")
	assertAccounting(t, report)
}

func TestCoordinator_ForceTerminatesStragglers(t *testing.T) {
	_, url := startMock(t, chatmock.Options{Latency: 500 * time.Millisecond})

	cfg := testConfig(url)
	cfg.Sessions = 2
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(100 * time.Millisecond)
	cfg.GracePeriod = config.DurationOf(20 * time.Millisecond)

	c, err := New(cfg)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sessions.Spawned)
	assert.Equal(t, 2, report.Sessions.ForceTerminated)
	assert.Zero(t, report.Sessions.Dropped, "cancellation is not a drop")
	assertAccounting(t, report)
}

func TestCoordinator_ZeroGraceForceTerminatesAtOnce(t *testing.T) {
	_, url := startMock(t, chatmock.Options{Latency: 300 * time.Millisecond})

	cfg := testConfig(url)
	cfg.Sessions = 2
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(100 * time.Millisecond)
	cfg.GracePeriod = config.DurationOf(0)

	c, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, c.Config().GracePeriod)
	assert.Zero(t, *c.Config().GracePeriod)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sessions.ForceTerminated)
	assertAccounting(t, report)
}

func TestCoordinator_ProgressAndDoubleRun(t *testing.T) {
	_, url := startMock(t, chatmock.Options{})

	cfg := testConfig(url)
	cfg.Sessions = 2
	cfg.SpawnRate = 100
	cfg.Duration = config.Duration(500 * time.Millisecond)

	c, err := New(cfg)
	require.NoError(t, err)
	assert.Zero(t, c.Progress().Spawned)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return c.Progress().Spawned == 2 }, 2*time.Second, 5*time.Millisecond)
	p := c.Progress()
	assert.Equal(t, 2, p.Target)
	assert.Equal(t, 500*time.Millisecond, p.Duration)
	assert.NotNil(t, p.Snapshot)

	_, err = c.Run(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	<-done
}

func TestCoordinator_PrometheusSink(t *testing.T) {
	_, url := startMock(t, chatmock.Options{RejectSignup: chatmock.RejectSuffix("_1")})

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(reg)
	require.NoError(t, err)

	cfg := testConfig(url)
	cfg.Sessions = 1
	cfg.Duration = config.Duration(100 * time.Millisecond)

	c, err := New(cfg, WithSink(sink))
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	dropped, err := testutil.GatherAndCount(reg, "chatload_sessions_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	requests, err := testutil.GatherAndCount(reg, "chatload_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, requests, "one failed signup series")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := testConfig("localhost:8080")
	_, err = New(cfg)
	require.Error(t, err)

	var verrs *config.ValidationErrors
	assert.True(t, errors.As(err, &verrs))
}

func TestNew_CopiesConfigAndPicksSeed(t *testing.T) {
	cfg := testConfig("http://localhost:1/")
	cfg.Seed = 0

	c, err := New(cfg)
	require.NoError(t, err)

	assert.NotZero(t, c.Seed())
	assert.Equal(t, "http://localhost:1", c.Config().Host)
	assert.Equal(t, "http://localhost:1/", cfg.Host, "caller's config is untouched")
	assert.Nil(t, cfg.Tasks)
	assert.NotSame(t, cfg.GracePeriod, c.Config().GracePeriod)
}

func TestReport_WriteFile(t *testing.T) {
	report := &Report{
		RunID:    "run-1",
		Host:     "http://localhost:8080",
		Seed:     3,
		Duration: config.Duration(2 * time.Second),
		Operations: []OperationReport{
			{Operation: "signup", Channel: "HTTP", Count: 2, Successes: 2, Latency: LatencyReport{P50: 1.5}},
		},
		Sessions: SessionReport{Spawned: 2, Stopped: 2},
	}
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "out", "report.json")
	require.NoError(t, report.WriteFile(jsonPath))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["runId"])
	assert.Equal(t, "2s", decoded["duration"])

	yamlPath := filepath.Join(dir, "report.yaml")
	require.NoError(t, report.WriteFile(yamlPath))
	data, err = os.ReadFile(yamlPath)
	require.NoError(t, err)

	var fromYAML map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, "run-1", fromYAML["runId"])
	sessions := fromYAML["sessions"].(map[string]interface{})
	assert.Equal(t, 2, sessions["spawned"])

	op, ok := report.Operation("signup")
	require.True(t, ok)
	assert.Equal(t, 1.5, op.Latency.P50)
}
