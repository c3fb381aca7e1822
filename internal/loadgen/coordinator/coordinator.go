// Package coordinator drives a complete load run: it spawns sessions at the
// configured rate, holds for the run duration, tears sessions down and
// produces the run report.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/chatload/internal/loadgen"
	"github.com/wesleyorama2/chatload/internal/loadgen/chat"
	"github.com/wesleyorama2/chatload/internal/loadgen/config"
	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
	"github.com/wesleyorama2/chatload/internal/loadgen/rate"
	"github.com/wesleyorama2/chatload/internal/loadgen/retry"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// ErrAlreadyRunning is returned by Run when the coordinator is in use.
var ErrAlreadyRunning = errors.New("coordinator is already running")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the run logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSink adds a metrics sink that observes every event of the run.
func WithSink(s metrics.Sink) Option {
	return func(c *Coordinator) {
		c.sinks = append(c.sinks, s)
	}
}

// Progress is a point-in-time view of a running coordinator.
type Progress struct {
	Phase    metrics.Phase
	Elapsed  time.Duration
	Duration time.Duration
	Spawned  int
	Target   int
	Active   int
	Snapshot *metrics.Snapshot
}

// Coordinator runs one load run. It holds no global state, so several
// coordinators can run in one process.
type Coordinator struct {
	cfg       *config.RunConfig
	logger    *zap.Logger
	sinks     []metrics.Sink
	scheduler *task.Scheduler
	contracts *chat.Contracts
	seed      int64
	runID     string

	metrics *metrics.Engine
	pool    atomic.Pointer[loadgen.Pool]

	running   atomic.Bool
	startTime atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New validates cfg and prepares a coordinator. cfg is copied; later changes
// to it do not affect the run.
func New(cfg *config.RunConfig, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	runCfg := *cfg
	runCfg.Tasks = append([]task.Weight(nil), cfg.Tasks...)
	if cfg.GracePeriod != nil {
		runCfg.GracePeriod = config.DurationOf(time.Duration(*cfg.GracePeriod))
	}
	config.ApplyDefaults(&runCfg)

	if err := runCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	scheduler, err := task.NewScheduler(runCfg.Tasks, time.Duration(runCfg.Wait.Min), time.Duration(runCfg.Wait.Max))
	if err != nil {
		return nil, fmt.Errorf("invalid task table: %w", err)
	}

	c := &Coordinator{
		cfg:       &runCfg,
		logger:    zap.NewNop(),
		scheduler: scheduler,
		seed:      runCfg.Seed,
		runID:     uuid.NewString(),
		metrics:   metrics.NewEngine(),
		stopCh:    make(chan struct{}),
	}
	if c.seed == 0 {
		c.seed = time.Now().UnixNano()
	}

	if runCfg.Contracts {
		c.contracts, err = chat.NewContracts(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compile response contracts: %w", err)
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	for _, s := range c.sinks {
		c.metrics.AddSink(s)
	}
	c.logger = c.logger.With(zap.String("run", c.runID))

	return c, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Coordinator) Config() *config.RunConfig { return c.cfg }

// Seed returns the seed the run uses.
func (c *Coordinator) Seed() int64 { return c.seed }

// RunID returns the run's unique id.
func (c *Coordinator) RunID() string { return c.runID }

// Metrics returns the run's metrics engine.
func (c *Coordinator) Metrics() *metrics.Engine { return c.metrics }

// Stop ends the hold early. Sessions are then torn down as if the duration
// had elapsed. Safe to call more than once and from any goroutine.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// SpawnedSessions returns how many sessions have been created so far.
func (c *Coordinator) SpawnedSessions() int {
	if p := c.pool.Load(); p != nil {
		return p.Spawned()
	}
	return 0
}

// Progress returns the current state of the run.
func (c *Coordinator) Progress() Progress {
	p := Progress{
		Phase:    c.metrics.GetPhase(),
		Duration: time.Duration(c.cfg.Duration),
		Target:   c.cfg.Sessions,
		Snapshot: c.metrics.GetSnapshot(),
	}
	if start := c.startTime.Load(); start != 0 {
		p.Elapsed = time.Since(time.Unix(0, start))
	}
	if pool := c.pool.Load(); pool != nil {
		p.Spawned = pool.Spawned()
		p.Active = pool.ActiveCount()
	}
	return p
}

// Run executes the load run and blocks until every session has stopped or
// been force-terminated. Cancelling ctx ends the hold early, like Stop.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer c.running.Store(false)

	start := time.Now()
	c.startTime.Store(start.UnixNano())
	c.metrics.MarkStart(start)
	c.metrics.SetPhase(metrics.PhaseInit)

	pool := loadgen.NewPool(loadgen.PoolConfig{
		BaseURL:   c.cfg.Host,
		Session:   c.sessionConfig(),
		HTTP:      c.httpConfig(),
		Recorder:  c.metrics,
		Contracts: c.contracts,
		Seed:      c.seed,
		Logger:    c.logger,
	})
	c.pool.Store(pool)
	defer pool.Close()

	c.logger.Info("test started",
		zap.String("host", c.cfg.Host),
		zap.Int("sessions", c.cfg.Sessions),
		zap.Float64("spawn_rate", c.cfg.SpawnRate),
		zap.Duration("duration", time.Duration(c.cfg.Duration)),
		zap.Int64("seed", c.seed))

	// Sessions outlive ctx so in-flight requests finish during the grace
	// period. sessionCancel is the force-termination switch.
	sessionCtx, sessionCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer sessionCancel()

	holdCtx, holdCancel := context.WithDeadline(ctx, start.Add(time.Duration(c.cfg.Duration)))
	defer holdCancel()
	go func() {
		select {
		case <-c.stopCh:
			holdCancel()
		case <-holdCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	c.spawn(holdCtx, sessionCtx, pool, &wg)

	<-holdCtx.Done()
	c.metrics.SetPhase(metrics.PhaseStopping)
	c.logger.Info("test stopping",
		zap.String("host", c.cfg.Host),
		zap.Int("spawned", pool.Spawned()),
		zap.Int("active", pool.ActiveCount()))

	sessions := c.teardown(pool, sessionCancel, &wg)

	end := time.Now()
	c.metrics.SetActiveSessions(0)
	c.metrics.SetPhase(metrics.PhaseDone)

	report := buildReport(c, c.metrics, sessions, start, end)
	c.logger.Info("test stopped",
		zap.Int64("requests", report.Totals.Requests),
		zap.Int64("failures", report.Totals.Failures),
		zap.Int("stopped", sessions.Stopped),
		zap.Int("force_terminated", sessions.ForceTerminated),
		zap.Int64("dropped", report.Sessions.Dropped))

	return report, nil
}

// spawn starts sessions at the spawn rate until the target is reached or
// the hold ends.
func (c *Coordinator) spawn(holdCtx, sessionCtx context.Context, pool *loadgen.Pool, wg *sync.WaitGroup) {
	c.metrics.SetPhase(metrics.PhaseRampUp)
	pacer := rate.NewPacer(c.cfg.SpawnRate)

	for i := 0; i < c.cfg.Sessions; i++ {
		if err := pacer.Wait(holdCtx); err != nil {
			c.logger.Info("spawning interrupted",
				zap.Int("spawned", pool.Spawned()),
				zap.Int("target", c.cfg.Sessions))
			return
		}

		s := pool.Spawn()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Run(sessionCtx, s)
			if reason := loadgen.DropReason(err); reason != "" {
				c.metrics.RecordDroppedSession(reason)
			}
			c.metrics.SetActiveSessions(pool.ActiveCount())
		}()
		c.metrics.SetActiveSessions(pool.ActiveCount())
	}

	c.logger.Debug("all sessions spawned",
		zap.Int("sessions", c.cfg.Sessions),
		zap.Duration("pacing_wait", pacer.TotalWait()))
	c.metrics.SetPhase(metrics.PhaseSteady)
}

// teardown signals every session, waits out the grace period and then
// cancels whatever is still in flight.
func (c *Coordinator) teardown(pool *loadgen.Pool, forceCancel context.CancelFunc, wg *sync.WaitGroup) SessionReport {
	pool.StopAll()
	stopped, stragglers := pool.WaitForAll(time.Duration(*c.cfg.GracePeriod))

	if len(stragglers) > 0 {
		for _, s := range stragglers {
			c.logger.Warn("force terminating session",
				zap.Int("session", s.ID),
				zap.String("state", s.State().String()))
		}
	}
	forceCancel()
	wg.Wait()

	return SessionReport{
		Spawned:         pool.Spawned(),
		Stopped:         stopped,
		ForceTerminated: len(stragglers),
	}
}

func (c *Coordinator) sessionConfig() loadgen.SessionConfig {
	sc := loadgen.SessionConfig{
		Scheduler: c.scheduler,
		Retry:     retry.New(c.cfg.Retry.MaxAttempts, time.Duration(c.cfg.Retry.Yield)),
		Password:  c.cfg.Password,
		Discovery: loadgen.DiscoverySettings{
			Query:            c.cfg.Discovery.Query,
			Limit:            c.cfg.Discovery.Limit,
			MaxConversations: c.cfg.Discovery.MaxConversations,
		},
		Search: loadgen.SearchSettings{
			MinQueryLength: c.cfg.Search.MinQueryLength,
			MaxQueryLength: c.cfg.Search.MaxQueryLength,
			Limit:          c.cfg.Search.Limit,
		},
		Senders: chat.SyntheticFactory,
	}
	if c.cfg.Stream.Transport == config.TransportWebSocket {
		sc.Senders = chat.StreamFactory(chat.StreamConfig{
			Path:             c.cfg.Stream.Path,
			HandshakeTimeout: time.Duration(c.cfg.Stream.HandshakeTimeout),
		})
	}
	return sc
}

func (c *Coordinator) httpConfig() loadgen.HTTPClientConfig {
	h := loadgen.DefaultHTTPClientConfig()
	h.Timeout = time.Duration(c.cfg.HTTP.Timeout)
	h.MaxIdleConnsPerHost = c.cfg.HTTP.MaxIdleConnsPerHost
	h.MaxConnsPerHost = c.cfg.HTTP.MaxConnsPerHost
	h.InsecureSkipVerify = c.cfg.HTTP.InsecureSkipVerify
	h.UseSharedClient = !c.cfg.HTTP.PerSessionClient
	h.UserAgent = c.cfg.HTTP.UserAgent
	return h
}
