package loadgen

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/chatload/internal/loadgen/chat"
	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
)

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UseSharedClient indicates whether sessions share a single HTTP client
	UseSharedClient bool

	UserAgent string
}

// DefaultHTTPClientConfig returns defaults suited to many concurrent
// sessions against one host.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		UseSharedClient:     true,
	}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	BaseURL   string
	Session   SessionConfig
	HTTP      HTTPClientConfig
	Recorder  metrics.Recorder
	Contracts *chat.Contracts

	// Seed derives each session's random source as Seed + session id.
	Seed int64

	Logger *zap.Logger
}

// Pool owns every session of a run: it creates them, runs their
// lifecycle and coordinates their shutdown.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	sessions   map[int]*Session
	sessionsMu sync.RWMutex

	nextID atomic.Int32

	sharedClient *http.Client
	clients      []*http.Client
	clientsMu    sync.Mutex
}

// NewPool creates a pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[int]*Session),
	}
	if cfg.HTTP.UseSharedClient {
		p.sharedClient = p.createHTTPClient()
	}
	return p
}

func (p *Pool) createHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        p.cfg.HTTP.MaxIdleConns,
		MaxIdleConnsPerHost: p.cfg.HTTP.MaxIdleConnsPerHost,
		MaxConnsPerHost:     p.cfg.HTTP.MaxConnsPerHost,
		IdleConnTimeout:     p.cfg.HTTP.IdleConnTimeout,
	}
	if p.cfg.HTTP.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   p.cfg.HTTP.Timeout,
	}
	p.clientsMu.Lock()
	p.clients = append(p.clients, client)
	p.clientsMu.Unlock()
	return client
}

// Spawn creates and registers a new session. The caller runs it with Run.
func (p *Pool) Spawn() *Session {
	id := int(p.nextID.Add(1))

	httpClient := p.sharedClient
	if httpClient == nil {
		httpClient = p.createHTTPClient()
	}

	opts := []chat.Option{chat.WithSessionID(id)}
	if p.cfg.Contracts != nil {
		opts = append(opts, chat.WithContracts(p.cfg.Contracts))
	}
	if p.cfg.HTTP.UserAgent != "" {
		opts = append(opts, chat.WithHeader("User-Agent", p.cfg.HTTP.UserAgent))
	}
	client := chat.NewClient(httpClient, p.cfg.BaseURL, p.cfg.Recorder, opts...)

	rng := rand.New(rand.NewSource(p.cfg.Seed + int64(id)))
	s := NewSession(id, client, p.cfg.Session, rng, p.logger)

	p.sessionsMu.Lock()
	p.sessions[id] = s
	p.sessionsMu.Unlock()

	return s
}

// Run drives one session through startup, the task loop and teardown.
// It returns the startup error when the session could not reach the task
// loop. The session is marked stopped when Run returns, dropped or not.
func (p *Pool) Run(ctx context.Context, s *Session) error {
	defer s.MarkStopped()

	if err := s.Start(ctx); err != nil {
		s.Stop(ctx)
		if reason := DropReason(err); reason != "" {
			p.logger.Warn("session dropped",
				zap.Int("session", s.ID),
				zap.String("reason", reason),
				zap.Error(err))
		}
		return err
	}

	s.Run(ctx)
	s.Stop(ctx)
	return nil
}

// Sessions returns every spawned session ordered by id.
func (p *Pool) Sessions() []*Session {
	p.sessionsMu.RLock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	p.sessionsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns all sessions that have not stopped.
func (p *Pool) Active() []*Session {
	p.sessionsMu.RLock()
	defer p.sessionsMu.RUnlock()

	result := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.State() != StateStopped {
			result = append(result, s)
		}
	}
	return result
}

// ActiveCount returns the count of sessions that have not stopped.
func (p *Pool) ActiveCount() int {
	p.sessionsMu.RLock()
	defer p.sessionsMu.RUnlock()

	count := 0
	for _, s := range p.sessions {
		if s.State() != StateStopped {
			count++
		}
	}
	return count
}

// Spawned returns how many sessions have been created.
func (p *Pool) Spawned() int {
	return int(p.nextID.Load())
}

// StopAll requests every session to stop.
func (p *Pool) StopAll() {
	p.sessionsMu.RLock()
	defer p.sessionsMu.RUnlock()

	for _, s := range p.sessions {
		s.RequestStop()
	}
}

// WaitForAll waits until every session stops or the timeout passes. It
// returns how many stopped and the sessions still running at the deadline.
func (p *Pool) WaitForAll(timeout time.Duration) (int, []*Session) {
	deadline := time.Now().Add(timeout)

	stopped := 0
	var stragglers []*Session
	for _, s := range p.Sessions() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		if s.WaitForStop(remaining) {
			stopped++
			continue
		}
		stragglers = append(stragglers, s)
	}
	return stopped, stragglers
}

// Close releases idle connections held by the pool's HTTP clients.
func (p *Pool) Close() {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}
