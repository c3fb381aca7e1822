// Package loadgen runs simulated chat sessions against a chat service.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/chatload/internal/loadgen/chat"
	"github.com/wesleyorama2/chatload/internal/loadgen/retry"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// SessionState represents the lifecycle state of a Session.
type SessionState int32

const (
	// StateUnauthenticated is the state before signup succeeds.
	StateUnauthenticated SessionState = iota
	// StateAuthenticated means the session holds a token.
	StateAuthenticated
	// StateActive means startup finished and the task loop may run.
	StateActive
	// StateStopping indicates the session has been asked to stop.
	StateStopping
	// StateStopped indicates the session has fully stopped.
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrSignupRejected is the fatal startup error for a signup that did
	// not return 201.
	ErrSignupRejected = errors.New("signup rejected")

	// ErrDiscoveryExhausted is the fatal startup error for a discovery
	// search that never became visible.
	ErrDiscoveryExhausted = errors.New("discovery retries exhausted")
)

// Drop reasons reported for fatal startup failures.
const (
	DropSignup    = "signup"
	DropDiscovery = "discovery"
)

// DropReason classifies a startup error. It returns "" for errors that do
// not remove the session from the run, such as cancellation.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrSignupRejected):
		return DropSignup
	case errors.Is(err, ErrDiscoveryExhausted):
		return DropDiscovery
	default:
		return ""
	}
}

// Conversation is one entry in a session's conversation set.
type Conversation struct {
	ID            string `json:"conversationId"`
	ParticipantID string `json:"participantId"`
}

// DiscoverySettings controls the startup partner search.
type DiscoverySettings struct {
	Query            string
	Limit            int
	MaxConversations int
}

// SearchSettings controls the steady-state search task.
type SearchSettings struct {
	MinQueryLength int
	MaxQueryLength int
	Limit          int
}

// SessionConfig is shared, read-only input for every session of a run.
type SessionConfig struct {
	Scheduler *task.Scheduler
	Retry     retry.Policy
	Password  string
	Discovery DiscoverySettings
	Search    SearchSettings

	// Senders opens the message channel after startup. Nil uses the
	// synthetic sender.
	Senders chat.SenderFactory
}

// Session is one simulated chat user.
//
// Identity, token and conversations belong to the goroutine running the
// session and are never touched by anyone else while it runs. Only the
// lifecycle state and the stop/done channels are shared with the pool.
type Session struct {
	ID int

	client  *chat.Client
	cfg     SessionConfig
	rng     *rand.Rand
	content *chat.ContentSource
	logger  *zap.Logger

	username      string
	token         string
	userID        string
	conversations []Conversation
	sender        chat.Sender

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	tasksRun  atomic.Int64
	tasksNoop atomic.Int64
}

// NewSession creates a session. rng must not be shared with another
// session.
func NewSession(id int, client *chat.Client, cfg SessionConfig, rng *rand.Rand, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	}
	return &Session{
		ID:      id,
		client:  client,
		cfg:     cfg,
		rng:     rng,
		content: chat.NewContentSource(uint64(rng.Int63())),
		logger:  logger.With(zap.Int("session", id)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Username returns the generated username.
func (s *Session) Username() string { return s.username }

// UserID returns the id assigned by the service.
func (s *Session) UserID() string { return s.userID }

// Token returns the current bearer token, or "" when unauthenticated.
func (s *Session) Token() string { return s.token }

// Conversations returns a copy of the conversation set.
func (s *Session) Conversations() []Conversation {
	out := make([]Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// TasksRun returns how many drawn tasks issued an operation.
func (s *Session) TasksRun() int64 { return s.tasksRun.Load() }

// TasksSkipped returns how many drawn tasks were no-ops.
func (s *Session) TasksSkipped() int64 { return s.tasksNoop.Load() }

// Start signs up, logs in, discovers partners and opens the message
// channel, in that order. A returned error is fatal for the session.
func (s *Session) Start(ctx context.Context) error {
	s.username = fmt.Sprintf("user_%s_%d", randomString(s.rng, 8), s.ID)

	auth, err := s.client.Signup(ctx, s.username, s.cfg.Password)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrSignupRejected, err)
	}
	s.setAuth(auth)

	login, err := s.client.Login(ctx, s.username, s.cfg.Password)
	if err != nil {
		s.logger.Warn("login failed, continuing with signup token", zap.Error(err))
	} else {
		s.setAuth(login)
	}

	if s.token != "" {
		if err := s.discover(ctx); err != nil {
			return err
		}
	}

	s.openSender(ctx)
	s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
	s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateActive))

	s.logger.Debug("session started",
		zap.String("username", s.username),
		zap.Int("conversations", len(s.conversations)))
	return nil
}

func (s *Session) setAuth(auth chat.Auth) {
	if auth.Token != "" {
		s.token = auth.Token
		s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated))
	}
	if auth.UserID != "" {
		s.userID = auth.UserID
	}
}

// discover polls the search until it answers, then starts conversations
// with the first candidates other than the session itself.
func (s *Session) discover(ctx context.Context) error {
	var candidates []string
	attempts, err := s.cfg.Retry.Do(ctx, func(attempt, remaining int) error {
		ids, err := s.client.Discover(ctx, s.token, s.cfg.Discovery.Query, s.cfg.Discovery.Limit, attempt, remaining)
		if err != nil {
			return err
		}
		candidates = ids
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return fmt.Errorf("%w: %w", ErrDiscoveryExhausted, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("discovery failed, continuing without conversations", zap.Error(err))
		return nil
	}
	if attempts > 1 {
		s.logger.Debug("discovery needed retries", zap.Int("attempts", attempts))
	}

	picked := 0
	for _, id := range candidates {
		if picked >= s.cfg.Discovery.MaxConversations {
			break
		}
		if id == s.userID {
			continue
		}
		picked++

		convID, err := s.client.StartConversation(ctx, s.token, id)
		if err != nil {
			s.logger.Debug("skipping conversation candidate", zap.String("peer", id), zap.Error(err))
			continue
		}
		s.conversations = append(s.conversations, Conversation{ID: convID, ParticipantID: id})
	}
	return nil
}

func (s *Session) openSender(ctx context.Context) {
	if s.token == "" {
		return
	}
	if s.cfg.Senders != nil {
		sender, err := s.cfg.Senders(ctx, s.client, s.token)
		if err == nil {
			s.sender = sender
			return
		}
		s.logger.Warn("message stream unavailable, using synthetic sends", zap.Error(err))
	}
	s.sender = chat.NewSyntheticSender(s.client)
}

// Run executes the task loop until a stop is requested or ctx ends. A
// stop is noticed between tasks and during the wait, never mid-request.
func (s *Session) Run(ctx context.Context) {
	for {
		if s.stopRequested(ctx) {
			return
		}

		s.RunTask(ctx, s.cfg.Scheduler.Next(s.rng))

		if !s.pause(ctx, s.cfg.Scheduler.Wait(s.rng)) {
			return
		}
	}
}

// RunTask executes one drawn task. It reports false when the task's
// preconditions are unmet; such a turn issues no request and records no
// event.
func (s *Session) RunTask(ctx context.Context, name string) bool {
	if s.token == "" {
		s.tasksNoop.Add(1)
		return false
	}

	var err error
	switch name {
	case task.SendMessage:
		if len(s.conversations) == 0 || s.sender == nil {
			s.tasksNoop.Add(1)
			return false
		}
		conv := s.conversations[s.rng.Intn(len(s.conversations))]
		err = s.sender.Send(ctx, chat.NewMessage(conv.ParticipantID, conv.ID, s.content.Next()))

	case task.SearchUsers:
		_, err = s.client.SearchUsers(ctx, s.token, s.searchQuery(), s.cfg.Search.Limit)

	case task.GetConversationList:
		err = s.client.ListConversations(ctx, s.token)

	case task.GetUserProfile:
		err = s.client.Profile(ctx, s.token)

	case task.RefreshToken:
		var next string
		next, err = s.client.Refresh(ctx, s.token)
		if err == nil {
			s.token = next
		}

	default:
		s.tasksNoop.Add(1)
		return false
	}

	s.tasksRun.Add(1)
	if err != nil {
		s.logger.Debug("task failed", zap.String("task", name), zap.Error(err))
	}
	return true
}

func (s *Session) searchQuery() string {
	lo, hi := s.cfg.Search.MinQueryLength, s.cfg.Search.MaxQueryLength
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	return randomString(s.rng, lo+s.rng.Intn(hi-lo+1))
}

// Stop closes the message channel and logs out if authenticated. Failures
// are recorded as events by the client and never returned.
func (s *Session) Stop(ctx context.Context) {
	if s.sender != nil {
		if err := s.sender.Close(); err != nil {
			s.logger.Debug("closing message stream", zap.Error(err))
		}
		s.sender = nil
	}

	if s.token != "" {
		if err := s.client.Logout(ctx, s.token); err != nil {
			s.logger.Debug("logout failed", zap.Error(err))
		}
		s.token = ""
	}
}

// RequestStop signals the session to stop after its current task.
func (s *Session) RequestStop() {
	if s.State() == StateStopped {
		return
	}
	for {
		cur := s.state.Load()
		if SessionState(cur) >= StateStopping {
			break
		}
		if s.state.CompareAndSwap(cur, int32(StateStopping)) {
			break
		}
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// MarkStopped marks the session as fully stopped. Called when the
// session goroutine exits.
func (s *Session) MarkStopped() {
	s.state.Store(int32(StateStopped))
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// WaitForStop waits for the session to stop with a timeout. It returns
// true if the session stopped in time.
func (s *Session) WaitForStop(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-s.doneCh:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Session) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// pause waits d, returning false if the session should stop instead.
func (s *Session) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.stopRequested(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
