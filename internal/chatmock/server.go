// Package chatmock is an in-memory chat service that speaks the subset of
// the API the load engine drives. It backs the package tests and the
// mock-server command.
package chatmock

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options controls fault injection.
type Options struct {
	// RejectSignup, when set, rejects matching usernames with 400.
	RejectSignup func(username string) bool

	// SearchNotFound makes the first N user searches answer 404, as if the
	// search index had not caught up yet.
	SearchNotFound int

	// Latency is added to every request.
	Latency time.Duration

	Logger *zap.Logger
}

type user struct {
	ID        string `json:"userId"`
	Username  string `json:"username"`
	password  string
	createdAt time.Time
}

type conversation struct {
	ID           string    `json:"conversationId"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Server is the mock service. It is safe for concurrent use.
type Server struct {
	opts   Options
	logger *zap.Logger
	mux    *http.ServeMux

	mu            sync.RWMutex
	users         map[string]*user // by username
	usersByID     map[string]*user
	order         []*user
	tokens        map[string]string // token -> user id
	conversations map[string]*conversation
	pairs         map[string]string // sorted pair key -> conversation id

	notFoundLeft atomic.Int64
	calls        sync.Map // endpoint -> *atomic.Int64
	messages     atomic.Int64
	openStreams  atomic.Int64

	upgrader websocket.Upgrader
}

// New creates a mock service.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		opts:          opts,
		logger:        logger,
		mux:           http.NewServeMux(),
		users:         make(map[string]*user),
		usersByID:     make(map[string]*user),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		pairs:         make(map[string]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.notFoundLeft.Store(int64(opts.SearchNotFound))

	s.mux.HandleFunc("POST /auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/logout", s.authed(s.handleLogout))
	s.mux.HandleFunc("POST /auth/refresh", s.authed(s.handleRefresh))
	s.mux.HandleFunc("GET /users/search", s.authed(s.handleSearch))
	s.mux.HandleFunc("GET /user/me", s.authed(s.handleMe))
	s.mux.HandleFunc("GET /conversations", s.authed(s.handleListConversations))
	s.mux.HandleFunc("POST /conversations/start", s.authed(s.handleStartConversation))
	s.mux.HandleFunc("GET /ws", s.handleStream)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.count(r.Method + " " + r.URL.Path)

	if s.opts.Latency > 0 {
		select {
		case <-time.After(s.opts.Latency):
		case <-r.Context().Done():
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// RejectEvery returns a RejectSignup func that rejects every nth signup.
func RejectEvery(n int) func(string) bool {
	if n <= 0 {
		return nil
	}
	var seen atomic.Int64
	return func(string) bool {
		return seen.Add(1)%int64(n) == 0
	}
}

// RejectSuffix returns a RejectSignup func matching usernames ending in
// suffix.
func RejectSuffix(suffix string) func(string) bool {
	return func(username string) bool {
		return strings.HasSuffix(username, suffix)
	}
}

// Calls returns how many requests hit "METHOD /path".
func (s *Server) Calls(endpoint string) int64 {
	if v, ok := s.calls.Load(endpoint); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Messages returns the number of frames received over websocket streams.
func (s *Server) Messages() int64 {
	return s.messages.Load()
}

// OpenStreams returns the number of websocket connections currently open.
func (s *Server) OpenStreams() int64 {
	return s.openStreams.Load()
}

// Users returns the number of registered accounts.
func (s *Server) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// ActiveTokens returns the number of tokens that have not been revoked.
func (s *Server) ActiveTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Conversations returns the number of conversations started.
func (s *Server) Conversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *Server) count(endpoint string) {
	v, _ := s.calls.LoadOrStore(endpoint, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, u *user, token string)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		u, ok := s.lookupToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r, u, token)
	}
}

func (s *Server) lookupToken(token string) (*user, bool) {
	if token == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, false
	}
	u, ok := s.usersByID[id]
	return u, ok
}

func (s *Server) issueToken(userID string) string {
	token := uuid.NewString()
	s.tokens[token] = userID
	return token
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if s.opts.RejectSignup != nil && s.opts.RejectSignup(in.Username) {
		s.logger.Debug("rejecting signup", zap.String("username", in.Username))
		writeError(w, http.StatusBadRequest, "signup rejected")
		return
	}

	s.mu.Lock()
	if _, exists := s.users[in.Username]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "username taken")
		return
	}
	u := &user{
		ID:        uuid.NewString(),
		Username:  in.Username,
		password:  in.Password,
		createdAt: time.Now(),
	}
	s.users[u.Username] = u
	s.usersByID[u.ID] = u
	s.order = append(s.order, u)
	token := s.issueToken(u.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{
		"token":    token,
		"userId":   u.ID,
		"username": u.Username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	u, ok := s.users[in.Username]
	if !ok || u.password != in.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token := s.issueToken(u.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "userId": u.ID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, u *user, token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, u *user, token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	next := s.issueToken(u.ID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": next})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, u *user, _ string) {
	if s.notFoundLeft.Add(-1) >= 0 {
		writeError(w, http.StatusNotFound, "no users indexed yet")
		return
	}

	q := strings.ToLower(r.URL.Query().Get("q"))
	limit := queryInt(r, "limit", 10)

	s.mu.RLock()
	results := make([]*user, 0, limit)
	for _, candidate := range s.order {
		if len(results) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(candidate.Username), q) {
			results = append(results, candidate)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, u *user, _ string) {
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, u *user, _ string) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	s.mu.RLock()
	mine := make([]*conversation, 0)
	for _, c := range s.conversations {
		if c.Participants[0] == u.ID || c.Participants[1] == u.ID {
			mine = append(mine, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.Before(mine[j].CreatedAt) })

	total := len(mine)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": mine[offset:end],
		"total":         total,
	})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request, u *user, _ string) {
	var in struct {
		OtherUserID string `json:"otherUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.OtherUserID == "" {
		writeError(w, http.StatusBadRequest, "otherUserId is required")
		return
	}
	if in.OtherUserID == u.ID {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	key := pairKey(u.ID, in.OtherUserID)

	s.mu.Lock()
	if _, ok := s.usersByID[in.OtherUserID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if id, ok := s.pairs[key]; ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"conversationId": id})
		return
	}
	c := &conversation{
		ID:           uuid.NewString(),
		Participants: [2]string{u.ID, in.OtherUserID},
		CreatedAt:    time.Now(),
	}
	s.conversations[c.ID] = c
	s.pairs[key] = c.ID
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"conversationId": c.ID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r)
	}
	u, ok := s.lookupToken(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.openStreams.Add(1)
	defer s.openStreams.Add(-1)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream closed", zap.String("user", u.ID), zap.Error(err))
			}
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &frame) == nil && frame.Type == "message" {
			s.messages.Add(1)
		}
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
