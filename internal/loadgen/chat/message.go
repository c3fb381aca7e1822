package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("message sender closed")

// Message is the frame a session pushes over its message channel.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      MessageData `json:"data"`
}

// MessageData is the payload of a chat message frame.
type MessageData struct {
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
}

// NewMessage builds a message frame with a fresh id and the current time.
func NewMessage(recipientID, conversationID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      "message",
		Timestamp: time.Now().UnixMilli(),
		Data: MessageData{
			RecipientID:    recipientID,
			ConversationID: conversationID,
			Content:        content,
		},
	}
}

// Sender delivers message frames for one session. A Sender is owned by a
// single session and is not safe for concurrent Send calls.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// SenderFactory opens the message channel for an authenticated session.
type SenderFactory func(ctx context.Context, c *Client, token string) (Sender, error)

// SyntheticSender encodes the frame and records it as a WebSocket event
// without a live connection.
type SyntheticSender struct {
	recorder  metrics.Recorder
	sessionID int
	closed    bool
}

// NewSyntheticSender returns a sender that reports to c's recorder.
func NewSyntheticSender(c *Client) *SyntheticSender {
	return &SyntheticSender{recorder: c.Recorder(), sessionID: c.SessionID()}
}

// SyntheticFactory is the SenderFactory for the synthetic transport.
func SyntheticFactory(_ context.Context, c *Client, _ string) (Sender, error) {
	return NewSyntheticSender(c), nil
}

// Send implements Sender.
func (s *SyntheticSender) Send(_ context.Context, msg Message) error {
	start := time.Now()
	ev := metrics.Event{
		Operation: task.SendMessage,
		Channel:   metrics.ChannelWebSocket,
		SessionID: s.sessionID,
	}

	var err error
	if s.closed {
		err = ErrSenderClosed
	} else {
		var data []byte
		data, err = json.Marshal(msg)
		ev.Bytes = int64(len(data))
	}

	ev.Duration = time.Since(start)
	ev.Timestamp = time.Now()
	ev.Success = err == nil
	if err != nil {
		ev.Error = err.Error()
	}
	s.recorder.Record(ev)
	return err
}

// Close implements Sender.
func (s *SyntheticSender) Close() error {
	s.closed = true
	return nil
}

// StreamSender writes frames over a websocket connection owned by one
// session.
type StreamSender struct {
	conn         *websocket.Conn
	recorder     metrics.Recorder
	sessionID    int
	writeTimeout time.Duration
	readDone     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StreamConfig configures the websocket transport.
type StreamConfig struct {
	Path             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           *websocket.Dialer
}

// StreamFactory returns a SenderFactory that dials the service's websocket
// endpoint with the session token.
func StreamFactory(cfg StreamConfig) SenderFactory {
	return func(ctx context.Context, c *Client, token string) (Sender, error) {
		return DialStream(ctx, c, token, cfg)
	}
}

// DialStream opens the websocket and records the handshake as one event.
func DialStream(ctx context.Context, c *Client, token string, cfg StreamConfig) (*StreamSender, error) {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		if cfg.HandshakeTimeout > 0 {
			d.HandshakeTimeout = cfg.HandshakeTimeout
		}
		dialer = &d
	}

	wsURL, err := streamURL(c.BaseURL(), cfg.Path, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)

	ev := metrics.Event{
		Operation: OpConnectStream,
		Channel:   metrics.ChannelWebSocket,
		SessionID: c.SessionID(),
		Duration:  time.Since(start),
		Timestamp: time.Now(),
		Success:   err == nil,
	}
	if resp != nil {
		ev.StatusCode = resp.StatusCode
		resp.Body.Close()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.Recorder().Record(ev)

	if err != nil {
		return nil, fmt.Errorf("%s: %w", OpConnectStream, err)
	}

	s := &StreamSender{
		conn:         conn,
		recorder:     c.Recorder(),
		sessionID:    c.SessionID(),
		writeTimeout: cfg.WriteTimeout,
		readDone:     make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

// readPump drains inbound frames. Control frames (ping, close) are only
// handled inside a read call, so without it server pings go unanswered.
func (s *StreamSender) readPump() {
	defer close(s.readDone)
	s.conn.SetPongHandler(func(string) error { return nil })
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Send implements Sender.
func (s *StreamSender) Send(ctx context.Context, msg Message) error {
	start := time.Now()
	ev := metrics.Event{
		Operation: task.SendMessage,
		Channel:   metrics.ChannelWebSocket,
		SessionID: s.sessionID,
	}

	data, err := json.Marshal(msg)
	if err == nil {
		deadline := time.Now().Add(s.writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = s.conn.SetWriteDeadline(deadline)
		err = s.conn.WriteMessage(websocket.TextMessage, data)
		if err == nil {
			ev.Bytes = int64(len(data))
		}
	}

	ev.Duration = time.Since(start)
	ev.Timestamp = time.Now()
	ev.Success = err == nil
	if err != nil {
		ev.Error = err.Error()
	}
	s.recorder.Record(ev)
	return err
}

// Close sends a close frame and releases the connection. It is safe to call
// more than once.
func (s *StreamSender) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err == nil {
			select {
			case <-s.readDone:
			case <-time.After(time.Second):
			}
		}
		s.closeErr = s.conn.Close()
		<-s.readDone
	})
	return s.closeErr
}

func streamURL(base, path, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ContentSource produces message bodies for one session.
type ContentSource struct {
	faker *gofakeit.Faker
}

// NewContentSource seeds a generator so a run with a fixed seed sends the
// same text.
func NewContentSource(seed uint64) *ContentSource {
	return &ContentSource{faker: gofakeit.New(seed)}
}

// Next returns a short chat line.
func (s *ContentSource) Next() string {
	n := s.faker.IntRange(3, 12)
	words := make([]string, n)
	for i := range words {
		words[i] = s.faker.Word()
	}
	line := strings.Join(words, " ")
	return strings.ToUpper(line[:1]) + line[1:]
}
