// Package chat issues chat service calls on behalf of one session.
//
// Every call is measured and produces exactly one metrics.Event, whether it
// succeeds, gets an unexpected status, or fails in transport. Data the
// session needs (tokens, ids) is extracted from the response body and
// returned to the caller; the client itself holds no session state.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
)

// Client executes requests against one chat service for one session.
type Client struct {
	httpClient *http.Client
	baseURL    string
	recorder   metrics.Recorder
	sessionID  int
	contracts  *Contracts
	headers    map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithSessionID tags every event with the owning session.
func WithSessionID(id int) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithContracts enables response body checking. A 2xx response whose body
// does not satisfy the operation's contract is recorded as a failure.
func WithContracts(contracts *Contracts) Option {
	return func(c *Client) {
		c.contracts = contracts
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// NewClient creates a client. httpClient may be shared between sessions.
func NewClient(httpClient *http.Client, baseURL string, recorder metrics.Recorder, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if recorder == nil {
		recorder = metrics.RecorderFunc(func(metrics.Event) {})
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		recorder:   recorder,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionID returns the session the client records events for.
func (c *Client) SessionID() int {
	return c.sessionID
}

// Recorder returns the event sink the client reports to.
func (c *Client) Recorder() metrics.Recorder {
	return c.recorder
}

// call describes a single request.
type call struct {
	op     string
	method string
	path   string
	token  string
	body   interface{}

	// accept lists the statuses that count as success.
	accept []int

	attempt int
	left    int
}

// response is what a successful call hands back to the operation.
type response struct {
	status int
	body   []byte
}

// do executes c, records one event, and returns the body when the status is
// accepted and the contract (if enabled) holds.
func (c *Client) do(ctx context.Context, cl call) (*response, error) {
	start := time.Now()

	ev := metrics.Event{
		Operation:    cl.op,
		Channel:      metrics.ChannelHTTP,
		SessionID:    c.sessionID,
		Attempt:      cl.attempt,
		AttemptsLeft: cl.left,
	}

	resp, err := c.roundTrip(ctx, cl)
	ev.Duration = time.Since(start)
	ev.Timestamp = time.Now()

	if resp != nil {
		ev.StatusCode = resp.status
		ev.Bytes = int64(len(resp.body))
	}

	if err == nil && !accepted(resp.status, cl.accept) {
		err = &StatusError{Operation: cl.op, StatusCode: resp.status, Body: snippet(resp.body)}
	}
	if err == nil && c.contracts != nil {
		err = c.contracts.Check(cl.op, resp.body)
	}

	if err != nil {
		ev.Error = err.Error()
	}
	ev.Success = err == nil
	c.recorder.Record(ev)

	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, cl call) (*response, error) {
	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", cl.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", cl.op, err)
	}
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cl.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &response{status: resp.StatusCode, body: data}, fmt.Errorf("%s: failed to read response body: %w", cl.op, err)
	}

	return &response{status: resp.StatusCode, body: data}, nil
}

func accepted(status int, accept []int) bool {
	for _, s := range accept {
		if status == s {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
