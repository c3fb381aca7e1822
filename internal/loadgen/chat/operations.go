package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/chatload/internal/loadgen/retry"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// Operation names for calls that are not steady-state tasks.
const (
	OpSignup            = "signup"
	OpLogin             = "login"
	OpLogout            = "logout"
	OpDiscoverUsers     = "discover_users"
	OpStartConversation = "start_conversation"
	OpConnectStream     = "connect_stream"
)

// Auth is the credential pair returned by signup and login.
type Auth struct {
	Token  string
	UserID string
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Signup creates the account. Only 201 counts as success.
func (c *Client) Signup(ctx context.Context, username, password string) (Auth, error) {
	resp, err := c.do(ctx, call{
		op:     OpSignup,
		method: http.MethodPost,
		path:   "/auth/signup",
		body:   credentials{Username: username, Password: password},
		accept: []int{http.StatusCreated},
	})
	if err != nil {
		return Auth{}, err
	}
	return authFrom(resp.body), nil
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, username, password string) (Auth, error) {
	resp, err := c.do(ctx, call{
		op:     OpLogin,
		method: http.MethodPost,
		path:   "/auth/login",
		body:   credentials{Username: username, Password: password},
		accept: []int{http.StatusOK},
	})
	if err != nil {
		return Auth{}, err
	}
	return authFrom(resp.body), nil
}

// Logout invalidates token.
func (c *Client) Logout(ctx context.Context, token string) error {
	_, err := c.do(ctx, call{
		op:     OpLogout,
		method: http.MethodPost,
		path:   "/auth/logout",
		token:  token,
		accept: []int{http.StatusOK},
	})
	return err
}

// Refresh exchanges token for a new one. When the response carries no token
// the current one is returned unchanged.
func (c *Client) Refresh(ctx context.Context, token string) (string, error) {
	resp, err := c.do(ctx, call{
		op:     task.RefreshToken,
		method: http.MethodPost,
		path:   "/auth/refresh",
		token:  token,
		accept: []int{http.StatusOK},
	})
	if err != nil {
		return token, err
	}
	if next := gjson.GetBytes(resp.body, "token"); next.Exists() && next.String() != "" {
		return next.String(), nil
	}
	return token, nil
}

// SearchUsers runs a steady-state user search and returns the matched ids.
func (c *Client) SearchUsers(ctx context.Context, token, query string, limit int) ([]string, error) {
	resp, err := c.do(ctx, call{
		op:     task.SearchUsers,
		method: http.MethodGet,
		path:   searchPath(query, limit),
		token:  token,
		accept: []int{http.StatusOK},
	})
	if err != nil {
		return nil, err
	}
	return userIDs(resp.body), nil
}

// Discover is the startup search used to find conversation partners. It is
// one attempt of a polling chain: a 404 means the index has not caught up
// and is reported as retry.ErrNotYetVisible.
func (c *Client) Discover(ctx context.Context, token, query string, limit, attempt, left int) ([]string, error) {
	resp, err := c.do(ctx, call{
		op:      OpDiscoverUsers,
		method:  http.MethodGet,
		path:    searchPath(query, limit),
		token:   token,
		accept:  []int{http.StatusOK},
		attempt: attempt,
		left:    left,
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", retry.ErrNotYetVisible, err)
		}
		return nil, err
	}
	return userIDs(resp.body), nil
}

// ListConversations fetches the first page of conversations.
func (c *Client) ListConversations(ctx context.Context, token string) error {
	_, err := c.do(ctx, call{
		op:     task.GetConversationList,
		method: http.MethodGet,
		path:   "/conversations?limit=20&offset=0",
		token:  token,
		accept: []int{http.StatusOK},
	})
	return err
}

// Profile fetches the authenticated user's profile.
func (c *Client) Profile(ctx context.Context, token string) error {
	_, err := c.do(ctx, call{
		op:     task.GetUserProfile,
		method: http.MethodGet,
		path:   "/user/me",
		token:  token,
		accept: []int{http.StatusOK},
	})
	return err
}

// StartConversation opens a conversation with otherUserID and returns its
// id. Both 200 (already exists) and 201 count as success.
func (c *Client) StartConversation(ctx context.Context, token, otherUserID string) (string, error) {
	resp, err := c.do(ctx, call{
		op:     OpStartConversation,
		method: http.MethodPost,
		path:   "/conversations/start",
		token:  token,
		body:   map[string]string{"otherUserId": otherUserID},
		accept: []int{http.StatusOK, http.StatusCreated},
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(resp.body, "conversationId").String(), nil
}

func searchPath(query string, limit int) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("limit", strconv.Itoa(limit))
	return "/users/search?" + v.Encode()
}

func authFrom(body []byte) Auth {
	r := gjson.GetManyBytes(body, "token", "userId")
	return Auth{Token: r[0].String(), UserID: r[1].String()}
}

func userIDs(body []byte) []string {
	results := gjson.GetBytes(body, "results.#.userId").Array()
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if id := r.String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
