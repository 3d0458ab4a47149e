// Package apiclient talks to the chat backend's REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// SetToken changes the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.authToken(ctx, "/auth/login", models.LoginRequest{Email: email, Password: password}, http.StatusOK)
}

// Google exchanges a Google ID token credential for a backend token.
func (c *Client) Google(ctx context.Context, credential string) (string, error) {
	return c.authToken(ctx, "/auth/google", models.GoogleRequest{Token: credential}, http.StatusOK)
}

// Signup creates an account. The caller logs in separately afterwards.
func (c *Client) Signup(ctx context.Context, name, email, password string) error {
	var env models.Envelope[json.RawMessage]
	req := models.SignupRequest{Name: name, Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/signup", req, &env); err != nil {
		return authError(err)
	}
	if env.StatusCode != http.StatusCreated {
		return &ServerError{StatusCode: env.StatusCode, Message: orDefault(env.Message, MsgInvalidCredentials)}
	}
	return nil
}

func (c *Client) authToken(ctx context.Context, path string, body any, want int) (string, error) {
	var env models.Envelope[models.TokenData]
	if err := c.do(ctx, http.MethodPost, path, body, &env); err != nil {
		return "", authError(err)
	}
	if env.StatusCode != want || env.Data.Token == "" {
		return "", &ServerError{StatusCode: env.StatusCode, Message: orDefault(env.Message, MsgInvalidCredentials)}
	}
	return env.Data.Token, nil
}

// Me returns the user the token belongs to. Both a bare user object and one
// wrapped in the {data: ...} envelope are accepted.
func (c *Client) Me(ctx context.Context) (models.User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &raw); err != nil {
		return models.User{}, err
	}

	var u models.User
	if err := json.Unmarshal(raw, &u); err == nil && u.ID != "" {
		return u, nil
	}
	var env models.Envelope[models.User]
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.User{}, errors.Wrap(err, "decoding current user")
	}
	if env.Data.ID == "" {
		return models.User{}, errors.New("current user has no id")
	}
	return env.Data, nil
}

func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	path := "/chat/messages/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return serverError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s %s", method, path)
	}
	return nil
}

func serverError(resp *http.Response) error {
	se := &ServerError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env models.Envelope[json.RawMessage]
	if json.Unmarshal(data, &env) == nil {
		se.Message = env.Message
	}
	return se
}

// authError gives auth failures without a server message the generic
// credentials message.
func authError(err error) error {
	var se *ServerError
	if errors.As(err, &se) && se.Message == "" {
		se.Message = MsgInvalidCredentials
	}
	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
