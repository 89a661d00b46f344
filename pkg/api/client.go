// Package api is the HTTP side of the chat backend contract: login,
// cursor-paginated history, the fallback send path, read receipts and
// the conversations list.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/linkup/chat-client/pkg/model"
)

// ErrUnauthorized marks a 401/403 response. The credential is opaque
// to this package; renewal is the caller's problem.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is any non-2xx response that is not an auth failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient overrides the underlying http client, mainly for
// tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer credential the client was built with.
func (c *Client) Token() string { return c.token }

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges a user id for a bearer token on the dev server.
// Production deployments issue tokens elsewhere; the rest of this
// package only ever carries the result around opaquely.
func Login(ctx context.Context, baseURL, userID string) (string, error) {
	body, _ := json.Marshal(loginRequest{UserID: userID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(b))
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Page is one history page, newest-first, with the cursor for the next
// (older) page. A nil Next means the backlog is exhausted.
type Page struct {
	Results []model.Message `json:"results"`
	Next    *string         `json:"next"`
}

// Messages fetches one history page for a room. An empty cursor asks
// for the most recent page. Failures are returned to the caller
// unretried; backfill is not safety-critical the way the live session
// is.
func (c *Client) Messages(ctx context.Context, roomID, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(roomID))
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var page Page
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return &page, nil
}

// SendMessage is the request/response delivery path used when the live
// connection is unavailable. The server response is the canonical
// persisted message, local id echoed.
func (c *Client) SendMessage(ctx context.Context, roomID string, m *model.Message) (*model.Message, error) {
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(roomID))

	var out model.Message
	if err := c.do(ctx, http.MethodPost, path, m, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &out, nil
}

// MarkRead resets the unread counter for a room. Fire and forget:
// callers log failures and move on.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/api/rooms/%s/read", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Conversations lists the caller's rooms with unread counts.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
