package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/smallsteps/notify/pkg/errors"
	"github.com/smallsteps/notify/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Client talks to the notification backend REST API on behalf of the agent.
// All calls attach the bearer credential supplied at construction; the client
// never issues or refreshes tokens itself.
type Client struct {
	apiBase string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// Option customises the Client.
type Option func(*Client)

// WithHTTPClient injects a preconfigured http.Client, primarily for testing.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout overrides the request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient constructs a backend client rooted at apiBase.
func NewClient(apiBase, token string, opts ...Option) (*Client, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("backend: api base is required")
	}

	client := &Client{
		apiBase: apiBase,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     logger.WithModule("backend"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type countResponse struct {
	Count int `json:"count"`
}

// Count fetches the authoritative unread notification count.
func (c *Client) Count(ctx context.Context) (int, error) {
	var out countResponse
	if err := c.do(ctx, http.MethodGet, "/notifications/Count", nil, &out); err != nil {
		return 0, err
	}
	if out.Count < 0 {
		return 0, nil
	}
	return out.Count, nil
}

// MarkAsRead flags a single notification as read on the server.
func (c *Client) MarkAsRead(ctx context.Context, notificationID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/notifications/MarkAsRead/%d", notificationID), nil, nil)
}

// MarkAllAsRead flags every notification for the user as read on the server.
func (c *Client) MarkAllAsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/notifications/MarkAllAsRead", nil, nil)
}

// RegisterDeviceTokenInput describes a push token registration.
type RegisterDeviceTokenInput struct {
	Token       string `json:"token"`
	Platform    string `json:"platform"`
	DeviceModel string `json:"deviceModel,omitempty"`
}

// RegisterDeviceTokenResult carries the backend's registration receipt.
type RegisterDeviceTokenResult struct {
	Message string `json:"message"`
	TokenID string `json:"tokenId"`
}

// RegisterDeviceToken stores a per-device push token with the device token
// registry.
func (c *Client) RegisterDeviceToken(ctx context.Context, input RegisterDeviceTokenInput) (RegisterDeviceTokenResult, error) {
	var out RegisterDeviceTokenResult
	if strings.TrimSpace(input.Token) == "" {
		return out, fmt.Errorf("backend: device token is required")
	}
	if err := c.do(ctx, http.MethodPost, "/devicetokens/register", input, &out); err != nil {
		return RegisterDeviceTokenResult{}, err
	}
	return out, nil
}

// UnregisterDeviceToken removes a per-device push token from the registry.
func (c *Client) UnregisterDeviceToken(ctx context.Context, token string) error {
	payload := map[string]string{"token": token}
	return c.do(ctx, http.MethodPost, "/devicetokens/unregister", payload, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return apperrors.ErrBackend.WithInternal(
			fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode))
	}

	if out == nil {
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s %s response: %w", method, path, err)
	}
	return nil
}
