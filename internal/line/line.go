// Package line wraps the LINE Messaging API for LinePulse.
//
// It provides an HTTP client for push/multicast/broadcast sends, profile and
// quota lookups, webhook signature validation, and webhook payload parsing.
// All calls are authenticated with the channel access token.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/linepulse/linepulse/internal/models"
)

// DefaultAPIBase is the LINE Messaging API endpoint prefix.
const DefaultAPIBase = "https://api.line.me/v2/bot"

// DefaultRequestTimeout bounds a single API call.
const DefaultRequestTimeout = 10 * time.Second

// Terminal send failures. The dispatcher must not retry these.
var (
	// ErrInvalidUser indicates the recipient does not exist or cannot receive messages.
	ErrInvalidUser = errors.New("line: invalid user")
	// ErrRateLimited indicates the platform rejected the call for quota reasons.
	ErrRateLimited = errors.New("line: rate limit exceeded")
)

// IsTerminal reports whether a send error must not be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidUser) || errors.Is(err, ErrRateLimited)
}

// Sender is the minimal send surface the messaging layer depends on.
type Sender interface {
	PushMessage(ctx context.Context, to string, messages []models.Message) error
}

// Opts holds configuration options for the LINE client.
type Opts struct {
	ChannelToken string
	APIBase      string
	HTTPClient   *http.Client
}

// Option defines a configuration option for the LINE client.
type Option func(*Opts)

// WithChannelToken sets the channel access token.
func WithChannelToken(token string) Option {
	return func(o *Opts) { o.ChannelToken = token }
}

// WithAPIBase overrides the API endpoint prefix (used in tests).
func WithAPIBase(base string) Option {
	return func(o *Opts) { o.APIBase = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the LINE Messaging API with bearer-token authentication.
type Client struct {
	http  *http.Client
	token string
	base  string
}

// NewClient creates a LINE API client. The channel token falls back to the
// LINE_CHANNEL_ACCESS_TOKEN environment variable if not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ChannelToken == "" {
		cfg.ChannelToken = os.Getenv("LINE_CHANNEL_ACCESS_TOKEN")
	}
	slog.Debug("line.NewClient: config loaded", "token_set", cfg.ChannelToken != "", "api_base_set", cfg.APIBase != "")
	if cfg.ChannelToken == "" {
		return nil, fmt.Errorf("channel access token must be provided")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Client{http: cfg.HTTPClient, token: cfg.ChannelToken, base: cfg.APIBase}, nil
}

// apiError is the error envelope LINE returns on non-2xx responses.
type apiError struct {
	Message string `json:"message"`
}

// PushMessage sends up to MaxMessagesPerPush messages to a single user.
func (c *Client) PushMessage(ctx context.Context, to string, messages []models.Message) error {
	if len(messages) == 0 || len(messages) > models.MaxMessagesPerPush {
		return fmt.Errorf("push requires 1-%d messages, got %d", models.MaxMessagesPerPush, len(messages))
	}
	payload := map[string]interface{}{"to": to, "messages": messages}
	return c.post(ctx, "/message/push", payload)
}

// Multicast sends the same messages to multiple users.
func (c *Client) Multicast(ctx context.Context, to []string, messages []models.Message) error {
	if len(to) == 0 {
		return fmt.Errorf("multicast requires at least one recipient")
	}
	payload := map[string]interface{}{"to": to, "messages": messages}
	return c.post(ctx, "/message/multicast", payload)
}

// Broadcast sends the same messages to every friend of the account.
func (c *Client) Broadcast(ctx context.Context, messages []models.Message) error {
	payload := map[string]interface{}{"messages": messages}
	return c.post(ctx, "/message/broadcast", payload)
}

// Profile is a LINE user profile.
type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// GetProfile fetches the profile of a user who has added the account.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "/profile/"+userID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Quota is the account's monthly message quota and consumption.
type Quota struct {
	Type       string `json:"type"`
	Value      int64  `json:"value,omitempty"`
	TotalUsage int64  `json:"totalUsage,omitempty"`
}

// GetMessageQuota fetches the account's message quota and current consumption.
func (c *Client) GetMessageQuota(ctx context.Context) (*Quota, error) {
	var q Quota
	if err := c.get(ctx, "/message/quota", &q); err != nil {
		return nil, err
	}
	var usage Quota
	if err := c.get(ctx, "/message/quota/consumption", &usage); err != nil {
		return nil, err
	}
	q.TotalUsage = usage.TotalUsage
	return &q, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("line API request failed: %w", err)
	}
	defer resp.Body.Close()
	return c.checkResponse(resp, path)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("line API request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := c.checkResponse(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode line API response: %w", err)
	}
	return nil
}

// checkResponse classifies non-2xx responses into the error taxonomy.
// 429 is a quota rejection, 404 (and "invalid user" 400s) mean the recipient
// cannot be messaged; everything else is considered transient.
func (c *Client) checkResponse(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var apiErr apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	slog.Warn("line API error response", "path", path, "status", resp.StatusCode, "message", apiErr.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "invalid user"):
		return fmt.Errorf("%w: %s", ErrInvalidUser, apiErr.Message)
	default:
		return fmt.Errorf("line API returned status %d: %s", resp.StatusCode, apiErr.Message)
	}
}
