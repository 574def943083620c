// Package notify delivers operator alerts over Twilio SMS.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier delivers one operator alert.
type Notifier interface {
	NotifyOperator(ctx context.Context, body string) error
}

// Opts holds configuration options for the Twilio SMS notifier.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	OperatorNumber string
}

// Option defines a configuration option for the Twilio SMS notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithOperatorNumber sets the operator's phone number.
func WithOperatorNumber(to string) Option {
	return func(o *Opts) { o.OperatorNumber = to }
}

// messageCreator is the slice of the Twilio client the notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends operator alerts as SMS via the Twilio REST API.
type Client struct {
	api      messageCreator
	from     string
	operator string
}

// Compile-time check that Client implements Notifier.
var _ Notifier = (*Client)(nil)

// NewClient creates a Twilio SMS notifier. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and
// OPERATOR_PHONE_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.OperatorNumber == "" {
		cfg.OperatorNumber = os.Getenv("OPERATOR_PHONE_NUMBER")
	}
	slog.Debug("notify.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"OperatorNumber_set", cfg.OperatorNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.OperatorNumber == "" {
		return nil, fmt.Errorf("operator number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &Client{
		api:      client.Api,
		from:     cfg.FromNumber,
		operator: cfg.OperatorNumber,
	}, nil
}

// NotifyOperator sends one SMS to the configured operator number.
func (c *Client) NotifyOperator(ctx context.Context, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(c.operator)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("notify.NotifyOperator: send failed", "error", err)
		return fmt.Errorf("failed to notify operator: %w", err)
	}
	slog.Debug("notify.NotifyOperator: alert sent")
	return nil
}
