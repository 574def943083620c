package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/linepulse/linepulse/internal/line"
	"github.com/linepulse/linepulse/internal/models"
)

// Dispatcher retry configuration defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithMaxAttempts sets how many times a push is tried before giving up.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBaseDelay sets the first retry delay. Subsequent delays double.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Opts) { o.BaseDelay = d }
}

// Dispatcher implements Service on top of a line.Sender, adding bounded
// exponential-backoff retries and batch splitting.
type Dispatcher struct {
	sender      line.Sender
	maxAttempts int
	baseDelay   time.Duration
}

// Compile-time check that Dispatcher implements Service.
var _ Service = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher wrapping the given sender.
func NewDispatcher(sender line.Sender, opts ...Option) *Dispatcher {
	cfg := Opts{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Dispatcher{sender: sender, maxAttempts: cfg.MaxAttempts, baseDelay: cfg.BaseDelay}
}

// SendMessages delivers messages in batches of up to MaxMessagesPerPush.
// Transient failures are retried with doubling delays; terminal failures
// (invalid user, rate limited) abort immediately.
func (d *Dispatcher) SendMessages(ctx context.Context, platformUserID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for start := 0; start < len(msgs); start += models.MaxMessagesPerPush {
		end := start + models.MaxMessagesPerPush
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := d.pushWithRetry(ctx, platformUserID, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) pushWithRetry(ctx context.Context, platformUserID string, batch []models.Message) error {
	var lastErr error
	delay := d.baseDelay
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			slog.Debug("Dispatcher.pushWithRetry: retrying", "platformUserID", platformUserID, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := d.sender.PushMessage(ctx, platformUserID, batch)
		if err == nil {
			return nil
		}
		if line.IsTerminal(err) {
			slog.Warn("Dispatcher.pushWithRetry: terminal error, not retrying", "platformUserID", platformUserID, "error", err)
			return err
		}
		lastErr = err
		slog.Warn("Dispatcher.pushWithRetry: push failed", "platformUserID", platformUserID, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("push failed after %d attempts: %w", d.maxAttempts, lastErr)
}
