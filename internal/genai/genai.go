// Package genai classifies inbound messages against AI rule instructions
// using the OpenAI API.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

const systemPrompt = `You judge whether a customer's message matches an intent description.
Reply with exactly MATCH or NO_MATCH and nothing else.`

// Classifier decides whether a message matches a rule's intent instructions.
type Classifier interface {
	Classify(ctx context.Context, instructions, message string) (bool, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	// APIKey is the OpenAI API key. Defaults to the OPENAI_API_KEY
	// environment variable.
	APIKey string
	// Model overrides the chat model.
	Model string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets an explicit API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// completer is the slice of the OpenAI client the classifier uses.
type completer interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements Classifier on top of the OpenAI chat completions API.
type Client struct {
	chat  completer
	model string
}

// Compile-time check that Client implements Classifier.
var _ Classifier = (*Client)(nil)

// NewClient creates a GenAI client based on provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("genai.NewClient: created client", "model", model)
	return &Client{chat: &cli.Chat.Completions, model: model}, nil
}

// Classify asks the model whether message matches the rule's instructions.
// Anything other than a MATCH verdict counts as no match.
func (c *Client) Classify(ctx context.Context, instructions, message string) (bool, error) {
	prompt := fmt.Sprintf("Intent description:\n%s\n\nCustomer message:\n%s", instructions, message)
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return false, fmt.Errorf("classification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("classification returned no choices")
	}
	verdict := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("genai.Classify: verdict", "verdict", verdict)
	return strings.EqualFold(verdict, "MATCH"), nil
}
