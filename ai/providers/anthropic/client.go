// Package anthropic adapts the Anthropic Messages API to the ai.Provider
// contract using github.com/anthropics/anthropic-sdk-go. Prompts become a
// single user message, optional system prompts become system blocks, and
// usage tallies are converted to dollar cost from per-megatoken rates.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "claude-sonnet-4-20250514"
	// DefaultMaxTokens caps completions when the caller does not set one.
	DefaultMaxTokens = 1024

	// Published per-megatoken rates for the default model, used when the
	// config does not override them.
	defaultInputCostPerMTok  = 3.0
	defaultOutputCostPerMTok = 15.0
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService so tests can substitute
// a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config configures the Anthropic provider.
type Config struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// ID overrides the provider identifier. Defaults to "anthropic".
	// Set it when registering multiple Anthropic-class providers.
	ID string

	// Model is the Claude model identifier. Defaults to DefaultModel.
	Model string

	// MaxTokens is the completion cap used when a call does not set one.
	MaxTokens int

	// HTTPClient overrides the transport. When nil an otelhttp-instrumented
	// client with a 2 minute timeout is used.
	HTTPClient *http.Client

	// InputCostPerMTok and OutputCostPerMTok are dollar rates per million
	// tokens used to price each completion. Zero values fall back to the
	// default model's published rates.
	InputCostPerMTok  float64
	OutputCostPerMTok float64

	Logger core.Logger
}

// Client implements ai.Provider on top of Anthropic Claude Messages.
type Client struct {
	msg        MessagesClient
	id         string
	model      string
	maxTokens  int
	inputCost  float64
	outputCost float64
	logger     core.Logger
}

// New builds an Anthropic-backed provider from an API key.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: %w: APIKey is required", core.ErrMissingConfiguration)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	ac := sdk.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	)
	return NewWithClient(&ac.Messages, cfg)
}

// NewWithClient builds the provider around an existing Messages client.
// Used by tests and by callers that manage SDK options themselves.
func NewWithClient(msg MessagesClient, cfg Config) (*Client, error) {
	if msg == nil {
		return nil, fmt.Errorf("anthropic: %w: messages client is required", core.ErrMissingConfiguration)
	}
	c := &Client{
		msg:        msg,
		id:         cfg.ID,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		inputCost:  cfg.InputCostPerMTok,
		outputCost: cfg.OutputCostPerMTok,
		logger:     cfg.Logger,
	}
	if c.id == "" {
		c.id = "anthropic"
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if c.inputCost <= 0 {
		c.inputCost = defaultInputCostPerMTok
	}
	if c.outputCost <= 0 {
		c.outputCost = defaultOutputCostPerMTok
	}
	if c.logger == nil {
		c.logger = &core.NoOpLogger{}
	}
	if cl, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cl.WithComponent("anthropic")
	}
	return c, nil
}

// ID implements ai.Provider.
func (c *Client) ID() string { return c.id }

// Class implements ai.Provider.
func (c *Client) Class() ai.ProviderClass { return ai.ClassAnthropic }

// Complete issues one Messages.New call and translates the response.
func (c *Client) Complete(ctx context.Context, prompt string, opts ai.CompletionOptions) (*ai.Completion, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, core.NewValidationError(core.CodeInvalidInput, "anthropic: prompt is empty")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Model:     sdk.Model(c.model),
	}
	if opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(float64(opts.Temperature))
	}

	start := time.Now()
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		failure := classifyAPIError(err)
		c.logger.Error("Anthropic request failed", map[string]interface{}{
			"operation": "ai_request_error",
			"provider":  c.id,
			"model":     c.model,
			"category":  string(failure.Category),
			"error":     err.Error(),
		})
		return nil, failure
	}
	if msg == nil {
		return nil, core.NewAgentError(core.CodeExecutionFailed, "anthropic: response message is nil", core.CategorySystem, true)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := ai.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	usage.CostUSD = float64(usage.InputTokens)/1e6*c.inputCost +
		float64(usage.OutputTokens)/1e6*c.outputCost

	c.logger.Info("Anthropic request completed", map[string]interface{}{
		"operation":     "ai_request",
		"provider":      c.id,
		"model":         string(msg.Model),
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	return &ai.Completion{
		Content: content.String(),
		Model:   string(msg.Model),
		Usage:   usage,
	}, nil
}

// Ping implements ai.Pinger with a one-token request against the
// configured model.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.msg.New(ctx, sdk.MessageNewParams{
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
		Model:     sdk.Model(c.model),
	})
	if err != nil {
		return classifyAPIError(err)
	}
	return nil
}

// classifyAPIError maps SDK failures onto the kernel error taxonomy,
// keeping the original error in the chain. The SDK does not expose stable
// typed errors for every failure mode, so status and message hints decide
// the category.
func classifyAPIError(err error) *core.AgentError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.AgentError{
			Code:      core.CodeExecutionTimeout,
			Message:   "anthropic: request timed out",
			Category:  core.CategoryTimeout,
			Kind:      core.KindTimeout,
			Retryable: true,
			Err:       err,
		}
	case errors.Is(err, context.Canceled):
		return &core.AgentError{
			Code:      core.CodeExecutionFailed,
			Message:   "anthropic: request canceled",
			Category:  core.CategoryExecution,
			Kind:      core.KindUnknown,
			Retryable: false,
			Err:       err,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded"):
		return &core.AgentError{
			Code:      core.CodeExecutionFailed,
			Message:   fmt.Sprintf("anthropic: rate limited: %v", err),
			Category:  core.CategorySystem,
			Kind:      core.KindRateLimit,
			Retryable: true,
			Err:       err,
		}
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "authentication"):
		return &core.AgentError{
			Code:      core.CodeExecutionFailed,
			Message:   fmt.Sprintf("anthropic: authentication failed: %v", err),
			Category:  core.CategorySystem,
			Kind:      core.KindUnknown,
			Retryable: false,
			Err:       err,
		}
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_request"):
		return &core.AgentError{
			Code:      core.CodeInvalidInput,
			Message:   fmt.Sprintf("anthropic: rejected request: %v", err),
			Category:  core.CategoryValidation,
			Kind:      core.KindValidation,
			Retryable: false,
			Err:       err,
		}
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "529"):
		return &core.AgentError{
			Code:      core.CodeExecutionFailed,
			Message:   fmt.Sprintf("anthropic: server error: %v", err),
			Category:  core.CategorySystem,
			Kind:      core.KindTemporary,
			Retryable: true,
			Err:       err,
		}
	}
	kind, category, retryable := core.ClassifyMessage(err.Error())
	return &core.AgentError{
		Code:      core.CodeExecutionFailed,
		Message:   fmt.Sprintf("anthropic: request failed: %v", err),
		Category:  category,
		Kind:      kind,
		Retryable: retryable,
		Err:       err,
	}
}
