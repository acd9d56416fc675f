// Package openai adapts the OpenAI Chat Completions API to the
// ai.Provider contract using github.com/sashabaranov/go-openai. The same
// adapter serves any OpenAI-compatible endpoint via Config.BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gpt-4o"
	// DefaultMaxTokens caps completions when the caller does not set one.
	DefaultMaxTokens = 1024

	// Published per-megatoken rates for the default model.
	defaultInputCostPerMTok  = 2.5
	defaultOutputCostPerMTok = 10.0
)

// ChatClient captures the subset of the go-openai client used by the
// adapter. Satisfied by *openai.Client; tests substitute a stub.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the OpenAI provider.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// ID overrides the provider identifier. Defaults to "openai".
	ID string

	// Model is the completion model identifier. Defaults to DefaultModel.
	Model string

	// BaseURL points the adapter at an OpenAI-compatible endpoint.
	// Empty keeps the official API.
	BaseURL string

	// MaxTokens is the completion cap used when a call does not set one.
	MaxTokens int

	// HTTPClient overrides the transport. When nil an otelhttp-instrumented
	// client with a 2 minute timeout is used.
	HTTPClient *http.Client

	// InputCostPerMTok and OutputCostPerMTok are dollar rates per million
	// tokens. Zero values fall back to the default model's published rates.
	InputCostPerMTok  float64
	OutputCostPerMTok float64

	Logger core.Logger
}

// Client implements ai.Provider via the OpenAI Chat Completions API.
type Client struct {
	chat       ChatClient
	id         string
	model      string
	maxTokens  int
	inputCost  float64
	outputCost float64
	logger     core.Logger
}

// New builds an OpenAI-backed provider from an API key.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: %w: APIKey is required", core.ErrMissingConfiguration)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	} else {
		clientCfg.HTTPClient = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return NewWithClient(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewWithClient builds the provider around an existing chat client.
func NewWithClient(chat ChatClient, cfg Config) (*Client, error) {
	if chat == nil {
		return nil, fmt.Errorf("openai: %w: chat client is required", core.ErrMissingConfiguration)
	}
	c := &Client{
		chat:       chat,
		id:         cfg.ID,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		inputCost:  cfg.InputCostPerMTok,
		outputCost: cfg.OutputCostPerMTok,
		logger:     cfg.Logger,
	}
	if c.id == "" {
		c.id = "openai"
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
		c.logger = cl.WithComponent("openai")
	}
	return c, nil
}

// ID implements ai.Provider.
func (c *Client) ID() string { return c.id }

// Class implements ai.Provider.
func (c *Client) Class() ai.ProviderClass { return ai.ClassOpenAI }

// Complete issues one chat completion call and translates the response.
func (c *Client) Complete(ctx context.Context, prompt string, opts ai.CompletionOptions) (*ai.Completion, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, core.NewValidationError(core.CodeInvalidInput, "openai: prompt is empty")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}

	start := time.Now()
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		failure := classifyAPIError(err)
		c.logger.Error("OpenAI request failed", map[string]interface{}{
			"operation": "ai_request_error",
			"provider":  c.id,
			"model":     c.model,
			"category":  string(failure.Category),
			"error":     err.Error(),
		})
		return nil, failure
	}
	if len(resp.Choices) == 0 {
		return nil, core.NewAgentError(core.CodeExecutionFailed, "openai: response contains no choices", core.CategorySystem, true)
	}

	usage := ai.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	usage.CostUSD = float64(usage.InputTokens)/1e6*c.inputCost +
		float64(usage.OutputTokens)/1e6*c.outputCost

	model := resp.Model
	if model == "" {
		model = c.model
	}

	c.logger.Info("OpenAI request completed", map[string]interface{}{
		"operation":     "ai_request",
		"provider":      c.id,
		"model":         model,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	return &ai.Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   model,
		Usage:   usage,
	}, nil
}

// Ping implements ai.Pinger with a one-token request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return classifyAPIError(err)
	}
	return nil
}

// classifyAPIError maps go-openai failures onto the kernel error
// taxonomy. The SDK surfaces HTTP failures as *openai.APIError, so the
// status code decides the category; context errors are checked first.
func classifyAPIError(err error) *core.AgentError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.AgentError{
			Code:      core.CodeExecutionTimeout,
			Message:   "openai: request timed out",
			Category:  core.CategoryTimeout,
			Kind:      core.KindTimeout,
			Retryable: true,
			Err:       err,
		}
	case errors.Is(err, context.Canceled):
		return &core.AgentError{
			Code:      core.CodeExecutionFailed,
			Message:   "openai: request canceled",
			Category:  core.CategoryExecution,
			Kind:      core.KindUnknown,
			Retryable: false,
			Err:       err,
		}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &core.AgentError{
				Code:      core.CodeExecutionFailed,
				Message:   fmt.Sprintf("openai: rate limited: %v", err),
				Category:  core.CategorySystem,
				Kind:      core.KindRateLimit,
				Retryable: true,
				Err:       err,
			}
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return &core.AgentError{
				Code:      core.CodeExecutionFailed,
				Message:   fmt.Sprintf("openai: authentication failed: %v", err),
				Category:  core.CategorySystem,
				Kind:      core.KindUnknown,
				Retryable: false,
				Err:       err,
			}
		case apiErr.HTTPStatusCode >= 500:
			return &core.AgentError{
				Code:      core.CodeExecutionFailed,
				Message:   fmt.Sprintf("openai: server error: %v", err),
				Category:  core.CategorySystem,
				Kind:      core.KindTemporary,
				Retryable: true,
				Err:       err,
			}
		case apiErr.HTTPStatusCode >= 400:
			return &core.AgentError{
				Code:      core.CodeInvalidInput,
				Message:   fmt.Sprintf("openai: rejected request: %v", err),
				Category:  core.CategoryValidation,
				Kind:      core.KindValidation,
				Retryable: false,
				Err:       err,
			}
		}
	}

	kind, category, retryable := core.ClassifyMessage(err.Error())
	return &core.AgentError{
		Code:      core.CodeExecutionFailed,
		Message:   fmt.Sprintf("openai: request failed: %v", err),
		Category:  category,
		Kind:      kind,
		Retryable: retryable,
		Err:       err,
	}
}
