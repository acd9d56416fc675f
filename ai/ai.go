// Package ai routes model calls across registered providers. The router
// owns preference ordering by task type, cached availability probing,
// failover, and per-provider usage tallies; provider adapters own the
// actual SDK calls.
package ai

import (
	"context"
	"fmt"
	"time"
)

// ProviderClass groups providers by API family. Preference lists are
// expressed in classes, not provider IDs, so registering a second
// provider of the same class requires no preference changes.
type ProviderClass string

const (
	ClassAnthropic ProviderClass = "anthropic-class"
	ClassOpenAI    ProviderClass = "openai-class"
)

// ParseProviderClass validates a provider class name from configuration.
func ParseProviderClass(s string) (ProviderClass, error) {
	switch ProviderClass(s) {
	case ClassAnthropic:
		return ClassAnthropic, nil
	case ClassOpenAI:
		return ClassOpenAI, nil
	}
	return "", fmt.Errorf("unknown provider class %q", s)
}

// CompletionOptions tune one model call. Zero values defer to the
// provider's configured defaults.
type CompletionOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
}

// Usage reports token consumption and estimated cost for one call.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Completion is a provider's response to one call.
type Completion struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Provider is one upstream model API. Implementations must be safe for
// concurrent use.
type Provider interface {
	// ID returns the unique registration identifier.
	ID() string

	// Class returns the provider's API family.
	Class() ProviderClass

	// Complete performs one model call.
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (*Completion, error)
}

// Pinger is an optional cheap liveness probe. Providers that implement it
// are probed by the router's background loop; those that do not have
// their availability refreshed by real traffic only.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelResult is the router's outcome for one Execute call.
type ModelResult struct {
	Content       string        `json:"content"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Usage         Usage         `json:"usage"`
	ExecutionTime time.Duration `json:"executionTime"`
}

// ProviderStats is a point-in-time view of one registered provider.
type ProviderStats struct {
	ID            string        `json:"id"`
	Class         ProviderClass `json:"class"`
	Available     bool          `json:"available"`
	LastProbe     time.Time     `json:"lastProbe"`
	Requests      uint64        `json:"requests"`
	Failures      uint64        `json:"failures"`
	RollingCost   float64       `json:"rollingCost"`
	RollingTokens int64         `json:"rollingTokens"`
}
