package orchestration

import (
	"context"
	"fmt"
	"strings"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
)

// ModelExecutor is the slice of the model router the smart router needs.
type ModelExecutor interface {
	Execute(ctx context.Context, taskType core.TaskType, prompt string, opts ai.CompletionOptions) (*ai.ModelResult, error)
}

// SmartRouterOptions configures a SmartRouter.
type SmartRouterOptions struct {
	Registry  *AgentRegistry
	Models    ModelExecutor
	Logger    core.Logger
	Telemetry core.Telemetry
}

// SmartRouter turns free-text requests into agent delegations. A small
// classification call asks the model for exactly one token out of a
// closed vocabulary (the registered agent names plus "none"); anything
// other than a clean agent-name match falls back to answering the request
// directly through the model router.
type SmartRouter struct {
	registry  *AgentRegistry
	models    ModelExecutor
	logger    core.Logger
	telemetry core.Telemetry
}

// NewSmartRouter creates a smart router over the registry and model router.
func NewSmartRouter(opts SmartRouterOptions) *SmartRouter {
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("smart-router")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}
	return &SmartRouter{
		registry:  opts.Registry,
		models:    opts.Models,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}
}

// SmartExecute classifies the request and delegates to the chosen agent,
// or answers directly via the model router when no agent fits.
func (s *SmartRouter) SmartExecute(ctx context.Context, request string) *core.AgentResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(request) == "" {
		return core.Failure(core.NewValidationError(core.CodeInvalidInput, "request is empty"))
	}

	ctx, span := s.telemetry.StartSpan(ctx, "smart_router.execute")
	defer span.End()

	agents := s.registry.ListAgents()
	if len(agents) == 0 {
		span.SetAttribute("routing.decision", "fallback")
		return s.fallback(ctx, request, "no agents registered")
	}

	names := make(map[string]string, len(agents))
	for _, desc := range agents {
		names[strings.ToLower(desc.Name)] = desc.Name
	}

	classification, err := s.models.Execute(ctx, core.TaskTypePlanning, request, ai.CompletionOptions{
		SystemPrompt: classifierPrompt(agents),
		MaxTokens:    16,
		Temperature:  0.1,
	})
	if err != nil {
		s.logger.Warn("Classification failed, falling back to direct answer", map[string]interface{}{
			"operation": "smart_execute",
			"error":     err.Error(),
		})
		span.SetAttribute("routing.decision", "fallback")
		return s.fallback(ctx, request, "classification failed")
	}

	token := normalizeToken(classification.Content)
	if token == "none" {
		span.SetAttribute("routing.decision", "fallback")
		return s.fallback(ctx, request, "no matching agent")
	}

	name, matched := names[token]
	if !matched {
		s.logger.Warn("Classifier produced an unknown token, falling back", map[string]interface{}{
			"operation": "smart_execute",
			"token":     token,
		})
		span.SetAttribute("routing.decision", "fallback")
		return s.fallback(ctx, request, "unrecognized classification")
	}

	span.SetAttribute("routing.decision", "delegate")
	span.SetAttribute("routing.agent", name)
	s.logger.Info("Request routed to agent", map[string]interface{}{
		"operation": "smart_execute",
		"agent":     name,
		"provider":  classification.Provider,
	})

	result := s.registry.Delegate(ctx, name, &core.AgentInput{
		Data: map[string]interface{}{"prompt": request},
	})
	result.WithMetadata("routedBy", "smart-router")
	result.WithMetadata("routedAgent", name)
	result.WithMetadata("classifierProvider", classification.Provider)
	return result
}

// fallback answers the request directly via the model router.
func (s *SmartRouter) fallback(ctx context.Context, request, reason string) *core.AgentResult {
	answer, err := s.models.Execute(ctx, core.TaskTypePlanning, request, ai.CompletionOptions{})
	if err != nil {
		failure := core.Classify(err)
		failure.WithMetadata("routedBy", "smart-router")
		failure.WithMetadata("fallback", true)
		return core.Failure(failure)
	}
	result := core.Success(map[string]interface{}{"content": answer.Content})
	result.ExecutionTime = answer.ExecutionTime
	result.WithMetadata("routedBy", "smart-router")
	result.WithMetadata("fallback", true)
	result.WithMetadata("fallbackReason", reason)
	result.WithMetadata("provider", answer.Provider)
	return result
}

// classifierPrompt builds the closed-vocabulary system prompt from the
// registered agent descriptors.
func classifierPrompt(agents []core.AgentDescriptor) string {
	var b strings.Builder
	b.WriteString("You are a request router. Choose the single best agent for the user's request.\n")
	b.WriteString("Available agents:\n")
	for _, desc := range agents {
		if desc.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", desc.Name, desc.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", desc.Name)
		}
	}
	b.WriteString("Reply with exactly one word: an agent name from the list, or none if no agent fits.")
	return b.String()
}

// normalizeToken reduces a model reply to a comparable vocabulary token:
// first whitespace-separated word, lowercased, surrounding punctuation
// stripped.
func normalizeToken(reply string) string {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(strings.ToLower(fields[0]), "\"'`.,:;!?()[]{}<>")
}
