package core

import "context"

// Agent is the capability contract every registered agent satisfies: two
// read-only identity fields and one core operation. The runtime envelope
// wraps any value implementing this interface; agents never manage their
// own timeouts, retries or breaker state.
//
// Agents must return validation errors for malformed inputs rather than
// panicking, and must propagate context cancellation instead of catching
// their own timeouts.
type Agent interface {
	// Name returns the unique registration name.
	Name() string

	// Version returns the agent's version string.
	Version() string

	// ExecuteCore performs the agent's work for one invocation. The
	// input is the caller's original (unsanitized) payload; ec carries
	// the execution id and tracing identifiers minted by the envelope.
	ExecuteCore(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult
}

// AgentInfo is an optional interface agents may implement to enrich
// their registry descriptor. Implementations are discovered by type
// assertion at registration time.
type AgentInfo interface {
	// Description returns a human-readable summary used by the smart
	// router's classification vocabulary.
	Description() string

	// SupportedTaskTypes returns the model task types the agent may
	// request from the model router.
	SupportedTaskTypes() []TaskType
}

// AgentDescriptor is the immutable registry record for an agent. It is
// created at registration and destroyed at unregistration.
type AgentDescriptor struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	Description string     `json:"description,omitempty"`
	TaskTypes   []TaskType `json:"taskTypes,omitempty"`
}

// DescribeAgent builds a descriptor from an agent, using the AgentInfo
// interface when the agent provides it.
func DescribeAgent(agent Agent) AgentDescriptor {
	desc := AgentDescriptor{
		Name:    agent.Name(),
		Version: agent.Version(),
	}
	if info, ok := agent.(AgentInfo); ok {
		desc.Description = info.Description()
		desc.TaskTypes = append([]TaskType(nil), info.SupportedTaskTypes()...)
	}
	return desc
}

// AgentHandler is the function signature for handler-backed agents.
type AgentHandler func(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult

// SimpleAgent adapts a handler function to the Agent contract. Hosts and
// tests use it to register agents without declaring a type.
type SimpleAgent struct {
	name        string
	version     string
	description string
	taskTypes   []TaskType
	handler     AgentHandler
}

// NewAgent creates a handler-backed agent with the given identity.
func NewAgent(name, version string, handler AgentHandler) *SimpleAgent {
	return &SimpleAgent{
		name:    name,
		version: version,
		handler: handler,
	}
}

// WithDescription sets the descriptor description and returns the agent.
func (a *SimpleAgent) WithDescription(description string) *SimpleAgent {
	a.description = description
	return a
}

// WithTaskTypes sets the supported model task types and returns the agent.
func (a *SimpleAgent) WithTaskTypes(types ...TaskType) *SimpleAgent {
	a.taskTypes = append([]TaskType(nil), types...)
	return a
}

// Name returns the agent's registration name.
func (a *SimpleAgent) Name() string { return a.name }

// Version returns the agent's version string.
func (a *SimpleAgent) Version() string { return a.version }

// Description returns the descriptor description.
func (a *SimpleAgent) Description() string { return a.description }

// SupportedTaskTypes returns the supported model task types.
func (a *SimpleAgent) SupportedTaskTypes() []TaskType { return a.taskTypes }

// ExecuteCore invokes the wrapped handler.
func (a *SimpleAgent) ExecuteCore(ctx context.Context, input *AgentInput, ec *ExecutionContext) *AgentResult {
	if a.handler == nil {
		return Failure(NewAgentError(CodeExecutionFailed, "agent has no handler", CategoryExecution, false))
	}
	return a.handler(ctx, input, ec)
}
