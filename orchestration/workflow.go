package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/goswarm/core"
)

// WorkflowStatus is the lifecycle state of one workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StepStatus is the lifecycle state of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// TriggerKind records how a workflow execution was started.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerTask   TriggerKind = "task"
)

// WorkflowStep is one unit of a workflow: which agent to invoke and the
// prompt template it receives. DependsOn is informational for the linear
// engine; steps run in declaration order.
type WorkflowStep struct {
	ID        string        `json:"id" yaml:"id"`
	AgentName string        `json:"agent" yaml:"agent"`
	TaskType  core.TaskType `json:"task_type" yaml:"task_type"`
	Prompt    string        `json:"prompt" yaml:"prompt"`
	DependsOn []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// WorkflowDefinition is a declarative multi-step agent pipeline.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
}

// Validate checks structural correctness: non-empty workflow id, at least
// one step, unique non-empty step ids, agent names present, known task
// types, and depends_on references to earlier steps only.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return core.NewValidationError(core.CodeInvalidInput, "workflow id is empty")
	}
	if len(d.Steps) == 0 {
		return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("workflow %q has no steps", d.ID))
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("workflow %q step %d has no id", d.ID, i))
		}
		if seen[step.ID] {
			return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("workflow %q has duplicate step id %q", d.ID, step.ID))
		}
		if step.AgentName == "" {
			return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("workflow %q step %q has no agent", d.ID, step.ID))
		}
		if !core.ValidTaskType(step.TaskType) {
			return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("workflow %q step %q has unknown task type %q", d.ID, step.ID, step.TaskType))
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("workflow %q step %q depends on %q which is not an earlier step", d.ID, step.ID, dep))
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// StepExecution is the per-step record on a WorkflowExecution.
type StepExecution struct {
	StepID      string           `json:"stepId"`
	AgentName   string           `json:"agentName"`
	Status      StepStatus       `json:"status"`
	StartedAt   time.Time        `json:"startedAt,omitempty"`
	CompletedAt time.Time        `json:"completedAt,omitempty"`
	Error       *core.AgentError `json:"error,omitempty"`
}

// WorkflowExecution is the record of one workflow run, kept in a bounded
// in-memory history.
type WorkflowExecution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflowId"`
	Status      WorkflowStatus   `json:"status"`
	Trigger     TriggerKind      `json:"trigger"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt time.Time        `json:"completedAt,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
	Steps       []StepExecution  `json:"steps"`
	Error       *core.AgentError `json:"error,omitempty"`
}

// Delegator is the single operation the workflow engine needs from the
// registry. Narrow on purpose so tests can substitute a recorder.
type Delegator interface {
	Delegate(ctx context.Context, name string, input *core.AgentInput) *core.AgentResult
}

// WorkflowEngineOptions configures a WorkflowEngine.
type WorkflowEngineOptions struct {
	// HistoryBound caps the retained execution records. Oldest evicted first.
	HistoryBound int

	Delegator Delegator
	Bus       core.EventPublisher
	Logger    core.Logger
	Telemetry core.Telemetry
}

// WorkflowEngine stores workflow definitions and executes them step by
// step, threading a cumulative context through the pipeline. Step results
// are keyed by step id so later prompts can reference earlier outputs via
// {{stepId}} placeholders.
type WorkflowEngine struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowDefinition
	executions map[string]*WorkflowExecution
	execOrder  []string

	historyBound int
	delegator    Delegator
	bus          core.EventPublisher
	logger       core.Logger
	telemetry    core.Telemetry
}

// NewWorkflowEngine creates an engine with no workflows registered.
func NewWorkflowEngine(opts WorkflowEngineOptions) *WorkflowEngine {
	if opts.HistoryBound <= 0 {
		opts.HistoryBound = 1000
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("workflow")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}
	return &WorkflowEngine{
		workflows:    make(map[string]WorkflowDefinition),
		executions:   make(map[string]*WorkflowExecution),
		historyBound: opts.HistoryBound,
		delegator:    opts.Delegator,
		bus:          opts.Bus,
		logger:       opts.Logger,
		telemetry:    opts.Telemetry,
	}
}

// RegisterWorkflow validates and stores a definition. Duplicate ids fail.
// Agent names are resolved late, at step dispatch, not here.
func (e *WorkflowEngine) RegisterWorkflow(def WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[def.ID]; exists {
		return fmt.Errorf("workflow %q: %w", def.ID, core.ErrWorkflowAlreadyExists)
	}
	def.Steps = append([]WorkflowStep(nil), def.Steps...)
	e.workflows[def.ID] = def

	e.logger.Info("Workflow registered", map[string]interface{}{
		"operation": "workflow_register",
		"workflow":  def.ID,
		"steps":     len(def.Steps),
	})
	return nil
}

// UnregisterWorkflow removes a definition. Past executions stay readable.
func (e *WorkflowEngine) UnregisterWorkflow(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[id]; !exists {
		return fmt.Errorf("workflow %q: %w", id, core.ErrWorkflowNotFound)
	}
	delete(e.workflows, id)
	return nil
}

// GetWorkflow returns a registered definition.
func (e *WorkflowEngine) GetWorkflow(id string) (WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	def, exists := e.workflows[id]
	if !exists {
		return WorkflowDefinition{}, fmt.Errorf("workflow %q: %w", id, core.ErrWorkflowNotFound)
	}
	return def, nil
}

// ListWorkflows returns all definitions sorted by id.
func (e *WorkflowEngine) ListWorkflows() []WorkflowDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]WorkflowDefinition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteWorkflow runs a workflow synchronously with a manual trigger.
func (e *WorkflowEngine) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}) *core.AgentResult {
	return e.execute(ctx, workflowID, input, TriggerManual)
}

// ExecuteTriggered runs a workflow on behalf of the task scheduler.
func (e *WorkflowEngine) ExecuteTriggered(ctx context.Context, workflowID string, input map[string]interface{}) *core.AgentResult {
	return e.execute(ctx, workflowID, input, TriggerTask)
}

func (e *WorkflowEngine) execute(ctx context.Context, workflowID string, input map[string]interface{}, trigger TriggerKind) *core.AgentResult {
	if ctx == nil {
		ctx = context.Background()
	}

	def, err := e.GetWorkflow(workflowID)
	if err != nil {
		return core.Failure(&core.AgentError{
			Code:      core.CodeWorkflowNotFound,
			Message:   fmt.Sprintf("workflow %q is not registered", workflowID),
			Category:  core.CategoryValidation,
			Kind:      core.KindValidation,
			Retryable: false,
			Err:       core.ErrWorkflowNotFound,
		})
	}

	execID := uuid.New().String()
	exec := &WorkflowExecution{
		ID:         execID,
		WorkflowID: def.ID,
		Status:     WorkflowPending,
		Trigger:    trigger,
		StartedAt:  time.Now(),
		Steps:      make([]StepExecution, 0, len(def.Steps)),
	}
	e.recordExecution(exec)

	ctx, span := e.telemetry.StartSpan(ctx, "workflow.execute")
	defer span.End()
	span.SetAttribute("workflow.id", def.ID)
	span.SetAttribute("workflow.execution_id", execID)

	e.setStatus(exec, WorkflowRunning)
	e.publish(core.EventWorkflowStarted, def.ID, map[string]interface{}{
		"workflowId":  def.ID,
		"executionId": execID,
		"totalSteps":  len(def.Steps),
		"trigger":     string(trigger),
	})
	e.logger.Info("Workflow started", map[string]interface{}{
		"operation":    "workflow_execute",
		"workflow":     def.ID,
		"execution_id": execID,
		"steps":        len(def.Steps),
	})

	// The cumulative context starts as the caller's input and grows by
	// one entry per completed step, keyed by step id.
	cumulative := make(map[string]interface{}, len(input)+len(def.Steps))
	for k, v := range input {
		cumulative[k] = v
	}

	for _, step := range def.Steps {
		stepRec := e.startStep(exec, step)

		prompt := interpolate(step.Prompt, cumulative)
		staged := make(map[string]interface{}, len(cumulative)+2)
		for k, v := range cumulative {
			staged[k] = v
		}
		staged["prompt"] = prompt
		staged["taskType"] = string(step.TaskType)

		result := e.delegator.Delegate(ctx, step.AgentName, &core.AgentInput{
			Data:     staged,
			Metadata: map[string]interface{}{core.MetadataCorrelationID: execID},
		})

		if !result.OK() {
			failure := result.Error
			e.finishStep(exec, stepRec, StepFailed, failure)

			wrapped := &core.AgentError{
				Code:      core.CodeStepExecutionFailed,
				Message:   fmt.Sprintf("step %q failed: %s", step.ID, failure.Message),
				Category:  failure.Category,
				Kind:      failure.Kind,
				Retryable: failure.Retryable,
				Err:       failure,
			}
			wrapped.WithMetadata("stepId", step.ID)
			wrapped.WithMetadata("workflowId", def.ID)
			wrapped.WithMetadata("workflowExecutionId", execID)

			e.failExecution(exec, wrapped)
			span.RecordError(wrapped)
			e.publish(core.EventWorkflowFailed, def.ID, map[string]interface{}{
				"workflowId":  def.ID,
				"executionId": execID,
				"stepId":      step.ID,
				"error":       wrapped.Message,
			})
			e.logger.Error("Workflow failed", map[string]interface{}{
				"operation":    "workflow_execute",
				"workflow":     def.ID,
				"execution_id": execID,
				"step":         step.ID,
				"error":        failure.Message,
			})

			out := core.Failure(wrapped)
			out.WithMetadata("workflowId", def.ID)
			out.WithMetadata("workflowExecutionId", execID)
			out.WithMetadata("partialResults", cumulative)
			return out
		}

		e.finishStep(exec, stepRec, StepCompleted, nil)
		cumulative[step.ID] = result.Data
	}

	e.completeExecution(exec)
	e.publish(core.EventWorkflowCompleted, def.ID, map[string]interface{}{
		"workflowId":  def.ID,
		"executionId": execID,
		"totalSteps":  len(def.Steps),
		"durationMs":  exec.Duration.Milliseconds(),
	})
	e.logger.Info("Workflow completed", map[string]interface{}{
		"operation":    "workflow_execute",
		"workflow":     def.ID,
		"execution_id": execID,
		"duration_ms":  exec.Duration.Milliseconds(),
	})

	out := core.Success(cumulative)
	out.ExecutionTime = exec.Duration
	out.WithMetadata("workflowId", def.ID)
	out.WithMetadata("workflowExecutionId", execID)
	out.WithMetadata("totalSteps", len(def.Steps))
	return out
}

// GetExecution returns a copy of one execution record.
func (e *WorkflowEngine) GetExecution(id string) (*WorkflowExecution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exec, exists := e.executions[id]
	if !exists {
		return nil, fmt.Errorf("workflow execution %q: %w", id, core.ErrWorkflowNotFound)
	}
	return copyExecution(exec), nil
}

// ListExecutions returns copies of the retained executions, oldest first.
func (e *WorkflowEngine) ListExecutions() []*WorkflowExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*WorkflowExecution, 0, len(e.execOrder))
	for _, id := range e.execOrder {
		if exec, ok := e.executions[id]; ok {
			out = append(out, copyExecution(exec))
		}
	}
	return out
}

func (e *WorkflowEngine) recordExecution(exec *WorkflowExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executions[exec.ID] = exec
	e.execOrder = append(e.execOrder, exec.ID)
	for len(e.execOrder) > e.historyBound {
		oldest := e.execOrder[0]
		e.execOrder = e.execOrder[1:]
		delete(e.executions, oldest)
	}
}

func (e *WorkflowEngine) setStatus(exec *WorkflowExecution, status WorkflowStatus) {
	e.mu.Lock()
	exec.Status = status
	e.mu.Unlock()
}

func (e *WorkflowEngine) startStep(exec *WorkflowExecution, step WorkflowStep) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec.Steps = append(exec.Steps, StepExecution{
		StepID:    step.ID,
		AgentName: step.AgentName,
		Status:    StepRunning,
		StartedAt: time.Now(),
	})
	return len(exec.Steps) - 1
}

func (e *WorkflowEngine) finishStep(exec *WorkflowExecution, index int, status StepStatus, failure *core.AgentError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec.Steps[index].Status = status
	exec.Steps[index].CompletedAt = time.Now()
	exec.Steps[index].Error = failure
}

func (e *WorkflowEngine) failExecution(exec *WorkflowExecution, failure *core.AgentError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec.Status = WorkflowFailed
	exec.CompletedAt = time.Now()
	exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
	exec.Error = failure
}

func (e *WorkflowEngine) completeExecution(exec *WorkflowExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec.Status = WorkflowCompleted
	exec.CompletedAt = time.Now()
	exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
}

func (e *WorkflowEngine) publish(kind core.EventKind, subject string, payload map[string]interface{}) {
	if e.bus != nil {
		e.bus.Publish(core.NewEvent(kind, subject, payload))
	}
}

func copyExecution(exec *WorkflowExecution) *WorkflowExecution {
	out := *exec
	out.Steps = append([]StepExecution(nil), exec.Steps...)
	return &out
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_.-]+)\}\}`)

// interpolate substitutes {{key}} placeholders from the cumulative
// context. String values are inserted verbatim; other values are JSON
// encoded. Unknown keys keep the placeholder so missing context is
// visible in the rendered prompt.
func interpolate(template string, context map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := context[key]
		if !ok {
			return match
		}
		if s, ok := value.(string); ok {
			return s
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(encoded)
	})
}
