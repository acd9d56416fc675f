package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/itsneelabh/goswarm/core"
)

// WorkflowRunner is the slice of the workflow engine the scheduler needs
// for workflow-type tasks.
type WorkflowRunner interface {
	ExecuteTriggered(ctx context.Context, workflowID string, input map[string]interface{}) *core.AgentResult
}

// SchedulerOptions configures a TaskScheduler.
type SchedulerOptions struct {
	// Queue is the backing task queue. Nil selects an in-memory queue.
	Queue TaskQueue

	// QueueBound returns the admission cap, consulted per submission so
	// hot reloads apply to future submissions. Nil or non-positive
	// disables the bound.
	QueueBound func() int

	// HistoryBound caps retained terminal task records. Default 1000.
	HistoryBound int

	// TypeAgents routes non-workflow task types to agent names.
	TypeAgents map[TaskType]string

	Delegator Delegator
	Workflows WorkflowRunner
	Bus       core.EventPublisher
	Logger    core.Logger
	Telemetry core.Telemetry
}

// TaskScheduler owns the background task lifecycle: bounded admission,
// priority dequeue by a single consumer worker, panic isolation, bounded
// terminal history. Tasks are cancellable only while queued; the queue
// itself arbitrates cancel-versus-dequeue races.
type TaskScheduler struct {
	queue        TaskQueue
	bound        func() int
	historyBound int
	typeAgents   map[TaskType]string
	delegator    Delegator
	workflows    WorkflowRunner
	bus          core.EventPublisher
	logger       core.Logger
	telemetry    core.Telemetry

	mu           sync.Mutex
	queued       map[string]*Task
	active       map[string]*Task
	history      map[string]*TaskResult
	historyOrder []string
	started      bool
	stopped      bool
	submitted    uint64
	completed    uint64
	failed       uint64
	cancelled    uint64

	// Dequeueing and execution stop independently: Stop cancels dequeue
	// immediately but lets the in-flight task finish until the grace
	// deadline expires.
	dequeueCtx    context.Context
	dequeueCancel context.CancelFunc
	execCtx       context.Context
	execCancel    context.CancelFunc
	wg            sync.WaitGroup
}

// NewTaskScheduler creates a scheduler. Start launches the worker.
func NewTaskScheduler(opts SchedulerOptions) *TaskScheduler {
	if opts.Queue == nil {
		opts.Queue = NewMemoryTaskQueue()
	}
	if opts.QueueBound == nil {
		opts.QueueBound = func() int { return 10000 }
	}
	if opts.HistoryBound <= 0 {
		opts.HistoryBound = 1000
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("scheduler")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}

	typeAgents := make(map[TaskType]string, len(opts.TypeAgents))
	for taskType, agent := range opts.TypeAgents {
		typeAgents[taskType] = agent
	}

	return &TaskScheduler{
		queue:        opts.Queue,
		bound:        opts.QueueBound,
		historyBound: opts.HistoryBound,
		typeAgents:   typeAgents,
		delegator:    opts.Delegator,
		workflows:    opts.Workflows,
		bus:          opts.Bus,
		logger:       opts.Logger,
		telemetry:    opts.Telemetry,
		queued:       make(map[string]*Task),
		active:       make(map[string]*Task),
		history:      make(map[string]*TaskResult),
	}
}

// Start launches the consumer worker. The worker also stops when ctx is
// cancelled, independent of Stop.
func (s *TaskScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler: %w", core.ErrAlreadyStarted)
	}
	s.started = true
	s.dequeueCtx, s.dequeueCancel = context.WithCancel(ctx)
	s.execCtx, s.execCancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.runWorker()
	return nil
}

// Submit validates and enqueues a task, returning its minted ID.
func (s *TaskScheduler) Submit(req TaskRequest) (string, error) {
	if !req.Type.Valid() {
		return "", core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown task type %q", req.Type))
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return "", core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("unknown priority %q", priority))
	}

	if bound := s.bound(); bound > 0 && s.queue.Len() >= bound {
		return "", &core.AgentError{
			Code:      core.CodeQueueFull,
			Message:   fmt.Sprintf("task queue is at capacity (%d)", bound),
			Category:  core.CategorySystem,
			Kind:      core.KindTemporary,
			Retryable: true,
			Err:       core.ErrQueueFull,
		}
	}

	task := &Task{
		ID:          MintTaskID(),
		Type:        req.Type,
		Priority:    priority,
		Input:       req.Input,
		Deadline:    req.Deadline,
		Metadata:    req.Metadata,
		SubmittedAt: time.Now(),
	}

	// Register as queued before enqueueing so the worker's bookkeeping
	// never races ahead of the submitter's.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", fmt.Errorf("task intake stopped: %w", core.ErrKernelStopped)
	}
	s.queued[task.ID] = task
	s.mu.Unlock()

	if err := s.queue.Enqueue(task); err != nil {
		s.mu.Lock()
		delete(s.queued, task.ID)
		s.mu.Unlock()
		if errors.Is(err, core.ErrKernelStopped) {
			return "", err
		}
		return "", &core.AgentError{
			Code:      core.CodeExecutionFailed,
			Message:   fmt.Sprintf("failed to enqueue task: %v", err),
			Category:  core.CategorySystem,
			Kind:      core.KindTemporary,
			Retryable: true,
			Err:       err,
		}
	}

	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()

	s.publish(core.EventTaskSubmitted, task.ID, map[string]interface{}{
		"taskId":   task.ID,
		"taskType": string(task.Type),
		"priority": string(priority),
	})
	s.logger.Info("Task submitted", map[string]interface{}{
		"operation": "task_submit",
		"task_id":   task.ID,
		"task_type": string(task.Type),
		"priority":  string(priority),
	})
	return task.ID, nil
}

// Cancel removes a still-queued task. Active and terminal tasks are not
// cancellable; unknown IDs report not found.
func (s *TaskScheduler) Cancel(id string) error {
	s.mu.Lock()
	if record, done := s.history[id]; done {
		status := record.Status
		s.mu.Unlock()
		return fmt.Errorf("task %s is already %s: %w", id, status, core.ErrTaskNotCancellable)
	}
	if _, isActive := s.active[id]; isActive {
		s.mu.Unlock()
		return fmt.Errorf("task %s is active: %w", id, core.ErrTaskNotCancellable)
	}
	if _, isQueued := s.queued[id]; !isQueued {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
	}
	s.mu.Unlock()

	// The queue arbitrates the race: losing to the worker means the task
	// is no longer cancellable.
	if !s.queue.Remove(id) {
		return fmt.Errorf("task %s is active: %w", id, core.ErrTaskNotCancellable)
	}

	s.mu.Lock()
	delete(s.queued, id)
	s.recordLocked(&TaskResult{ID: id, Status: TaskCancelled, EndTime: time.Now()})
	s.cancelled++
	s.mu.Unlock()

	s.publish(core.EventTaskCancelled, id, map[string]interface{}{"taskId": id})
	s.logger.Info("Task cancelled", map[string]interface{}{
		"operation": "task_cancel",
		"task_id":   id,
	})
	return nil
}

// GetStatus reports the current lifecycle state of a task.
func (s *TaskScheduler) GetStatus(id string) TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; ok {
		return TaskActive
	}
	if _, ok := s.queued[id]; ok {
		return TaskQueued
	}
	if record, ok := s.history[id]; ok {
		return record.Status
	}
	return TaskNotFound
}

// GetResult returns the task's record: the terminal record for finished
// tasks, a status-only record for queued and active ones.
func (s *TaskScheduler) GetResult(id string) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.history[id]; ok {
		out := *record
		return &out, nil
	}
	if _, ok := s.active[id]; ok {
		return &TaskResult{ID: id, Status: TaskActive}, nil
	}
	if _, ok := s.queued[id]; ok {
		return &TaskResult{ID: id, Status: TaskQueued}, nil
	}
	return nil, fmt.Errorf("task %s: %w", id, core.ErrTaskNotFound)
}

// QueueDepth returns the number of queued tasks.
func (s *TaskScheduler) QueueDepth() int {
	return s.queue.Len()
}

// QueueBound returns the current admission cap.
func (s *TaskScheduler) QueueBound() int {
	return s.bound()
}

// Stats aggregates counters and the error rate over the trailing hour of
// terminal records. Cancelled tasks do not count toward the rate.
func (s *TaskScheduler) Stats() TaskStats {
	depth := s.queue.Len()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := TaskStats{
		Submitted:  s.submitted,
		Completed:  s.completed,
		Failed:     s.failed,
		Cancelled:  s.cancelled,
		QueueDepth: depth,
		Active:     len(s.active),
	}
	cutoff := time.Now().Add(-time.Hour)
	var finished, failed float64
	for _, record := range s.history {
		if record.EndTime.Before(cutoff) {
			continue
		}
		switch record.Status {
		case TaskCompleted:
			finished++
		case TaskFailed:
			finished++
			failed++
		}
	}
	if finished > 0 {
		stats.ErrorRate = failed / finished
	}
	return stats
}

// Stop closes intake and stops dequeuing, then waits for the in-flight
// task until ctx expires; after that the task's context is cancelled and
// the worker is awaited.
func (s *TaskScheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	dequeueCancel := s.dequeueCancel
	execCancel := s.execCancel
	s.mu.Unlock()

	if alreadyStopped || dequeueCancel == nil {
		return nil
	}
	dequeueCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.queue.Close()
		return nil
	case <-ctx.Done():
		execCancel()
		<-done
		s.queue.Close()
		return ctx.Err()
	}
}

func (s *TaskScheduler) runWorker() {
	defer s.wg.Done()
	for {
		task, err := s.queue.Dequeue(s.dequeueCtx)
		if err != nil {
			if s.dequeueCtx.Err() != nil || errors.Is(err, core.ErrKernelStopped) {
				return
			}
			s.logger.Error("Dequeue failed", map[string]interface{}{
				"operation": "task_dequeue",
				"error":     err.Error(),
			})
			if !sleepQueue(s.dequeueCtx, 100*time.Millisecond) {
				return
			}
			continue
		}
		s.process(task)
	}
}

func (s *TaskScheduler) process(task *Task) {
	s.mu.Lock()
	delete(s.queued, task.ID)
	s.active[task.ID] = task
	s.mu.Unlock()

	s.publish(core.EventTaskStarted, task.ID, map[string]interface{}{
		"taskId":   task.ID,
		"taskType": string(task.Type),
		"priority": string(task.Priority),
	})
	s.logger.Info("Task started", map[string]interface{}{
		"operation": "task_process",
		"task_id":   task.ID,
		"task_type": string(task.Type),
	})

	start := time.Now()
	result := s.executeTask(task)
	end := time.Now()

	record := &TaskResult{
		ID:        task.ID,
		Result:    result,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
	}
	if result.OK() {
		record.Status = TaskCompleted
	} else {
		record.Status = TaskFailed
		record.Error = result.Error
	}

	s.mu.Lock()
	delete(s.active, task.ID)
	s.recordLocked(record)
	if record.Status == TaskCompleted {
		s.completed++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if record.Status == TaskCompleted {
		s.publish(core.EventTaskCompleted, task.ID, map[string]interface{}{
			"taskId":     task.ID,
			"durationMs": record.Duration.Milliseconds(),
		})
		s.logger.Info("Task completed", map[string]interface{}{
			"operation":   "task_process",
			"task_id":     task.ID,
			"duration_ms": record.Duration.Milliseconds(),
		})
	} else {
		s.publish(core.EventTaskFailed, task.ID, map[string]interface{}{
			"taskId":   task.ID,
			"error":    record.Error.Message,
			"category": string(record.Error.Category),
		})
		s.logger.Error("Task failed", map[string]interface{}{
			"operation": "task_process",
			"task_id":   task.ID,
			"error":     record.Error.Message,
		})
	}
}

// executeTask runs the task body with panic isolation: a panicking agent
// or workflow fails the task, never the worker.
func (s *TaskScheduler) executeTask(task *Task) (result *core.AgentResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", map[string]interface{}{
				"operation": "task_process",
				"task_id":   task.ID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			result = core.Failure(&core.AgentError{
				Code:      core.CodeExecutionPanic,
				Message:   fmt.Sprintf("task panicked: %v", r),
				Category:  core.CategoryExecution,
				Kind:      core.KindUnknown,
				Retryable: false,
			})
		}
	}()

	if task.Deadline != nil && !time.Now().Before(*task.Deadline) {
		return core.Failure(&core.AgentError{
			Code:      core.CodeExecutionTimeout,
			Message:   "task deadline expired before start",
			Category:  core.CategoryTimeout,
			Kind:      core.KindTimeout,
			Retryable: false,
		})
	}

	ctx := s.execCtx
	if task.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *task.Deadline)
		defer cancel()
	}

	ctx, span := s.telemetry.StartSpan(ctx, "task.process")
	defer span.End()
	span.SetAttribute("task.id", task.ID)
	span.SetAttribute("task.type", string(task.Type))

	if task.Type == TaskWorkflow {
		if s.workflows == nil {
			return core.Failure(core.NewValidationError(core.CodeInvalidInput, "workflow execution is not configured"))
		}
		workflowID, _ := task.Input["workflowId"].(string)
		if workflowID == "" {
			return core.Failure(core.NewValidationError(core.CodeInvalidInput, "workflow task is missing workflowId"))
		}
		return s.workflows.ExecuteTriggered(ctx, workflowID, task.Input)
	}

	agentName := s.typeAgents[task.Type]
	if agentName == "" {
		return core.Failure(core.NewValidationError(core.CodeInvalidInput, fmt.Sprintf("no agent configured for task type %q", task.Type)))
	}
	return s.delegator.Delegate(ctx, agentName, &core.AgentInput{
		Data:     task.Input,
		Metadata: map[string]interface{}{core.MetadataCorrelationID: task.ID},
	})
}

func (s *TaskScheduler) recordLocked(record *TaskResult) {
	s.history[record.ID] = record
	s.historyOrder = append(s.historyOrder, record.ID)
	for len(s.historyOrder) > s.historyBound {
		oldest := s.historyOrder[0]
		s.historyOrder = s.historyOrder[1:]
		delete(s.history, oldest)
	}
}

func (s *TaskScheduler) publish(kind core.EventKind, subject string, payload map[string]interface{}) {
	if s.bus != nil {
		s.bus.Publish(core.NewEvent(kind, subject, payload))
	}
}
