package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/goswarm/core"
)

// syncDelegator scripts Delegate and is safe to share with the worker
// goroutine.
type syncDelegator struct {
	mu          sync.Mutex
	delegations []delegation
	respond     func(agent string, input *core.AgentInput) *core.AgentResult
}

func (d *syncDelegator) Delegate(_ context.Context, name string, input *core.AgentInput) *core.AgentResult {
	d.mu.Lock()
	d.delegations = append(d.delegations, delegation{agent: name, input: input})
	respond := d.respond
	d.mu.Unlock()
	if respond != nil {
		return respond(name, input)
	}
	return core.Success(map[string]interface{}{"done": true})
}

func (d *syncDelegator) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delegations)
}

func (d *syncDelegator) last() delegation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delegations[len(d.delegations)-1]
}

type fakeWorkflowRunner struct {
	mu      sync.Mutex
	runs    []string
	respond func(workflowID string) *core.AgentResult
}

func (f *fakeWorkflowRunner) ExecuteTriggered(_ context.Context, workflowID string, _ map[string]interface{}) *core.AgentResult {
	f.mu.Lock()
	f.runs = append(f.runs, workflowID)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(workflowID)
	}
	return core.Success(map[string]interface{}{"workflow": workflowID})
}

func newSchedulerUnderTest(t *testing.T, opts SchedulerOptions) *TaskScheduler {
	t.Helper()
	if opts.TypeAgents == nil {
		opts.TypeAgents = map[TaskType]string{
			TaskAnalysis: "analyst",
			TaskResearch: "researcher",
		}
	}
	s := NewTaskScheduler(opts)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func startedScheduler(t *testing.T, opts SchedulerOptions) *TaskScheduler {
	t.Helper()
	s := newSchedulerUnderTest(t, opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func waitForStatus(t *testing.T, s *TaskScheduler, id string, want TaskStatus) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return s.GetStatus(id) == want })
}

func TestSubmitValidation(t *testing.T) {
	s := newSchedulerUnderTest(t, SchedulerOptions{Delegator: &syncDelegator{}})

	if _, err := s.Submit(TaskRequest{Type: "juggling"}); !core.IsValidation(err) {
		t.Fatalf("unknown type error = %v, want validation", err)
	}
	if _, err := s.Submit(TaskRequest{Type: TaskAnalysis, Priority: "urgent"}); !core.IsValidation(err) {
		t.Fatalf("unknown priority error = %v, want validation", err)
	}

	id, err := s.Submit(TaskRequest{Type: TaskAnalysis})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s.GetStatus(id) != TaskQueued {
		t.Errorf("GetStatus = %q, want queued before the worker starts", s.GetStatus(id))
	}
}

func TestSubmitDefaultsPriority(t *testing.T) {
	bus := core.NewEventBus(nil)
	defer bus.Close()
	events := make(chan core.Event, 16)
	bus.Subscribe(func(e core.Event) { events <- e })

	s := newSchedulerUnderTest(t, SchedulerOptions{Delegator: &syncDelegator{}, Bus: bus})
	if _, err := s.Submit(TaskRequest{Type: TaskAnalysis}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != core.EventTaskSubmitted {
			t.Fatalf("first event = %q, want taskSubmitted", e.Kind)
		}
		if e.Payload["priority"] != string(PriorityMedium) {
			t.Errorf("priority = %v, want the medium default", e.Payload["priority"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no submission event observed")
	}
}

func TestSubmitQueueBound(t *testing.T) {
	s := newSchedulerUnderTest(t, SchedulerOptions{
		Delegator:  &syncDelegator{},
		QueueBound: func() int { return 1 },
	})

	if _, err := s.Submit(TaskRequest{Type: TaskAnalysis}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := s.Submit(TaskRequest{Type: TaskAnalysis})
	if !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("Submit over bound = %v, want ErrQueueFull", err)
	}
	var ae *core.AgentError
	if !errors.As(err, &ae) || ae.Code != core.CodeQueueFull || !ae.Retryable {
		t.Errorf("queue-full error = %+v, want retryable queue_full", ae)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := newSchedulerUnderTest(t, SchedulerOptions{Delegator: &syncDelegator{}})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.Submit(TaskRequest{Type: TaskAnalysis}); !errors.Is(err, core.ErrKernelStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrKernelStopped", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	bus := core.NewEventBus(nil)
	defer bus.Close()
	events := make(chan core.Event, 32)
	bus.Subscribe(func(e core.Event) { events <- e })

	delegator := &syncDelegator{}
	s := startedScheduler(t, SchedulerOptions{Delegator: delegator, Bus: bus})

	id, err := s.Submit(TaskRequest{
		Type:  TaskAnalysis,
		Input: map[string]interface{}{"subject": "latency"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, s, id, TaskCompleted)

	record, err := s.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if record.Status != TaskCompleted || !record.Result.OK() {
		t.Fatalf("record = %+v, want a completed task", record)
	}
	if record.EndTime.IsZero() || record.Duration < 0 {
		t.Errorf("record timing = %+v", record)
	}

	got := delegator.last()
	if got.agent != "analyst" {
		t.Errorf("delegated to %q, want the configured type agent", got.agent)
	}
	if got.input.Data["subject"] != "latency" {
		t.Errorf("delegated input = %+v", got.input.Data)
	}
	if got.input.CorrelationID() != id {
		t.Error("delegated input should carry the task id as correlation id")
	}

	stats := s.Stats()
	if stats.Submitted != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}

	assertEventKinds(t, events, core.EventTaskSubmitted, core.EventTaskStarted, core.EventTaskCompleted)
}

func TestTaskFailureRecorded(t *testing.T) {
	bus := core.NewEventBus(nil)
	defer bus.Close()
	events := make(chan core.Event, 32)
	bus.Subscribe(func(e core.Event) { events <- e })

	delegator := &syncDelegator{respond: func(string, *core.AgentInput) *core.AgentResult {
		return core.Failure(core.NewAgentError(core.CodeExecutionFailed, "agent broke", core.CategoryExecution, false))
	}}
	s := startedScheduler(t, SchedulerOptions{Delegator: delegator, Bus: bus})

	id, _ := s.Submit(TaskRequest{Type: TaskAnalysis})
	waitForStatus(t, s, id, TaskFailed)

	record, err := s.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if record.Error == nil || record.Error.Message != "agent broke" {
		t.Errorf("record error = %+v", record.Error)
	}

	stats := s.Stats()
	if stats.Failed != 1 || stats.ErrorRate != 1.0 {
		t.Errorf("stats = %+v, want one failure and full error rate", stats)
	}

	assertEventKinds(t, events, core.EventTaskFailed)
}

func TestTaskPanicIsolation(t *testing.T) {
	var first sync.Once
	delegator := &syncDelegator{respond: func(string, *core.AgentInput) *core.AgentResult {
		panicked := false
		first.Do(func() { panicked = true })
		if panicked {
			panic("agent exploded")
		}
		return core.Success(nil)
	}}
	s := startedScheduler(t, SchedulerOptions{Delegator: delegator})

	id1, _ := s.Submit(TaskRequest{Type: TaskAnalysis})
	waitForStatus(t, s, id1, TaskFailed)

	record, _ := s.GetResult(id1)
	if record.Error == nil || record.Error.Code != core.CodeExecutionPanic {
		t.Fatalf("record error = %+v, want execution_panic", record.Error)
	}

	// The worker survives the panic and keeps consuming.
	id2, _ := s.Submit(TaskRequest{Type: TaskAnalysis})
	waitForStatus(t, s, id2, TaskCompleted)
}

func TestCancelQueuedTask(t *testing.T) {
	bus := core.NewEventBus(nil)
	defer bus.Close()
	events := make(chan core.Event, 16)
	bus.Subscribe(func(e core.Event) { events <- e })

	// Worker never started: the task stays queued.
	s := newSchedulerUnderTest(t, SchedulerOptions{Delegator: &syncDelegator{}, Bus: bus})
	id, _ := s.Submit(TaskRequest{Type: TaskAnalysis})

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s.GetStatus(id) != TaskCancelled {
		t.Errorf("GetStatus = %q, want cancelled", s.GetStatus(id))
	}
	if err := s.Cancel(id); !errors.Is(err, core.ErrTaskNotCancellable) {
		t.Errorf("Cancel twice = %v, want ErrTaskNotCancellable", err)
	}
	if err := s.Cancel("task_ghost"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("Cancel(ghost) = %v, want ErrTaskNotFound", err)
	}
	if stats := s.Stats(); stats.Cancelled != 1 {
		t.Errorf("stats = %+v, want one cancellation", stats)
	}

	assertEventKinds(t, events, core.EventTaskCancelled)
}

func TestCancelActiveTask(t *testing.T) {
	release := make(chan struct{})
	delegator := &syncDelegator{respond: func(string, *core.AgentInput) *core.AgentResult {
		<-release
		return core.Success(nil)
	}}
	s := startedScheduler(t, SchedulerOptions{Delegator: delegator})

	id, _ := s.Submit(TaskRequest{Type: TaskAnalysis})
	waitForStatus(t, s, id, TaskActive)

	if err := s.Cancel(id); !errors.Is(err, core.ErrTaskNotCancellable) {
		t.Fatalf("Cancel(active) = %v, want ErrTaskNotCancellable", err)
	}

	close(release)
	waitForStatus(t, s, id, TaskCompleted)
}

func TestWorkflowTask(t *testing.T) {
	runner := &fakeWorkflowRunner{}
	s := startedScheduler(t, SchedulerOptions{Delegator: &syncDelegator{}, Workflows: runner})

	id, _ := s.Submit(TaskRequest{
		Type:  TaskWorkflow,
		Input: map[string]interface{}{"workflowId": "research-pipeline"},
	})
	waitForStatus(t, s, id, TaskCompleted)

	runner.mu.Lock()
	runs := append([]string(nil), runner.runs...)
	runner.mu.Unlock()
	if len(runs) != 1 || runs[0] != "research-pipeline" {
		t.Errorf("workflow runs = %v", runs)
	}

	// A workflow task with no workflowId fails validation.
	id2, _ := s.Submit(TaskRequest{Type: TaskWorkflow})
	waitForStatus(t, s, id2, TaskFailed)
	record, _ := s.GetResult(id2)
	if !core.IsValidation(record.Error) {
		t.Errorf("record error = %+v, want validation", record.Error)
	}
}

func TestTaskTypeWithoutAgent(t *testing.T) {
	s := startedScheduler(t, SchedulerOptions{
		Delegator:  &syncDelegator{},
		TypeAgents: map[TaskType]string{TaskAnalysis: "analyst"},
	})

	id, _ := s.Submit(TaskRequest{Type: TaskCode})
	waitForStatus(t, s, id, TaskFailed)

	record, _ := s.GetResult(id)
	if !core.IsValidation(record.Error) {
		t.Errorf("record error = %+v, want validation for the unmapped type", record.Error)
	}
}

func TestExpiredDeadline(t *testing.T) {
	delegator := &syncDelegator{}
	s := startedScheduler(t, SchedulerOptions{Delegator: delegator})

	past := time.Now().Add(-time.Minute)
	id, _ := s.Submit(TaskRequest{Type: TaskAnalysis, Deadline: &past})
	waitForStatus(t, s, id, TaskFailed)

	record, _ := s.GetResult(id)
	if record.Error == nil || record.Error.Code != core.CodeExecutionTimeout {
		t.Errorf("record error = %+v, want execution_timeout", record.Error)
	}
	if delegator.count() != 0 {
		t.Error("an expired task must not reach its agent")
	}
}

func TestStartTwice(t *testing.T) {
	s := startedScheduler(t, SchedulerOptions{Delegator: &syncDelegator{}})
	if err := s.Start(context.Background()); !errors.Is(err, core.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	delegator := &syncDelegator{respond: func(string, *core.AgentInput) *core.AgentResult {
		time.Sleep(50 * time.Millisecond)
		return core.Success(nil)
	}}
	s := startedScheduler(t, SchedulerOptions{Delegator: delegator})

	id, _ := s.Submit(TaskRequest{Type: TaskAnalysis})
	waitForStatus(t, s, id, TaskActive)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.GetStatus(id) != TaskCompleted {
		t.Errorf("GetStatus = %q, want the in-flight task finished", s.GetStatus(id))
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop twice = %v, want nil", err)
	}
}

func TestHistoryBound(t *testing.T) {
	s := startedScheduler(t, SchedulerOptions{Delegator: &syncDelegator{}, HistoryBound: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Submit(TaskRequest{Type: TaskAnalysis})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitForStatus(t, s, id, TaskCompleted)
		ids = append(ids, id)
	}

	if s.GetStatus(ids[0]) != TaskNotFound {
		t.Errorf("oldest record should be evicted, got %q", s.GetStatus(ids[0]))
	}
	if _, err := s.GetResult(ids[0]); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("GetResult(evicted) = %v, want ErrTaskNotFound", err)
	}
	for _, id := range ids[1:] {
		if s.GetStatus(id) != TaskCompleted {
			t.Errorf("GetStatus(%s) = %q, want retained", id, s.GetStatus(id))
		}
	}
}
