package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a kernel lifecycle event. The vocabulary is closed:
// components never publish kinds outside this set.
type EventKind string

const (
	EventTaskSubmitted      EventKind = "taskSubmitted"
	EventTaskStarted        EventKind = "taskStarted"
	EventTaskCompleted      EventKind = "taskCompleted"
	EventTaskFailed         EventKind = "taskFailed"
	EventTaskCancelled      EventKind = "taskCancelled"
	EventWorkflowStarted    EventKind = "workflowStarted"
	EventWorkflowCompleted  EventKind = "workflowCompleted"
	EventWorkflowFailed     EventKind = "workflowFailed"
	EventExecutionStarted   EventKind = "executionStarted"
	EventExecutionCompleted EventKind = "executionCompleted"
	EventExecutionError     EventKind = "executionError"
	EventBreakerOpened      EventKind = "breakerOpened"
	EventBreakerHalfOpen    EventKind = "breakerHalfOpen"
	EventBreakerClosed      EventKind = "breakerClosed"
	EventHealthChanged      EventKind = "healthChanged"
)

// KnownEventKinds returns every event kind the kernel can publish.
func KnownEventKinds() []EventKind {
	return []EventKind{
		EventTaskSubmitted, EventTaskStarted, EventTaskCompleted,
		EventTaskFailed, EventTaskCancelled,
		EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowFailed,
		EventExecutionStarted, EventExecutionCompleted, EventExecutionError,
		EventBreakerOpened, EventBreakerHalfOpen, EventBreakerClosed,
		EventHealthChanged,
	}
}

// Event is a single kernel lifecycle notification. Subject names the entity
// the event is about (agent name, task ID, workflow execution ID). Payloads
// containing caller input are sanitized before publication.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      EventKind              `json:"kind"`
	Subject   string                 `json:"subject"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, subject string, payload map[string]interface{}) Event {
	return Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Subject:   subject,
		Payload:   payload,
	}
}

// EventPublisher is the write side of the event bus. Components hold this
// narrow interface so tests can capture events without a real bus.
type EventPublisher interface {
	Publish(event Event)
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events rather than stalling
// publishers.
const subscriberBuffer = 256

type subscriber struct {
	id   uint64
	ch   chan Event
	done chan struct{}
}

// EventBus fans events out to subscribers. Publish never blocks: each
// subscriber gets a buffered channel drained by its own goroutine, and
// events are dropped per-subscriber when that buffer is full. A panicking
// handler is logged and does not affect other subscribers.
type EventBus struct {
	mu      sync.Mutex // guards subscriber list writes and closed
	subs    atomic.Value
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	logger  Logger
	wg      sync.WaitGroup
}

// NewEventBus creates an event bus. A nil logger disables drop and panic
// reporting.
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cl, ok := logger.(ComponentAwareLogger); ok {
		logger = cl.WithComponent("events")
	}
	b := &EventBus{logger: logger}
	b.subs.Store([]*subscriber{})
	return b
}

// Subscribe registers a handler for every published event and returns an
// unsubscribe function. The handler runs on a dedicated goroutine, so a slow
// handler delays only its own delivery. Calling the returned function more
// than once is safe.
func (b *EventBus) Subscribe(handler func(Event)) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscriber{
		id:   b.nextID,
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	current := b.subs.Load().([]*subscriber)
	next := make([]*subscriber, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	b.subs.Store(next)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub, handler)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// Publish delivers an event to every current subscriber without blocking.
// A zero timestamp is replaced with the current time.
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	subs := b.subs.Load().([]*subscriber)
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Event dropped for slow subscriber", map[string]interface{}{
				"operation": "event_publish",
				"kind":      string(event.Kind),
				"subject":   event.Subject,
			})
		}
	}
}

// Dropped returns the total number of events discarded because a subscriber
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches all subscribers and waits for in-flight handlers to return.
// Events published after Close are discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	current := b.subs.Load().([]*subscriber)
	for _, sub := range current {
		close(sub.done)
	}
	b.subs.Store([]*subscriber{})
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *EventBus) deliver(sub *subscriber, handler func(Event)) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.ch:
			b.invoke(handler, event)
		}
	}
}

// invoke isolates handler panics from the delivery loop.
func (b *EventBus) invoke(handler func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", map[string]interface{}{
				"operation": "event_dispatch",
				"kind":      string(event.Kind),
				"subject":   event.Subject,
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	handler(event)
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs.Load().([]*subscriber)
	next := make([]*subscriber, 0, len(current))
	for _, sub := range current {
		if sub.id == id {
			close(sub.done)
			continue
		}
		next = append(next, sub)
	}
	b.subs.Store(next)
}
