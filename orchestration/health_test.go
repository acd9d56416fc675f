package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
)

type fakeStatusSource struct {
	agents   []core.AgentDescriptor
	statuses map[string]AgentStatus
	breakers map[string]core.BreakerState
}

func (f *fakeStatusSource) ListAgents() []core.AgentDescriptor { return f.agents }
func (f *fakeStatusSource) GetAgentStatus(name string) AgentStatus {
	return f.statuses[name]
}
func (f *fakeStatusSource) BreakerStates() map[string]core.BreakerState { return f.breakers }

type fakeProviderSource struct {
	stats map[string]ai.ProviderStats
}

func (f *fakeProviderSource) GetModelStats() map[string]ai.ProviderStats { return f.stats }

type fakeTaskSource struct {
	mu    sync.Mutex
	stats TaskStats
	bound int
}

func (f *fakeTaskSource) Stats() TaskStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeTaskSource) QueueBound() int { return f.bound }

func (f *fakeTaskSource) setErrorRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.ErrorRate = rate
}

func healthySources() (*fakeStatusSource, *fakeProviderSource, *fakeTaskSource) {
	registry := &fakeStatusSource{
		agents: []core.AgentDescriptor{{Name: "echo"}},
		statuses: map[string]AgentStatus{
			"echo": {Exists: true, Name: "echo", Health: core.HealthHealthy},
		},
		breakers: map[string]core.BreakerState{"echo": core.BreakerClosed},
	}
	providers := &fakeProviderSource{stats: map[string]ai.ProviderStats{
		"claude": {ID: "claude", Class: ai.ClassAnthropic, Available: true},
		"gpt":    {ID: "gpt", Class: ai.ClassOpenAI, Available: true},
	}}
	tasks := &fakeTaskSource{stats: TaskStats{QueueDepth: 5, ErrorRate: 0.0}, bound: 100}
	return registry, providers, tasks
}

func newAggregatorUnderTest(registry AgentStatusSource, providers ProviderStatsSource, tasks TaskStatsSource) *HealthAggregator {
	return NewHealthAggregator(HealthAggregatorOptions{
		Registry:  registry,
		Providers: providers,
		Tasks:     tasks,
	})
}

func TestEvaluateAllHealthy(t *testing.T) {
	registry, providers, tasks := healthySources()
	h := newAggregatorUnderTest(registry, providers, tasks)

	report := h.Evaluate()
	if report.Status != core.HealthHealthy {
		t.Fatalf("Status = %q, want healthy", report.Status)
	}
	for name, component := range report.Components {
		if component.Status != core.HealthHealthy {
			t.Errorf("component %q = %q, want healthy", name, component.Status)
		}
	}
	if report.CheckedAt.IsZero() {
		t.Error("CheckedAt not stamped")
	}
	if report.Components["agents"].Details["echo"] != string(core.HealthHealthy) {
		t.Errorf("agent details = %+v", report.Components["agents"].Details)
	}
}

func TestEvaluateDegradedAgent(t *testing.T) {
	registry, providers, tasks := healthySources()
	registry.statuses["echo"] = AgentStatus{Exists: true, Name: "echo", Health: core.HealthDegraded}
	h := newAggregatorUnderTest(registry, providers, tasks)

	report := h.Evaluate()
	if report.Status != core.HealthDegraded {
		t.Fatalf("Status = %q, want degraded", report.Status)
	}
	if report.Components["agents"].Status != core.HealthDegraded {
		t.Errorf("agents component = %q", report.Components["agents"].Status)
	}
}

func TestEvaluateOpenBreakerDegrades(t *testing.T) {
	registry, providers, tasks := healthySources()
	registry.breakers["echo"] = core.BreakerOpen
	h := newAggregatorUnderTest(registry, providers, tasks)

	if report := h.Evaluate(); report.Status != core.HealthDegraded {
		t.Fatalf("Status = %q, want degraded while a breaker is open", report.Status)
	}
}

func TestEvaluateProviderClassDown(t *testing.T) {
	registry, providers, tasks := healthySources()
	providers.stats["claude"] = ai.ProviderStats{ID: "claude", Class: ai.ClassAnthropic, Available: false}
	h := newAggregatorUnderTest(registry, providers, tasks)

	report := h.Evaluate()
	if report.Status != core.HealthUnhealthy {
		t.Fatalf("Status = %q, want unhealthy when a whole class is down", report.Status)
	}
	if report.Components["providers"].Details["claude"] != "unavailable" {
		t.Errorf("provider details = %+v", report.Components["providers"].Details)
	}
}

func TestEvaluateProviderClassPartiallyDown(t *testing.T) {
	registry, providers, tasks := healthySources()
	providers.stats["claude-2"] = ai.ProviderStats{ID: "claude-2", Class: ai.ClassAnthropic, Available: false}
	h := newAggregatorUnderTest(registry, providers, tasks)

	report := h.Evaluate()
	if report.Status != core.HealthDegraded {
		t.Fatalf("Status = %q, want degraded when a class is partially down", report.Status)
	}
	if report.Components["providers"].Status != core.HealthDegraded {
		t.Errorf("providers component = %q", report.Components["providers"].Status)
	}
}

func TestEvaluateQueuePressure(t *testing.T) {
	registry, providers, tasks := healthySources()
	tasks.stats.QueueDepth = 90
	h := newAggregatorUnderTest(registry, providers, tasks)

	report := h.Evaluate()
	if report.Status != core.HealthUnhealthy {
		t.Fatalf("Status = %q, want unhealthy above 80%% queue pressure", report.Status)
	}
	if report.Components["queue"].Status != core.HealthUnhealthy {
		t.Errorf("queue component = %q", report.Components["queue"].Status)
	}

	// An unbounded queue never reports pressure.
	tasks.bound = 0
	if report := h.Evaluate(); report.Status != core.HealthHealthy {
		t.Errorf("Status = %q, want healthy with the bound disabled", report.Status)
	}
}

func TestEvaluateTaskErrorRate(t *testing.T) {
	registry, providers, tasks := healthySources()
	h := newAggregatorUnderTest(registry, providers, tasks)

	tasks.setErrorRate(0.6)
	if report := h.Evaluate(); report.Status != core.HealthUnhealthy {
		t.Errorf("Status at 0.6 = %q, want unhealthy", report.Status)
	}

	tasks.setErrorRate(0.3)
	if report := h.Evaluate(); report.Status != core.HealthDegraded {
		t.Errorf("Status at 0.3 = %q, want degraded", report.Status)
	}

	tasks.setErrorRate(0.05)
	if report := h.Evaluate(); report.Status != core.HealthHealthy {
		t.Errorf("Status at 0.05 = %q, want healthy", report.Status)
	}
}

func TestEvaluateNilSources(t *testing.T) {
	h := NewHealthAggregator(HealthAggregatorOptions{})

	report := h.Evaluate()
	if report.Status != core.HealthHealthy {
		t.Fatalf("Status = %q, want healthy with nothing to report", report.Status)
	}
	if _, ok := report.Components["queue"]; ok {
		t.Error("queue component should be absent without a task source")
	}
}

func TestMonitorPublishesTransitionsOnly(t *testing.T) {
	bus := core.NewEventBus(nil)
	defer bus.Close()
	events := make(chan core.Event, 32)
	bus.Subscribe(func(e core.Event) {
		if e.Kind == core.EventHealthChanged {
			events <- e
		}
	})

	registry, providers, tasks := healthySources()
	h := NewHealthAggregator(HealthAggregatorOptions{
		Registry:      registry,
		Providers:     providers,
		Tasks:         tasks,
		CheckInterval: 20 * time.Millisecond,
		Bus:           bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	// Healthy baseline: several ticks pass without a transition.
	select {
	case e := <-events:
		t.Fatalf("unexpected transition while steady: %+v", e.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	tasks.setErrorRate(0.9)
	select {
	case e := <-events:
		if e.Payload["from"] != string(core.HealthHealthy) || e.Payload["to"] != string(core.HealthUnhealthy) {
			t.Errorf("transition payload = %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transition observed after degrading the sources")
	}

	// Staying unhealthy publishes nothing further.
	select {
	case e := <-events:
		t.Fatalf("duplicate transition published: %+v", e.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	tasks.setErrorRate(0.0)
	select {
	case e := <-events:
		if e.Payload["to"] != string(core.HealthHealthy) {
			t.Errorf("recovery payload = %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recovery transition observed")
	}
}

func TestWorseOf(t *testing.T) {
	tests := []struct {
		a, b, want core.HealthState
	}{
		{core.HealthHealthy, core.HealthHealthy, core.HealthHealthy},
		{core.HealthHealthy, core.HealthDegraded, core.HealthDegraded},
		{core.HealthDegraded, core.HealthHealthy, core.HealthDegraded},
		{core.HealthDegraded, core.HealthUnhealthy, core.HealthUnhealthy},
		{core.HealthUnhealthy, core.HealthHealthy, core.HealthUnhealthy},
		{core.HealthHealthy, core.HealthUnknown, core.HealthUnknown},
		{core.HealthUnknown, core.HealthUnhealthy, core.HealthUnhealthy},
	}
	for _, tt := range tests {
		if got := worseOf(tt.a, tt.b); got != tt.want {
			t.Errorf("worseOf(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
