package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/itsneelabh/goswarm/ai"
	"github.com/itsneelabh/goswarm/core"
)

type modelCall struct {
	taskType core.TaskType
	prompt   string
	opts     ai.CompletionOptions
}

// fakeModels scripts the model router. The respond hook receives the
// 1-based call number.
type fakeModels struct {
	calls   []modelCall
	respond func(call int, prompt string, opts ai.CompletionOptions) (*ai.ModelResult, error)
}

func (f *fakeModels) Execute(_ context.Context, taskType core.TaskType, prompt string, opts ai.CompletionOptions) (*ai.ModelResult, error) {
	f.calls = append(f.calls, modelCall{taskType: taskType, prompt: prompt, opts: opts})
	if f.respond != nil {
		return f.respond(len(f.calls), prompt, opts)
	}
	return &ai.ModelResult{Content: "direct answer", Provider: "fake"}, nil
}

func newSmartRouterUnderTest(models ModelExecutor, agents ...core.Agent) *SmartRouter {
	registry := newTestRegistry(nil)
	for _, agent := range agents {
		registry.RegisterAgent(agent)
	}
	return NewSmartRouter(SmartRouterOptions{Registry: registry, Models: models})
}

func classifierReply(token string) func(int, string, ai.CompletionOptions) (*ai.ModelResult, error) {
	return func(call int, _ string, _ ai.CompletionOptions) (*ai.ModelResult, error) {
		if call == 1 {
			return &ai.ModelResult{Content: token, Provider: "classifier"}, nil
		}
		return &ai.ModelResult{Content: "direct answer", Provider: "fallback"}, nil
	}
}

func TestSmartExecuteEmptyRequest(t *testing.T) {
	models := &fakeModels{}
	s := newSmartRouterUnderTest(models)

	result := s.SmartExecute(context.Background(), "  \n ")
	if result.OK() || !core.IsValidation(result.Error) {
		t.Fatalf("result = %+v, want validation failure", result)
	}
	if len(models.calls) != 0 {
		t.Errorf("model called %d times, want 0", len(models.calls))
	}
}

func TestSmartExecuteDelegates(t *testing.T) {
	models := &fakeModels{respond: classifierReply("researcher")}
	s := newSmartRouterUnderTest(models,
		okAgent("researcher"),
		okAgent("coder"),
	)

	result := s.SmartExecute(context.Background(), "find papers on chess engines")
	if !result.OK() {
		t.Fatalf("SmartExecute failed: %+v", result.Error)
	}
	if result.Metadata["routedAgent"] != "researcher" {
		t.Errorf("routedAgent = %v, want researcher", result.Metadata["routedAgent"])
	}
	if result.Metadata["routedBy"] != "smart-router" {
		t.Errorf("routedBy = %v", result.Metadata["routedBy"])
	}
	if result.Metadata["classifierProvider"] != "classifier" {
		t.Errorf("classifierProvider = %v", result.Metadata["classifierProvider"])
	}

	if len(models.calls) != 1 {
		t.Fatalf("model called %d times, want the classification call only", len(models.calls))
	}
	call := models.calls[0]
	if call.taskType != core.TaskTypePlanning {
		t.Errorf("classification task type = %q, want planning", call.taskType)
	}
	if call.opts.MaxTokens != 16 {
		t.Errorf("classification max tokens = %d, want 16", call.opts.MaxTokens)
	}
	if !strings.Contains(call.opts.SystemPrompt, "researcher") || !strings.Contains(call.opts.SystemPrompt, "coder") {
		t.Error("classifier vocabulary should list every registered agent")
	}
}

func TestSmartExecuteNormalizesClassifierReply(t *testing.T) {
	models := &fakeModels{respond: classifierReply("\"Researcher.\"\n")}
	s := newSmartRouterUnderTest(models, okAgent("researcher"))

	result := s.SmartExecute(context.Background(), "find papers")
	if !result.OK() {
		t.Fatalf("SmartExecute failed: %+v", result.Error)
	}
	if result.Metadata["routedAgent"] != "researcher" {
		t.Errorf("routedAgent = %v, want researcher despite reply decoration", result.Metadata["routedAgent"])
	}
}

func TestSmartExecuteNoneFallsBack(t *testing.T) {
	models := &fakeModels{respond: classifierReply("none")}
	s := newSmartRouterUnderTest(models, okAgent("researcher"))

	result := s.SmartExecute(context.Background(), "what is the weather")
	if !result.OK() {
		t.Fatalf("SmartExecute failed: %+v", result.Error)
	}
	if result.Data["content"] != "direct answer" {
		t.Errorf("Data = %v, want the fallback answer", result.Data)
	}
	if result.Metadata["fallback"] != true || result.Metadata["fallbackReason"] != "no matching agent" {
		t.Errorf("fallback metadata = %+v", result.Metadata)
	}
	if len(models.calls) != 2 {
		t.Fatalf("model called %d times, want classification plus fallback", len(models.calls))
	}
	if models.calls[1].opts.SystemPrompt != "" {
		t.Error("fallback call should not reuse the classifier prompt")
	}
}

func TestSmartExecuteUnknownTokenFallsBack(t *testing.T) {
	models := &fakeModels{respond: classifierReply("dragon")}
	s := newSmartRouterUnderTest(models, okAgent("researcher"))

	result := s.SmartExecute(context.Background(), "find papers")
	if !result.OK() {
		t.Fatalf("SmartExecute failed: %+v", result.Error)
	}
	if result.Metadata["fallbackReason"] != "unrecognized classification" {
		t.Errorf("fallbackReason = %v", result.Metadata["fallbackReason"])
	}
}

func TestSmartExecuteNoAgentsFallsBack(t *testing.T) {
	models := &fakeModels{}
	s := newSmartRouterUnderTest(models)

	result := s.SmartExecute(context.Background(), "anything at all")
	if !result.OK() {
		t.Fatalf("SmartExecute failed: %+v", result.Error)
	}
	if result.Metadata["fallbackReason"] != "no agents registered" {
		t.Errorf("fallbackReason = %v", result.Metadata["fallbackReason"])
	}
	if len(models.calls) != 1 {
		t.Fatalf("model called %d times, want the fallback only: nothing to classify against", len(models.calls))
	}
}

func TestSmartExecuteClassificationFailureFallsBack(t *testing.T) {
	models := &fakeModels{respond: func(call int, _ string, _ ai.CompletionOptions) (*ai.ModelResult, error) {
		if call == 1 {
			return nil, errors.New("all providers down")
		}
		return &ai.ModelResult{Content: "direct answer", Provider: "fallback"}, nil
	}}
	s := newSmartRouterUnderTest(models, okAgent("researcher"))

	result := s.SmartExecute(context.Background(), "find papers")
	if !result.OK() {
		t.Fatalf("SmartExecute failed: %+v", result.Error)
	}
	if result.Metadata["fallbackReason"] != "classification failed" {
		t.Errorf("fallbackReason = %v", result.Metadata["fallbackReason"])
	}
}

func TestSmartExecuteFallbackFailure(t *testing.T) {
	modelErr := core.NewAgentError(core.CodeNoProvider, "nothing up", core.CategorySystem, true)
	models := &fakeModels{respond: func(int, string, ai.CompletionOptions) (*ai.ModelResult, error) {
		return nil, modelErr
	}}
	s := newSmartRouterUnderTest(models)

	result := s.SmartExecute(context.Background(), "anything")
	if result.OK() {
		t.Fatal("SmartExecute should fail when the fallback call fails")
	}
	if result.Error.Code != core.CodeNoProvider {
		t.Errorf("Code = %q, want the model failure surfaced", result.Error.Code)
	}
	if result.Error.Metadata["fallback"] != true {
		t.Errorf("failure metadata = %+v, want fallback marker", result.Error.Metadata)
	}
}

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{"researcher", "researcher"},
		{"  Researcher.\n", "researcher"},
		{"\"analyst\"", "analyst"},
		{"`coder`,", "coder"},
		{"none of these fit", "none"},
		{"", ""},
		{"   \t ", ""},
	}
	for _, tt := range tests {
		if got := normalizeToken(tt.reply); got != tt.want {
			t.Errorf("normalizeToken(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

func TestClassifierPrompt(t *testing.T) {
	prompt := classifierPrompt([]core.AgentDescriptor{
		{Name: "researcher", Description: "finds papers"},
		{Name: "coder"},
	})
	if !strings.Contains(prompt, "researcher: finds papers") {
		t.Error("prompt should include the described agent")
	}
	if !strings.Contains(prompt, "- coder") {
		t.Error("prompt should include the undescribed agent")
	}
	if !strings.Contains(prompt, "none") {
		t.Error("prompt should offer the none escape hatch")
	}
}
