package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/heliodesk/heliodesk/internal/events"
	"github.com/heliodesk/heliodesk/internal/redact"
)

func newTestOrchestrator(client ModelClient, inv ToolInvoker) *Orchestrator {
	return NewOrchestratorWithParts(
		NewPlanBuilder(client, nil),
		NewExecutor(client, inv, 8, nil),
		NewSynthesizer(inv, nil),
		nil, nil,
	)
}

func TestAssistHappyPath(t *testing.T) {
	client := &scriptedClient{turns: []AssistantTurn{
		// planning call
		finalTurn(`{"steps":[{"step":1,"tool":"calculate_health"}],"summary":"check health"}`),
		// execution: one tool round, then the answer
		toolCallTurn(ToolCall{ID: "c1", Name: "calculate_health", Arguments: "{}"}),
		finalTurn(`{"summary":"Acme looks healthy.","actions":["keep monitoring"]}`),
	}}
	inv := &fakeInvoker{}

	var mu sync.Mutex
	var evs []events.Event
	em := events.NewEmitter(collectSink(&mu, &evs), nil)

	ans, err := newTestOrchestrator(client, inv).Assist(context.Background(),
		AssistRequest{CustomerID: "cust-1", CustomerName: "Acme", Query: "how is Acme?"}, em)
	if err != nil {
		t.Fatalf("Assist: %v", err)
	}
	if ans.Summary != "Acme looks healthy." {
		t.Fatalf("got summary %q", ans.Summary)
	}
	if ans.PlanSource != PlanSourceModel {
		t.Fatalf("got plan source %q", ans.PlanSource)
	}
	if ans.Health == nil {
		t.Fatalf("health missing despite cached tool result")
	}
	if len(evs) == 0 || evs[len(evs)-1].Type != events.TypeFinal {
		t.Fatalf("final must be the last event, got %v", evs)
	}
	if !em.Closed() {
		t.Fatalf("emitter must be closed after final")
	}
	if countEvents(evs, events.TypePhaseComplete) != 2 {
		t.Fatalf("expected planning and synthesis phase events: %v", evs)
	}
}

func TestAssistModelFailureDegrades(t *testing.T) {
	secret := "sk-abcdefghijklmnop1234"
	client := &scriptedClient{
		turns: []AssistantTurn{
			finalTurn(`{"steps":[]}`),
			toolCallTurn(ToolCall{ID: "c1", Name: "get_usage_metrics", Arguments: "{}"}),
			{},
		},
		errs: []error{nil, nil, &ModelUnavailableError{Err: errors.New("401 bad key " + secret)}},
	}
	inv := &fakeInvoker{handlers: map[ToolName]func(map[string]interface{}) ToolResult{
		ToolGetUsageMetrics: func(map[string]interface{}) ToolResult {
			return ToolResult{OK: true, Data: json.RawMessage(`{"activeUsers":4,"trend":"stable"}`)}
		},
		// keep the synthesizer's direct health fetch failing so the answer
		// reflects only pre-failure data
		ToolCalculateHealth: func(map[string]interface{}) ToolResult {
			return ErrorResult(CodeException, "offline")
		},
	}}

	var mu sync.Mutex
	var evs []events.Event
	em := events.NewEmitter(collectSink(&mu, &evs), nil)

	ans, err := newTestOrchestrator(client, inv).Assist(context.Background(),
		AssistRequest{CustomerID: "cust-1", Query: "usage?"}, em)
	if err == nil {
		t.Fatalf("expected the model error to propagate")
	}
	if !strings.Contains(ans.Summary, "unavailable") {
		t.Fatalf("expected apology summary, got %q", ans.Summary)
	}
	if ans.PlanSource != PlanSourceHeuristic {
		t.Fatalf("degraded answer must report heuristic source, got %q", ans.PlanSource)
	}
	if strings.Contains(ans.Notes, secret) {
		t.Fatalf("secret leaked into notes: %q", ans.Notes)
	}
	if !strings.Contains(ans.Notes, redact.Placeholder) {
		t.Fatalf("diagnostic should carry a redaction marker: %q", ans.Notes)
	}
	if len(ans.UsedTools) == 0 {
		t.Fatalf("pre-failure tool usage must survive")
	}
	if evs[len(evs)-1].Type != events.TypeFinal {
		t.Fatalf("even degraded requests end with final: %v", evs)
	}
}

func TestRedactAnswerCoversNestedFields(t *testing.T) {
	token := "Bearer abcdefghijklmnopqrstuvwx"
	ans := FinalAnswer{
		Summary:    "use " + token,
		Actions:    []string{"rotate " + token},
		EmailDraft: &EmailDraft{Subject: "key sk-abcdefghijklmnop1234", Body: "hello"},
		QBROutline: &QBROutline{
			Title:    "review " + token,
			Sections: []QBRSection{{Heading: "h", Bullets: []string{"b " + token}}},
		},
		UsedTools:   []ExecutionRecord{{Name: ToolGetUsageMetrics, Error: "denied for " + token}},
		DecisionLog: []DecisionEntry{{Round: 1, Reason: "retry with " + token}},
	}
	redactAnswer(&ans)

	b, _ := json.Marshal(ans)
	if strings.Contains(string(b), "abcdefghijklmnop") {
		t.Fatalf("secret survived redaction: %s", b)
	}
	if !strings.Contains(ans.Summary, redact.Placeholder) {
		t.Fatalf("summary not redacted: %q", ans.Summary)
	}
}
