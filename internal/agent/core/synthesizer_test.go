package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func ms(v int64) *int64 { return &v }

func synthState(finalText string, cache ToolCache) *ExecutionState {
	if cache == nil {
		cache = make(ToolCache)
	}
	return &ExecutionState{FinalText: finalText, Cache: cache}
}

func TestSynthesizeParsesModelAnswer(t *testing.T) {
	st := synthState(`{"summary":"Acme is healthy","actions":["keep monitoring"]}`, ToolCache{
		ToolCalculateHealth: json.RawMessage(`{"score":85,"riskLevel":"low"}`),
	})
	st.Records = []ExecutionRecord{{Name: ToolCalculateHealth, TookMs: ms(40)}}

	s := NewSynthesizer(nil, nil)
	ans := s.Synthesize(context.Background(), AssistRequest{CustomerID: "cust-1"}, Plan{Source: PlanSourceModel}, st, 120, time.Now())
	if ans.Summary != "Acme is healthy" {
		t.Fatalf("got summary %q", ans.Summary)
	}
	if ans.Health == nil || ans.Health.Score != 85 {
		t.Fatalf("health not backfilled from cache: %+v", ans.Health)
	}
	if ans.PlanSource != PlanSourceModel || ans.CustomerID != "cust-1" {
		t.Fatalf("metadata not carried: %+v", ans)
	}
	if ans.Timing.PlanningPhaseMs != 120 || ans.Timing.ToolExecutionMs != 40 {
		t.Fatalf("timing: %+v", ans.Timing)
	}
}

func TestSynthesizeUsedToolsComeFromRecordsOnly(t *testing.T) {
	// The model claims tools it never used; the records win.
	st := synthState(`{"summary":"ok","usedTools":[{"name":"generate_email"}]}`, nil)
	st.Records = []ExecutionRecord{{Name: ToolGetUsageMetrics, TookMs: ms(10)}}

	ans := NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{}, Plan{}, st, 0, time.Now())
	if len(ans.UsedTools) != 1 || ans.UsedTools[0].Name != ToolGetUsageMetrics {
		t.Fatalf("usedTools must mirror execution records: %+v", ans.UsedTools)
	}
}

func TestSynthesizeDropsIncompleteEmailDraft(t *testing.T) {
	st := synthState(`{"summary":"ok","emailDraft":{"subject":"Hi Acme","body":""}}`, nil)
	ans := NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{}, Plan{}, st, 0, time.Now())
	if ans.EmailDraft != nil {
		t.Fatalf("a draft without a body must be dropped: %+v", ans.EmailDraft)
	}

	st = synthState(`{"summary":"ok"}`, ToolCache{
		ToolGenerateEmail: json.RawMessage(`{"subject":"","body":"Hello"}`),
	})
	ans = NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{}, Plan{}, st, 0, time.Now())
	if ans.EmailDraft != nil {
		t.Fatalf("cached partial draft must not be backfilled: %+v", ans.EmailDraft)
	}

	st = synthState(`{"summary":"ok"}`, ToolCache{
		ToolGenerateEmail: json.RawMessage(`{"subject":"Checking in","body":"Hello Acme"}`),
	})
	ans = NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{}, Plan{}, st, 0, time.Now())
	if ans.EmailDraft == nil || ans.EmailDraft.Subject != "Checking in" {
		t.Fatalf("complete cached draft should be backfilled: %+v", ans.EmailDraft)
	}
}

func TestSynthesizeHeuristicSummaryFromCache(t *testing.T) {
	renewal := time.Now().AddDate(0, 0, 14).Format("2006-01-02")
	st := synthState("not json at all", ToolCache{
		ToolCalculateHealth:    json.RawMessage(`{"score":45,"riskLevel":"high"}`),
		ToolGetUsageMetrics:    json.RawMessage(`{"activeUsers":8,"trend":"declining"}`),
		ToolGetRecentTickets:   json.RawMessage(`{"openCount":6,"urgentCount":2}`),
		ToolGetContractDetails: json.RawMessage(fmt.Sprintf(`{"plan":"pro","seats":50,"renewalDate":%q}`, renewal)),
	})

	ans := NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{CustomerName: "Acme"}, Plan{}, st, 0, time.Now())
	for _, want := range []string{"45/100", "high risk", "declining", "6 open", "2 urgent", "Contract renews in"} {
		if !strings.Contains(ans.Summary, want) {
			t.Fatalf("summary missing %q: %q", want, ans.Summary)
		}
	}
}

func TestRenewalPhraseBuckets(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		date string
		want string
	}{
		{"2026-09-01", "today"},
		{"2026-08-15", "today"},
		{"2026-09-08", "in 6 days"},
		{"2026-10-20", "in 1 month"},
		{"2026-11-25", "in 2 months"},
		{"2027-03-01", "on March 1, 2027"},
		{"garbage", ""},
	}
	for _, c := range cases {
		if got := renewalPhrase(c.date, now); got != c.want {
			t.Fatalf("renewalPhrase(%q) = %q, want %q", c.date, got, c.want)
		}
	}
}

func TestHeuristicActionsRules(t *testing.T) {
	renewal := time.Now().AddDate(0, 0, 45).Format("2006-01-02")
	cache := ToolCache{
		ToolGetUsageMetrics:    json.RawMessage(`{"activeUsers":3,"trend":"declining"}`),
		ToolGetRecentTickets:   json.RawMessage(`{"openCount":7,"urgentCount":1}`),
		ToolGetContractDetails: json.RawMessage(fmt.Sprintf(`{"plan":"pro","renewalDate":%q}`, renewal)),
	}
	health := &HealthSnapshot{Score: 30, RiskLevel: "high"}

	actions := heuristicActions(AssistRequest{}, cache, health)
	wantFragments := []string{"escalation call", "recovery", "enablement", "urgent support tickets", "ticket backlog", "renewal timeline"}
	for _, frag := range wantFragments {
		found := false
		for _, a := range actions {
			if strings.Contains(strings.ToLower(a), frag) {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing action containing %q in %v", frag, actions)
		}
	}
}

func TestHeuristicActionsFallback(t *testing.T) {
	actions := heuristicActions(AssistRequest{Query: "what's new?"}, ToolCache{}, nil)
	if len(actions) != 1 {
		t.Fatalf("expected the single fallback action, got %v", actions)
	}
}

func TestDedupeActionsCaseInsensitiveOrderPreserving(t *testing.T) {
	in := []string{"Draft the QBR agenda", "draft the qbr agenda", "Start renewal preparation", "  ", "Draft the QBR agenda"}
	out := dedupeActions(in)
	if len(out) != 2 {
		t.Fatalf("got %v", out)
	}
	if out[0] != "Draft the QBR agenda" || out[1] != "Start renewal preparation" {
		t.Fatalf("order or casing lost: %v", out)
	}
}

func TestSynthesizeMissingDomainsNote(t *testing.T) {
	st := synthState(`{"summary":"ok"}`, ToolCache{
		ToolGetUsageMetrics: json.RawMessage(`{"activeUsers":2,"trend":"stable"}`),
	})
	st.Records = []ExecutionRecord{
		{Name: ToolGetUsageMetrics, TookMs: ms(5)},
		{Name: ToolGetRecentTickets, TookMs: ms(5), Error: "backend down"},
		{Name: ToolGetContractDetails, TookMs: ms(5), Error: "timeout"},
	}

	ans := NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{}, Plan{}, st, 0, time.Now())
	if !strings.Contains(ans.Notes, "Some data unavailable") {
		t.Fatalf("expected unavailability note, got %q", ans.Notes)
	}
	if !strings.Contains(ans.Notes, "tickets") || !strings.Contains(ans.Notes, "contract") {
		t.Fatalf("note should list failed domains: %q", ans.Notes)
	}
	if strings.Contains(ans.Notes, "usage") {
		t.Fatalf("successful domain must not be listed: %q", ans.Notes)
	}
}

func TestSynthesizeRoundLimitSkipsModelTextAndHealthFetch(t *testing.T) {
	inv := &fakeInvoker{}
	st := synthState(`{"summary":"model text that must be ignored"}`, nil)
	st.RoundLimitHit = true

	ans := NewSynthesizer(inv, nil).Synthesize(context.Background(), AssistRequest{CustomerID: "cust-1"}, Plan{}, st, 0, time.Now())
	if strings.Contains(ans.Summary, "must be ignored") {
		t.Fatalf("model text parsed despite round limit: %q", ans.Summary)
	}
	if len(inv.invoked) != 0 {
		t.Fatalf("no deterministic fetch on round limit, got %v", inv.invoked)
	}
	if !strings.Contains(ans.Notes, "partial") && !strings.Contains(ans.Notes, "Step limit") {
		t.Fatalf("expected degradation note, got %q", ans.Notes)
	}
	if ans.PlanHint == "" {
		t.Fatalf("expected degraded plan hint")
	}
}

func TestSynthesizeDeterministicHealthFetch(t *testing.T) {
	inv := &fakeInvoker{handlers: map[ToolName]func(map[string]interface{}) ToolResult{
		ToolCalculateHealth: func(map[string]interface{}) ToolResult {
			return ToolResult{OK: true, Data: json.RawMessage(`{"score":61,"riskLevel":"medium"}`)}
		},
	}}
	st := synthState(`{"summary":"no health mentioned"}`, nil)

	ans := NewSynthesizer(inv, nil).Synthesize(context.Background(), AssistRequest{CustomerID: "cust-1"}, Plan{}, st, 0, time.Now())
	if ans.Health == nil || ans.Health.Score != 61 {
		t.Fatalf("health not fetched deterministically: %+v", ans.Health)
	}
	if len(st.Records) != 1 || st.Records[0].Name != ToolCalculateHealth {
		t.Fatalf("fetch must be recorded: %+v", st.Records)
	}
	if len(ans.UsedTools) != 1 {
		t.Fatalf("usedTools must include the deterministic fetch: %+v", ans.UsedTools)
	}
}

func TestSynthesizeDeterministicHealthFetchFailureIsRecorded(t *testing.T) {
	inv := &fakeInvoker{handlers: map[ToolName]func(map[string]interface{}) ToolResult{
		ToolCalculateHealth: func(map[string]interface{}) ToolResult {
			return ErrorResult(CodeException, "health engine offline")
		},
	}}
	st := synthState(`{"summary":"ok"}`, nil)

	ans := NewSynthesizer(inv, nil).Synthesize(context.Background(), AssistRequest{CustomerID: "cust-1"}, Plan{}, st, 0, time.Now())
	if ans.Health != nil {
		t.Fatalf("failed fetch must not set health")
	}
	if len(st.Records) != 1 || st.Records[0].Error == "" {
		t.Fatalf("failed fetch needs an error record: %+v", st.Records)
	}
}

func TestSynthesizeQBRActionsBackfill(t *testing.T) {
	st := synthState(`{"summary":"ok"}`, ToolCache{
		ToolGenerateQBROutline: json.RawMessage(`{"title":"Q3 Review","sections":[{"heading":"Adoption"}],"recommendedActions":["Expand seats","expand seats"]}`),
	})
	ans := NewSynthesizer(nil, nil).Synthesize(context.Background(), AssistRequest{}, Plan{}, st, 0, time.Now())
	if ans.QBROutline == nil || ans.QBROutline.Title != "Q3 Review" {
		t.Fatalf("outline not backfilled: %+v", ans.QBROutline)
	}
	if len(ans.Actions) != 1 || ans.Actions[0] != "Expand seats" {
		t.Fatalf("actions should come from the outline, deduped: %v", ans.Actions)
	}
}
