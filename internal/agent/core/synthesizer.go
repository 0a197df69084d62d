package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Renewal proximity buckets for summaries and action suggestions. These are
// business policy, not derived values; tune them here.
const (
	renewalSoonDays     = 30
	renewalNearDays     = 60
	renewalMidDays      = 90
	renewalHorizonDays  = 180
	openTicketEscalate  = 5
	summaryMonthsDivide = 30
)

// Synthesizer drives the synthesis phase: it validates and repairs the
// model's final JSON answer, backfills missing fields from the tool-result
// cache or deterministic rules, and computes timing breakdowns.
type Synthesizer struct {
	invoker ToolInvoker
	logger  *log.Logger
}

// NewSynthesizer creates a synthesizer. The invoker is used for the one
// deterministic health fetch when no health signal was gathered.
func NewSynthesizer(invoker ToolInvoker, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SYNTH] ", log.LstdFlags)
	}
	return &Synthesizer{invoker: invoker, logger: logger}
}

// Synthesize assembles the final answer from the model's last message and
// the execution state. Parse or validation failures never abort the request;
// they degrade to an empty answer that is then backfilled. On round-limit
// exhaustion the model text is not parsed and no deterministic health fetch
// happens; only backfill and heuristics run.
func (s *Synthesizer) Synthesize(ctx context.Context, req AssistRequest, plan Plan, st *ExecutionState, planningMs int64, startedAt time.Time) FinalAnswer {
	var ans FinalAnswer
	if !st.RoundLimitHit && st.FinalText != "" {
		if !DecodeLoose(st.FinalText, &ans) {
			s.logger.Printf("final model output not parseable, substituting empty answer")
			ans = FinalAnswer{}
		}
	}

	s.backfillFromCache(&ans, st.Cache)

	if ans.Health == nil && !st.RoundLimitHit {
		s.fetchHealthDirect(ctx, req, &ans, st)
	}

	if strings.TrimSpace(ans.Summary) == "" {
		ans.Summary = heuristicSummary(req, st.Cache, ans.Health)
	}
	if len(ans.Actions) == 0 {
		ans.Actions = heuristicActions(req, st.Cache, ans.Health)
	}
	ans.Actions = dedupeActions(ans.Actions)

	// Never trust the model's self-reported tool usage.
	ans.UsedTools = st.Records
	ans.DecisionLog = st.DecisionLog
	ans.PlanSource = plan.Source
	ans.CustomerID = req.CustomerID
	ans.Task = req.Task

	ans.Timing = TimingInfo{
		PlanningPhaseMs:  planningMs,
		ToolExecutionMs:  sumToolDurations(st.Records),
		TotalExecutionMs: time.Since(startedAt).Milliseconds(),
	}

	if st.RoundLimitHit {
		if ans.Notes == "" {
			ans.Notes = "Step limit reached before the assistant finished; this is a partial answer."
		}
		if ans.PlanHint == "" {
			ans.PlanHint = "partial: step limit reached"
		}
	} else if missing := missingDomains(st.Records, st.Cache); len(missing) > 0 && ans.Notes == "" {
		ans.Notes = "Some data unavailable: " + strings.Join(missing, ", ")
	}

	normalizeOptional(&ans)
	return ans
}

// backfillFromCache copies fields the model omitted from the tool cache.
// Generated artifacts only count when structurally complete: a draft missing
// subject or body is discarded, not partially kept.
func (s *Synthesizer) backfillFromCache(ans *FinalAnswer, cache ToolCache) {
	if ans.Health == nil {
		if raw, ok := cache[ToolCalculateHealth]; ok {
			var h HealthSnapshot
			if json.Unmarshal(raw, &h) == nil && h.RiskLevel != "" {
				ans.Health = &h
			}
		}
	}
	if ans.EmailDraft == nil {
		if raw, ok := cache[ToolGenerateEmail]; ok {
			var d EmailDraft
			if json.Unmarshal(raw, &d) == nil &&
				strings.TrimSpace(d.Subject) != "" && strings.TrimSpace(d.Body) != "" {
				ans.EmailDraft = &d
			}
		}
	}
	if ans.QBROutline == nil {
		if raw, ok := cache[ToolGenerateQBROutline]; ok {
			var q QBROutline
			if json.Unmarshal(raw, &q) == nil && len(q.Sections) > 0 {
				ans.QBROutline = &q
			}
		}
	}
	if len(ans.Actions) == 0 && ans.QBROutline != nil && len(ans.QBROutline.RecommendedActions) > 0 {
		ans.Actions = append(ans.Actions, ans.QBROutline.RecommendedActions...)
	}
}

// fetchHealthDirect performs one deterministic health tool call, bypassing
// the model, so every answer about a resolved customer carries a health
// signal when the backend can supply one. The attempt is recorded like any
// other invocation.
func (s *Synthesizer) fetchHealthDirect(ctx context.Context, req AssistRequest, ans *FinalAnswer, st *ExecutionState) {
	card, ok := Lookup(string(ToolCalculateHealth))
	if !ok || s.invoker == nil {
		return
	}
	started := time.Now()
	res := s.invoker.Invoke(ctx, card, req.CustomerID, nil)
	took := time.Since(started).Milliseconds()
	rec := ExecutionRecord{Name: ToolCalculateHealth, TookMs: &took}
	if !res.OK {
		rec.Error = res.Error.Message
		st.Records = append(st.Records, rec)
		return
	}
	st.Records = append(st.Records, rec)
	st.Cache[ToolCalculateHealth] = res.Data
	var h HealthSnapshot
	if json.Unmarshal(res.Data, &h) == nil && h.RiskLevel != "" {
		ans.Health = &h
	}
}

// heuristicSummary derives a summary from cached tool data via fixed
// templates when the model supplied none.
func heuristicSummary(req AssistRequest, cache ToolCache, health *HealthSnapshot) string {
	var parts []string
	if health != nil {
		parts = append(parts, fmt.Sprintf("Health score is %d/100 with %s risk.", health.Score, health.RiskLevel))
	}
	if raw, ok := cache[ToolGetUsageMetrics]; ok {
		var u UsageMetrics
		if json.Unmarshal(raw, &u) == nil && u.Trend != "" {
			parts = append(parts, fmt.Sprintf("Usage is %s with %d active users.", u.Trend, u.ActiveUsers))
		}
	}
	if raw, ok := cache[ToolGetRecentTickets]; ok {
		var t TicketSummary
		if json.Unmarshal(raw, &t) == nil {
			line := fmt.Sprintf("%d open support tickets", t.OpenCount)
			if t.UrgentCount > 0 {
				line += fmt.Sprintf(" (%d urgent)", t.UrgentCount)
			}
			parts = append(parts, line+".")
		}
	}
	if raw, ok := cache[ToolGetContractDetails]; ok {
		var c ContractDetails
		if json.Unmarshal(raw, &c) == nil && c.RenewalDate != "" {
			if phrase := renewalPhrase(c.RenewalDate, time.Now()); phrase != "" {
				parts = append(parts, fmt.Sprintf("Contract renews %s.", phrase))
			}
		}
	}
	if len(parts) == 0 {
		name := req.CustomerName
		if name == "" {
			name = req.CustomerID
		}
		return fmt.Sprintf("Here is what I could find for %s.", name)
	}
	return strings.Join(parts, " ")
}

// renewalPhrase buckets a renewal date by day-count thresholds: today, in N
// days (≤30), in N months (≤90), otherwise the calendar date.
func renewalPhrase(renewalDate string, now time.Time) string {
	t, err := time.Parse("2006-01-02", renewalDate)
	if err != nil {
		return ""
	}
	days := int(t.Sub(now).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days <= renewalSoonDays:
		if days == 1 {
			return "in 1 day"
		}
		return fmt.Sprintf("in %d days", days)
	case days <= renewalMidDays:
		months := days / summaryMonthsDivide
		if months <= 1 {
			return "in 1 month"
		}
		return fmt.Sprintf("in %d months", months)
	default:
		return "on " + t.Format("January 2, 2006")
	}
}

// heuristicActions derives next steps from fixed rule tables keyed on risk
// level, usage trend, open-ticket pressure, renewal proximity, and the task
// hint.
func heuristicActions(req AssistRequest, cache ToolCache, health *HealthSnapshot) []string {
	var actions []string

	if health != nil {
		switch strings.ToLower(health.RiskLevel) {
		case "high", "critical":
			actions = append(actions,
				"Schedule an executive escalation call",
				"Prepare a recovery success plan")
		case "medium":
			actions = append(actions, "Check in with the account champion this week")
		}
	}
	if raw, ok := cache[ToolGetUsageMetrics]; ok {
		var u UsageMetrics
		if json.Unmarshal(raw, &u) == nil && strings.EqualFold(u.Trend, "declining") {
			actions = append(actions, "Review feature adoption and schedule enablement training")
		}
	}
	if raw, ok := cache[ToolGetRecentTickets]; ok {
		var t TicketSummary
		if json.Unmarshal(raw, &t) == nil {
			if t.UrgentCount > 0 {
				actions = append(actions, "Follow up on urgent support tickets today")
			}
			if t.OpenCount >= openTicketEscalate {
				actions = append(actions, "Escalate the open ticket backlog with support leadership")
			}
		}
	}
	if raw, ok := cache[ToolGetContractDetails]; ok {
		var c ContractDetails
		if json.Unmarshal(raw, &c) == nil && c.RenewalDate != "" {
			if t, err := time.Parse("2006-01-02", c.RenewalDate); err == nil {
				days := int(time.Until(t).Hours() / 24)
				switch {
				case days <= renewalSoonDays:
					actions = append(actions, "Finalize the renewal proposal this week")
				case days <= renewalNearDays:
					actions = append(actions, "Confirm the renewal timeline with procurement")
				case days <= renewalMidDays:
					actions = append(actions, "Start renewal preparation")
				case days <= renewalHorizonDays:
					actions = append(actions, "Schedule a QBR ahead of the renewal")
				}
			}
		}
	}
	hint := strings.ToLower(req.Task + " " + req.Query)
	if strings.Contains(hint, "qbr") || strings.Contains(hint, "business review") {
		actions = append(actions, "Draft the QBR agenda")
	}
	if strings.Contains(hint, "email") || strings.Contains(hint, "draft") {
		actions = append(actions, "Review and send the drafted email")
	}
	if len(actions) == 0 {
		actions = append(actions, "Review the latest account activity")
	}
	return actions
}

// dedupeActions removes case-insensitive duplicates while preserving
// first-seen order.
func dedupeActions(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	out := actions[:0]
	for _, a := range actions {
		key := strings.ToLower(strings.TrimSpace(a))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

func sumToolDurations(records []ExecutionRecord) int64 {
	var total int64
	for _, r := range records {
		if r.TookMs != nil {
			total += *r.TookMs
		}
	}
	return total
}

// missingDomains lists the data domains whose tools were attempted but never
// produced a usable payload, in catalogue order.
func missingDomains(records []ExecutionRecord, cache ToolCache) []string {
	failed := make(map[ToolName]bool)
	for _, r := range records {
		if r.Error != "" {
			failed[r.Name] = true
		}
	}
	var out []string
	for _, card := range Catalogue() {
		if card.Domain == "" {
			continue
		}
		if _, cached := cache[card.Name]; cached {
			continue
		}
		if failed[card.Name] {
			out = append(out, card.Domain)
		}
	}
	return out
}

// normalizeOptional enforces the optional-field invariants before the answer
// leaves the core: an email draft is either complete or absent.
func normalizeOptional(ans *FinalAnswer) {
	if ans.EmailDraft != nil {
		if strings.TrimSpace(ans.EmailDraft.Subject) == "" || strings.TrimSpace(ans.EmailDraft.Body) == "" {
			ans.EmailDraft = nil
		}
	}
	if ans.QBROutline != nil && len(ans.QBROutline.Sections) == 0 {
		ans.QBROutline = nil
	}
	if ans.Health != nil && ans.Health.RiskLevel == "" {
		ans.Health = nil
	}
}
