package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/heliodesk/heliodesk/internal/helpers"
)

// PlanBuilder drives the planning phase: it asks the model for an ordered
// tool-call plan, parses it permissively, and force-inserts tools the raw
// request unambiguously demands. A plan is advisory only; a malformed or
// empty plan never aborts the request.
type PlanBuilder struct {
	client ModelClient
	logger *log.Logger
}

// NewPlanBuilder creates a plan builder.
func NewPlanBuilder(client ModelClient, logger *log.Logger) *PlanBuilder {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &PlanBuilder{client: client, logger: logger}
}

// BuildPlan proposes a plan for the request. It never fails: on any model or
// parse error it degrades to an empty heuristic plan and execution proceeds
// by asking the model directly which tools to call.
func (b *PlanBuilder) BuildPlan(ctx context.Context, req AssistRequest) Plan {
	transcript := []Message{
		{Role: RoleSystem, Content: b.planningSystemPrompt()},
		{Role: RoleUser, Content: b.planningUserPrompt(req)},
	}

	plan := Plan{Source: PlanSourceHeuristic}
	turn, err := b.client.Complete(ctx, transcript, nil)
	if err != nil {
		b.logger.Printf("planning degraded to empty plan: %v", err)
	} else if parsed, ok := parsePlanResponse(turn.Text); ok {
		plan = parsed
		plan.Source = PlanSourceModel
	} else {
		b.logger.Printf("planning response had no recoverable JSON, using empty plan")
	}

	// Explicit user intent always wins over the model's plan.
	if requestWantsEmail(req) {
		plan = ensureStep(plan, ToolGenerateEmail, "Draft the requested email")
	}
	if requestWantsQBR(req) {
		plan = ensureStep(plan, ToolGenerateQBROutline, "Outline the requested QBR")
	}
	return plan
}

func (b *PlanBuilder) planningSystemPrompt() string {
	return fmt.Sprintf(`You are the planning stage of a customer-success assistant. You decide which backend tools should run, in what order, to answer the user's request about a single resolved customer.

AVAILABLE TOOLS:
%s
RULES:
1. Plan only tools that the request actually needs.
2. Data lookups come before generation tools that depend on them.
3. Respond ONLY with valid JSON in this exact shape:
{
  "steps": [
    {"step": 1, "tool": "tool_name", "description": "what this step does", "reasoning": "why it is needed"}
  ],
  "summary": "one sentence describing the plan"
}
Do not include any other text.`, CatalogueSummary())
}

func (b *PlanBuilder) planningUserPrompt(req AssistRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "REQUEST: %s\n", req.Query)
	fmt.Fprintf(&sb, "CUSTOMER: %s (id %s)\n", req.CustomerName, req.CustomerID)
	if req.Task != "" {
		fmt.Fprintf(&sb, "TASK HINT: %s\n", req.Task)
	}
	return sb.String()
}

// parsePlanResponse salvages a plan object from free text. Steps naming
// tools outside the fixed set are dropped; surviving steps are renumbered.
func parsePlanResponse(text string) (Plan, bool) {
	var doc struct {
		Steps []struct {
			Step        int    `json:"step"`
			Tool        string `json:"tool"`
			Description string `json:"description"`
			Reasoning   string `json:"reasoning"`
		} `json:"steps"`
		Summary string `json:"summary"`
	}
	if !DecodeLoose(text, &doc) {
		return Plan{}, false
	}

	plan := Plan{Summary: helpers.Truncate(doc.Summary, 300)}
	for _, s := range doc.Steps {
		card, ok := Lookup(strings.TrimSpace(s.Tool))
		if !ok {
			continue
		}
		plan.Steps = append(plan.Steps, PlanStep{
			Step:        len(plan.Steps) + 1,
			Tool:        card.Name,
			Description: s.Description,
			Reasoning:   s.Reasoning,
		})
	}
	return plan, true
}

// ensureStep appends a step for tool unless the plan already includes it.
func ensureStep(plan Plan, tool ToolName, description string) Plan {
	for _, s := range plan.Steps {
		if s.Tool == tool {
			return plan
		}
	}
	plan.Steps = append(plan.Steps, PlanStep{
		Step:        len(plan.Steps) + 1,
		Tool:        tool,
		Description: description,
		Reasoning:   "explicitly requested by the user",
	})
	return plan
}

func requestWantsEmail(req AssistRequest) bool {
	return wantsEmailDraft(req.Query) || wantsEmailDraft(req.Task)
}

func requestWantsQBR(req AssistRequest) bool {
	return wantsQBROutline(req.Query) || wantsQBROutline(req.Task)
}

func wantsEmailDraft(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "email") || strings.Contains(s, "draft")
}

func wantsQBROutline(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "qbr") || strings.Contains(s, "business review")
}
