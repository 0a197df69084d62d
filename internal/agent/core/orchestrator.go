package core

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heliodesk/heliodesk/config"
	"github.com/heliodesk/heliodesk/internal/agent/telemetry"
	"github.com/heliodesk/heliodesk/internal/events"
	"github.com/heliodesk/heliodesk/internal/redact"
)

var orchestratorTracer trace.Tracer = otel.Tracer("heliodesk/internal/agent/orchestrator")

// Orchestrator runs one assist request end to end: plan, execute, synthesize,
// redact, emit. It is safe for concurrent use; all per-request state lives in
// the emitter and the execution state.
type Orchestrator struct {
	planner     *PlanBuilder
	executor    *Executor
	synthesizer *Synthesizer
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewOrchestrator wires the engine from config.
func NewOrchestrator(cfg *config.Config, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	client := NewChatClient(cfg.LLM, tele, logger)
	invoker := NewInvoker(cfg.Tools, tele, logger)
	return &Orchestrator{
		planner:     NewPlanBuilder(client, logger),
		executor:    NewExecutor(client, invoker, cfg.Agent.MaxRounds, logger),
		synthesizer: NewSynthesizer(invoker, logger),
		telemetry:   tele,
		logger:      logger,
	}
}

// NewOrchestratorWithParts wires the engine from explicit components, mainly
// for tests.
func NewOrchestratorWithParts(planner *PlanBuilder, executor *Executor, synthesizer *Synthesizer, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &Orchestrator{
		planner:     planner,
		executor:    executor,
		synthesizer: synthesizer,
		telemetry:   tele,
		logger:      logger,
	}
}

// Assist runs the full pipeline for one request and emits progress on em.
// It always produces a well-formed final event, even when the model is
// unavailable; in that case the answer degrades to an apology with whatever
// data the loop gathered before the failure.
func (o *Orchestrator) Assist(ctx context.Context, req AssistRequest, em *events.Emitter) (FinalAnswer, error) {
	started := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "agent.assist",
		trace.WithAttributes(attribute.String("customer_id", req.CustomerID)))
	defer span.End()

	plan, planningMs := o.runPlanningPhase(ctx, req, em)

	transcript := []Message{
		{Role: RoleSystem, Content: executionSystemPrompt(plan)},
		{Role: RoleUser, Content: executionUserPrompt(req)},
	}

	st, execErr := o.executor.Run(ctx, req, transcript, em)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "model unavailable")
		o.logger.Printf("execution aborted for customer %s: %v", req.CustomerID, execErr)
	}

	ans := o.synthesizer.Synthesize(ctx, req, plan, st, planningMs, started)
	if execErr != nil {
		ans.Summary = "I couldn't complete this request because the assistant backend is unavailable. Here is what I gathered before the failure."
		ans.PlanSource = PlanSourceHeuristic
		ans.Notes = "assistant error: " + redact.String(execErr.Error())
		ans.PlanHint = "degraded: model unavailable"
	}
	if err := em.Emit(events.TypePhaseComplete, map[string]interface{}{
		"phase":  "synthesis",
		"tookMs": time.Since(started).Milliseconds() - planningMs,
	}); err != nil {
		o.logger.Printf("phase event dropped: %v", err)
	}

	redactAnswer(&ans)

	if err := em.EmitFinal(ans); err != nil {
		o.logger.Printf("final event dropped for customer %s: %v", req.CustomerID, err)
	}

	status := "success"
	if execErr != nil {
		status = "degraded"
	} else if st.RoundLimitHit {
		status = "partial"
	}
	o.telemetry.RecordAssist(status, time.Since(started))
	span.SetAttributes(attribute.String("status", status))
	return ans, execErr
}

func (o *Orchestrator) runPlanningPhase(ctx context.Context, req AssistRequest, em *events.Emitter) (Plan, int64) {
	planStart := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "agent.plan")
	plan := o.planner.BuildPlan(ctx, req)
	span.SetAttributes(
		attribute.String("source", plan.Source),
		attribute.Int("steps", len(plan.Steps)),
	)
	span.End()
	planningMs := time.Since(planStart).Milliseconds()

	if err := em.Emit(events.TypePlan, plan); err != nil {
		o.logger.Printf("plan event dropped: %v", err)
	}
	if err := em.Emit(events.TypePhaseComplete, map[string]interface{}{
		"phase":  "planning",
		"tookMs": planningMs,
	}); err != nil {
		o.logger.Printf("phase event dropped: %v", err)
	}
	return plan, planningMs
}

// executionSystemPrompt seeds the tool loop. The plan is included as context
// only; the model remains free to call whatever tools it needs.
func executionSystemPrompt(plan Plan) string {
	prompt := `You are a customer-success assistant for account managers. Use the available tools to gather data about the customer, then answer.

When you are done calling tools, respond ONLY with a JSON object of this shape (all fields optional except summary):
{
  "summary": "plain-language answer for the account manager",
  "health": {"score": 0, "riskLevel": "low|medium|high", "factors": []},
  "actions": ["recommended next steps"],
  "emailDraft": {"subject": "", "body": ""},
  "qbrOutline": {"title": "", "sections": [{"heading": "", "bullets": []}]},
  "notes": "caveats, if any"
}
Never invent data a tool did not return. Never include credentials, keys, or internal identifiers in your answer.`
	if len(plan.Steps) > 0 {
		prompt += "\n\nA suggested plan (advisory, adapt as needed):\n"
		for _, s := range plan.Steps {
			prompt += "- " + string(s.Tool)
			if s.Description != "" {
				prompt += ": " + s.Description
			}
			prompt += "\n"
		}
	}
	return prompt
}

func executionUserPrompt(req AssistRequest) string {
	prompt := "Customer: " + req.CustomerName + " (id " + req.CustomerID + ")\nRequest: " + req.Query
	if req.Task != "" {
		prompt += "\nTask: " + req.Task
	}
	return prompt
}

// redactAnswer scrubs secret-shaped substrings from every outbound string
// field. It runs exactly once, immediately before the final event.
func redactAnswer(ans *FinalAnswer) {
	ans.Summary = redact.String(ans.Summary)
	ans.Notes = redact.String(ans.Notes)
	ans.PlanHint = redact.String(ans.PlanHint)
	ans.Actions = redact.Strings(ans.Actions)
	if ans.EmailDraft != nil {
		ans.EmailDraft.Subject = redact.String(ans.EmailDraft.Subject)
		ans.EmailDraft.Body = redact.String(ans.EmailDraft.Body)
	}
	if ans.Health != nil {
		ans.Health.Factors = redact.Strings(ans.Health.Factors)
	}
	if ans.QBROutline != nil {
		ans.QBROutline.Title = redact.String(ans.QBROutline.Title)
		ans.QBROutline.RecommendedActions = redact.Strings(ans.QBROutline.RecommendedActions)
		for i := range ans.QBROutline.Sections {
			ans.QBROutline.Sections[i].Heading = redact.String(ans.QBROutline.Sections[i].Heading)
			ans.QBROutline.Sections[i].Bullets = redact.Strings(ans.QBROutline.Sections[i].Bullets)
		}
	}
	for i := range ans.UsedTools {
		ans.UsedTools[i].Error = redact.String(ans.UsedTools[i].Error)
	}
	for i := range ans.DecisionLog {
		ans.DecisionLog[i].Reason = redact.String(ans.DecisionLog[i].Reason)
	}
}
