package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heliodesk/heliodesk/internal/events"
)

var executorTracer trace.Tracer = otel.Tracer("heliodesk/internal/agent/executor")

// stopNudge is appended once the model has used two or more tool rounds.
const stopNudge = "You have gathered enough data. Do not call any more tools. Respond now with the final JSON answer."

// ToolInvoker executes one tool call. *Invoker is the production
// implementation.
type ToolInvoker interface {
	Invoke(ctx context.Context, card ToolCard, customerID string, params map[string]interface{}) ToolResult
}

// Executor drives the execution phase: a bounded loop of model-directed tool
// calls. Each round's calls run concurrently; rounds serialize with respect
// to each other.
type Executor struct {
	client    ModelClient
	invoker   ToolInvoker
	logger    *log.Logger
	maxRounds int
}

// NewExecutor creates an executor. maxRounds bounds the number of model
// calls per request; values below one fall back to the default of eight.
func NewExecutor(client ModelClient, invoker ToolInvoker, maxRounds int, logger *log.Logger) *Executor {
	if maxRounds < 1 {
		maxRounds = 8
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags)
	}
	return &Executor{client: client, invoker: invoker, logger: logger, maxRounds: maxRounds}
}

// ExecutionState is the request-scoped state accumulated by the loop. It is
// owned by a single in-flight request and read by the synthesizer afterward.
type ExecutionState struct {
	Transcript    []Message
	Cache         ToolCache
	Records       []ExecutionRecord
	DecisionLog   []DecisionEntry
	FinalText     string
	RoundLimitHit bool
	ToolRounds    int
}

// Run executes the bounded tool-call loop. The returned state is valid even
// when err is non-nil, so the caller can degrade using whatever was cached.
// A model call that exhausts retries is fatal for the request; reaching the
// round limit is not an error and produces a partial result.
func (x *Executor) Run(ctx context.Context, req AssistRequest, transcript []Message, em *events.Emitter) (*ExecutionState, error) {
	st := &ExecutionState{
		Transcript: transcript,
		Cache:      make(ToolCache),
	}

	for round := 1; round <= x.maxRounds; round++ {
		turn, err := x.client.Complete(ctx, st.Transcript, CatalogueSchemas())
		if err != nil {
			return st, err
		}
		if turn.Kind == TurnMessage {
			st.FinalText = turn.Text
			return st, nil
		}

		entry := DecisionEntry{Round: round, Reason: turn.RawText}
		for _, call := range turn.Calls {
			entry.Tools = append(entry.Tools, ToolName(call.Name))
		}
		st.DecisionLog = append(st.DecisionLog, entry)
		if err := em.Emit(events.TypePlan, map[string]interface{}{
			"round": round,
			"tools": entry.Tools,
		}); err != nil {
			x.logger.Printf("decision event dropped: %v", err)
		}

		st.Transcript = append(st.Transcript, Message{
			Role:      RoleAssistant,
			Content:   turn.RawText,
			ToolCalls: turn.Calls,
		})

		roundCtx, span := executorTracer.Start(ctx, "agent.tool_round",
			trace.WithAttributes(
				attribute.Int("round", round),
				attribute.Int("call_count", len(turn.Calls)),
			))
		outcomes := make([]callOutcome, len(turn.Calls))
		var wg sync.WaitGroup
		for i, call := range turn.Calls {
			wg.Add(1)
			go func(i int, call ToolCall) {
				defer wg.Done()
				outcomes[i] = x.runCall(roundCtx, req, call, em)
			}(i, call)
		}
		wg.Wait()
		span.SetStatus(codes.Ok, "round complete")
		span.End()

		for _, out := range outcomes {
			st.Records = append(st.Records, out.record)
			if out.result.OK {
				st.Cache[out.record.Name] = out.result.Data
			}
			envelope, err := json.Marshal(out.result)
			if err != nil {
				envelope = []byte(`{"ok":false,"error":{"code":"EXCEPTION","message":"unencodable envelope"}}`)
			}
			st.Transcript = append(st.Transcript, Message{
				Role:       RoleTool,
				ToolCallID: out.callID,
				Name:       string(out.record.Name),
				Content:    string(envelope),
			})
		}

		st.ToolRounds++
		if st.ToolRounds >= 2 {
			st.Transcript = append(st.Transcript, Message{Role: RoleUser, Content: stopNudge})
		}
	}

	st.RoundLimitHit = true
	return st, nil
}

type callOutcome struct {
	callID string
	record ExecutionRecord
	result ToolResult
}

// runCall executes a single tool call. It guarantees exactly one terminal
// record and one tool:end event per started call, no matter what fails in
// between: a failing emitter is logged and skipped, a panicking layer is
// recovered into an error result.
func (x *Executor) runCall(ctx context.Context, req AssistRequest, call ToolCall, em *events.Emitter) (out callOutcome) {
	out.callID = call.ID
	out.record = ExecutionRecord{Name: ToolName(call.Name)}
	out.result = ErrorResult(CodeException, "tool call did not complete")

	defer func() {
		if r := recover(); r != nil {
			x.logger.Printf("tool %s panicked: %v", call.Name, r)
			out.result = ErrorResult(CodeException, fmt.Sprintf("internal error: %v", r))
			out.record.Error = out.result.Error.Message
		}
		if err := em.Emit(events.TypeToolEnd, map[string]interface{}{
			"id":   call.ID,
			"name": call.Name,
		}); err != nil {
			x.logger.Printf("tool:end event dropped for %s: %v", call.Name, err)
		}
	}()

	if err := em.Emit(events.TypeToolStart, map[string]interface{}{
		"id":   call.ID,
		"name": call.Name,
	}); err != nil {
		x.logger.Printf("tool:start event dropped for %s: %v", call.Name, err)
	}

	args := parseCallArguments(call.Arguments, x.logger)
	customerID := req.CustomerID
	if v, ok := args["customer_id"].(string); ok && v != "" {
		customerID = v
	}

	card, known := Lookup(call.Name)
	if !known {
		out.result = ErrorResult(CodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Name))
		out.record.Error = out.result.Error.Message
		x.emitToolComplete(em, call, out)
		return out
	}

	started := time.Now()
	out.result = x.invoker.Invoke(ctx, card, customerID, args)
	took := time.Since(started).Milliseconds()
	out.record.TookMs = &took

	if !out.result.OK {
		out.record.Error = out.result.Error.Message
		x.emitToolComplete(em, call, out)
		return out
	}

	x.emitToolComplete(em, call, out)
	if card.Renderable {
		if err := em.Emit(events.TypePatch, map[string]interface{}{
			"name": call.Name,
			"data": out.result.Data,
		}); err != nil {
			x.logger.Printf("patch event dropped for %s: %v", call.Name, err)
		}
	}
	return out
}

func (x *Executor) emitToolComplete(em *events.Emitter, call ToolCall, out callOutcome) {
	payload := map[string]interface{}{
		"id":     call.ID,
		"name":   call.Name,
		"status": "success",
	}
	if out.record.TookMs != nil {
		payload["tookMs"] = *out.record.TookMs
	}
	if out.record.Error != "" {
		payload["status"] = "error"
		payload["error"] = out.record.Error
	}
	if err := em.Emit(events.TypeToolComplete, payload); err != nil {
		x.logger.Printf("tool:complete event dropped for %s: %v", call.Name, err)
	}
}

// parseCallArguments parses model-supplied arguments defensively: malformed
// JSON degrades to empty arguments rather than failing the call.
func parseCallArguments(raw string, logger *log.Logger) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.Printf("ignoring malformed tool arguments: %v", &ArgumentParseError{Err: err})
		return map[string]interface{}{}
	}
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
