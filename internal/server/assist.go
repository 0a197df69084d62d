package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/heliodesk/heliodesk/internal/agent/core"
	"github.com/heliodesk/heliodesk/internal/agent/telemetry"
	"github.com/heliodesk/heliodesk/internal/events"
	"github.com/heliodesk/heliodesk/internal/store"
)

// Assister runs one assist request against an emitter. *core.Orchestrator is
// the production implementation.
type Assister interface {
	Assist(ctx context.Context, req core.AssistRequest, em *events.Emitter) (core.FinalAnswer, error)
}

// TurnStore persists conversation history; nil-able for tests.
type TurnStore interface {
	AppendTurn(ctx context.Context, customerID, task, role, content string) error
	ListTurns(ctx context.Context, customerID, task string, limit int) ([]store.ConversationTurn, error)
	SaveHealthSnapshot(ctx context.Context, customerID string, score int, riskLevel string, factors []string) error
}

// AssistHandler serves the streaming assist endpoint and conversation
// history.
type AssistHandler struct {
	Orch      Assister
	Resolver  *Resolver
	Turns     TurnStore
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger
}

func (h *AssistHandler) Register(g *echo.Group, secret []byte) {
	g.POST("/stream", h.stream, authMiddleware(secret))
	g.GET("/history", h.history, authMiddleware(secret))
}

func (h *AssistHandler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

// stream runs one request and streams lifecycle events as SSE. The final
// event is always the last frame on the wire, whatever happened before it.
func (h *AssistHandler) stream(c echo.Context) error {
	var req AssistStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ref := req.CustomerID
	if ref == "" {
		ref = req.Customer
	}
	if strings.TrimSpace(ref) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "customer is required")
	}

	// Refusals skip resolution entirely: no tools, no customer lookup.
	if core.IsOutOfScope(req.Query) {
		return h.streamRefusal(c, req)
	}

	cust, err := h.Resolver.Resolve(c.Request().Context(), ref)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown customer %q", ref))
	}

	em, flush := h.openStream(c)
	defer em.Close()
	h.Telemetry.StreamOpened()
	defer h.Telemetry.StreamClosed()

	ctx := c.Request().Context()
	go func() {
		<-ctx.Done()
		em.Close()
	}()

	assistReq := core.AssistRequest{
		CustomerID:   cust.ID,
		CustomerName: cust.Name,
		Query:        req.Query,
		Task:         req.Task,
	}
	ans, assistErr := h.Orch.Assist(ctx, assistReq, em)
	if assistErr != nil {
		h.logf("assist degraded for %s: %v", cust.ID, assistErr)
	}
	flush()

	h.persist(cust.ID, assistReq, ans)
	return nil
}

// streamRefusal emits a single canned final event for out-of-scope requests.
func (h *AssistHandler) streamRefusal(c echo.Context, req AssistStreamRequest) error {
	em, flush := h.openStream(c)
	defer em.Close()

	ans := core.FinalAnswer{
		Summary:    core.RefusalSummary,
		UsedTools:  []core.ExecutionRecord{},
		PlanSource: core.PlanSourceHeuristic,
		Task:       req.Task,
	}
	if err := em.EmitFinal(ans); err != nil {
		h.logf("refusal final dropped: %v", err)
	}
	flush()
	return nil
}

// openStream switches the response into SSE mode and returns an emitter whose
// sink writes one event frame per call.
func (h *AssistHandler) openStream(c echo.Context) (*events.Emitter, func()) {
	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, _ := resp.Writer.(http.Flusher)
	sink := func(ev events.Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	return events.NewEmitter(sink, h.Logger), flush
}

// persist appends the exchange to the conversation log and stores any fresh
// health signal. Persistence failures are logged, never surfaced to the
// caller; the stream has already delivered the answer.
func (h *AssistHandler) persist(customerID string, req core.AssistRequest, ans core.FinalAnswer) {
	if h.Turns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.Turns.AppendTurn(ctx, customerID, req.Task, "user", req.Query); err != nil {
		h.logf("persist user turn for %s: %v", customerID, err)
	}
	answer, err := json.Marshal(ans)
	if err != nil {
		h.logf("encode answer for %s: %v", customerID, err)
		return
	}
	if err := h.Turns.AppendTurn(ctx, customerID, req.Task, "assistant", string(answer)); err != nil {
		h.logf("persist assistant turn for %s: %v", customerID, err)
	}
	if ans.Health != nil {
		if err := h.Turns.SaveHealthSnapshot(ctx, customerID, ans.Health.Score, ans.Health.RiskLevel, ans.Health.Factors); err != nil {
			h.logf("persist health snapshot for %s: %v", customerID, err)
		}
	}
}

// history returns the recent conversation turns for a customer+task thread.
func (h *AssistHandler) history(c echo.Context) error {
	ref := c.QueryParam("customer")
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "customer is required")
	}
	cust, err := h.Resolver.Resolve(c.Request().Context(), ref)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown customer %q", ref))
	}
	turns, err := h.Turns.ListTurns(c.Request().Context(), cust.ID, c.QueryParam("task"), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if turns == nil {
		turns = []store.ConversationTurn{}
	}
	return c.JSON(http.StatusOK, turns)
}
