package core

import "encoding/json"

// Message roles used in model transcripts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one role-tagged entry in a model transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolName identifies one of the six backend tools. Every tool call and
// cache slot is keyed by exactly one of these.
type ToolName string

const (
	ToolGetUsageMetrics    ToolName = "get_usage_metrics"
	ToolGetRecentTickets   ToolName = "get_recent_tickets"
	ToolGetContractDetails ToolName = "get_contract_details"
	ToolCalculateHealth    ToolName = "calculate_health"
	ToolGenerateEmail      ToolName = "generate_email"
	ToolGenerateQBROutline ToolName = "generate_qbr_outline"
)

// ToolCall is a model-proposed invocation. Arguments are untrusted JSON text
// and must be parsed defensively.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool error codes.
const (
	CodeException     = "EXCEPTION"
	CodeSchemaInvalid = "SCHEMA_INVALID"
	CodeUnknownTool   = "UNKNOWN_TOOL"
)

// ToolError describes a failed tool invocation.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResult is the typed tool backend envelope: exactly one of Data or
// Error is populated.
type ToolResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ToolError      `json:"error,omitempty"`
}

// ErrorResult builds a failed ToolResult.
func ErrorResult(code, message string) ToolResult {
	return ToolResult{OK: false, Error: &ToolError{Code: code, Message: message}}
}

// ExecutionRecord is one terminal record per started tool invocation, even
// when the invocation itself fails.
type ExecutionRecord struct {
	Name   ToolName `json:"name"`
	TookMs *int64   `json:"tookMs,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ToolCache maps a tool name to its most recent successful payload for the
// current request. Later successful calls overwrite earlier ones.
type ToolCache map[ToolName]json.RawMessage

// Plan sources.
const (
	PlanSourceModel     = "model"
	PlanSourceHeuristic = "heuristic"
)

// PlanStep is one advisory step of a proposed plan.
type PlanStep struct {
	Step        int      `json:"step"`
	Tool        ToolName `json:"tool"`
	Description string   `json:"description,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
}

// Plan is the ordered, advisory tool-call plan produced once per request.
// It never gates which tools the execution loop may actually call.
type Plan struct {
	Steps   []PlanStep `json:"steps"`
	Summary string     `json:"summary,omitempty"`
	Source  string     `json:"source"`
}

// HealthSnapshot is the calculate_health payload.
type HealthSnapshot struct {
	Score     int      `json:"score"`
	RiskLevel string   `json:"riskLevel"`
	Factors   []string `json:"factors,omitempty"`
}

// UsageMetrics is the get_usage_metrics payload.
type UsageMetrics struct {
	ActiveUsers    int    `json:"activeUsers"`
	Trend          string `json:"trend"`
	LastActiveDays int    `json:"lastActiveDays,omitempty"`
}

// TicketSummary is the get_recent_tickets payload.
type TicketSummary struct {
	OpenCount      int      `json:"openCount"`
	UrgentCount    int      `json:"urgentCount"`
	RecentSubjects []string `json:"recentSubjects,omitempty"`
}

// ContractDetails is the get_contract_details payload. RenewalDate uses
// the 2006-01-02 layout.
type ContractDetails struct {
	Plan        string  `json:"plan"`
	Seats       int     `json:"seats"`
	AnnualValue float64 `json:"annualValue,omitempty"`
	RenewalDate string  `json:"renewalDate"`
}

// EmailDraft is the generate_email payload. A draft is only usable when both
// subject and body are non-empty.
type EmailDraft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// QBRSection is one section of a QBR outline.
type QBRSection struct {
	Heading string   `json:"heading"`
	Bullets []string `json:"bullets,omitempty"`
}

// QBROutline is the generate_qbr_outline payload.
type QBROutline struct {
	Title              string       `json:"title,omitempty"`
	Sections           []QBRSection `json:"sections"`
	RecommendedActions []string     `json:"recommendedActions,omitempty"`
}

// DecisionEntry records one execution round's model decision.
type DecisionEntry struct {
	Round  int        `json:"round"`
	Tools  []ToolName `json:"tools"`
	Reason string     `json:"reason,omitempty"`
}

// TimingInfo breaks down elapsed time for a request. ToolExecutionMs is the
// sum of recorded per-tool durations, not wall clock, because tool calls
// within a round overlap.
type TimingInfo struct {
	PlanningPhaseMs  int64 `json:"planningPhaseMs"`
	ToolExecutionMs  int64 `json:"toolExecutionMs"`
	TotalExecutionMs int64 `json:"totalExecutionMs"`
}

// FinalAnswer is the validated, redacted result of a request.
type FinalAnswer struct {
	Summary     string            `json:"summary,omitempty"`
	Health      *HealthSnapshot   `json:"health,omitempty"`
	Actions     []string          `json:"actions,omitempty"`
	EmailDraft  *EmailDraft       `json:"emailDraft,omitempty"`
	QBROutline  *QBROutline       `json:"qbrOutline,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	UsedTools   []ExecutionRecord `json:"usedTools"`
	DecisionLog []DecisionEntry   `json:"decisionLog,omitempty"`
	PlanSource  string            `json:"planSource"`
	PlanHint    string            `json:"planHint,omitempty"`
	CustomerID  string            `json:"customerId"`
	Task        string            `json:"task,omitempty"`
	Timing      TimingInfo        `json:"timingInfo"`
}

// AssistRequest is a single resolved assist request entering the engine.
type AssistRequest struct {
	CustomerID   string `json:"customerId"`
	CustomerName string `json:"customerName"`
	Query        string `json:"query"`
	Task         string `json:"task,omitempty"`
}

// Assistant turn kinds.
const (
	TurnMessage   = "message"
	TurnToolCalls = "toolCalls"
)

// AssistantTurn is the model's reply: either a free-form message or a set of
// requested tool calls.
type AssistantTurn struct {
	Kind    string
	Text    string
	Calls   []ToolCall
	RawText string
}

// ToolSchema describes one tool to the model catalogue.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}
