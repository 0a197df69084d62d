package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolCard binds one of the six fixed tool names to its model-facing schema
// and its response validation rule. Any name outside the set is rejected at
// the boundary.
type ToolCard struct {
	Name        ToolName
	Description string
	Parameters  json.RawMessage
	Validate    func(json.RawMessage) error
	// Renderable tools (health, email, QBR) produce a patch event as soon
	// as they succeed so the caller can render them before the round ends.
	Renderable bool
	// Domain labels the data domain for the "Some data unavailable" note.
	Domain string
}

var customerIDParam = json.RawMessage(`{
  "type": "object",
  "properties": {
    "customer_id": {"type": "string", "description": "Override the resolved customer id"}
  }
}`)

var catalogue = []ToolCard{
	{
		Name:        ToolGetUsageMetrics,
		Description: "Fetch product usage metrics (active users, trend) for the customer.",
		Parameters:  customerIDParam,
		Validate:    validateUsage,
		Domain:      "usage",
	},
	{
		Name:        ToolGetRecentTickets,
		Description: "Fetch a summary of the customer's recent support tickets.",
		Parameters:  customerIDParam,
		Validate:    validateTickets,
		Domain:      "tickets",
	},
	{
		Name:        ToolGetContractDetails,
		Description: "Fetch the customer's contract plan, seats, and renewal date.",
		Parameters:  customerIDParam,
		Validate:    validateContract,
		Domain:      "contract",
	},
	{
		Name:        ToolCalculateHealth,
		Description: "Calculate the customer's current health score and risk level.",
		Parameters:  customerIDParam,
		Validate:    validateHealth,
		Renderable:  true,
	},
	{
		Name:        ToolGenerateEmail,
		Description: "Generate a check-in or follow-up email draft for the customer.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "customer_id": {"type": "string", "description": "Override the resolved customer id"},
    "tone": {"type": "string", "description": "Requested tone, e.g. friendly or formal"},
    "topic": {"type": "string", "description": "What the email should be about"}
  }
}`),
		Validate:   validateEmail,
		Renderable: true,
	},
	{
		Name:        ToolGenerateQBROutline,
		Description: "Generate a quarterly business review outline for the customer.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "customer_id": {"type": "string", "description": "Override the resolved customer id"},
    "quarter": {"type": "string", "description": "Target quarter, e.g. Q3 2026"}
  }
}`),
		Validate:   validateQBR,
		Renderable: true,
	},
}

// Catalogue returns the fixed six-tool dispatch table in canonical order.
func Catalogue() []ToolCard { return catalogue }

// Lookup resolves a model-supplied tool name against the closed set.
func Lookup(name string) (ToolCard, bool) {
	for _, card := range catalogue {
		if string(card.Name) == name {
			return card, true
		}
	}
	return ToolCard{}, false
}

// CatalogueSchemas returns the model-facing schema list for all six tools.
func CatalogueSchemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(catalogue))
	for _, card := range catalogue {
		out = append(out, ToolSchema{
			Name:        string(card.Name),
			Description: card.Description,
			Parameters:  card.Parameters,
		})
	}
	return out
}

// CatalogueSummary renders a one-line-per-tool description for prompts.
func CatalogueSummary() string {
	var b strings.Builder
	for _, card := range catalogue {
		fmt.Fprintf(&b, "- %s: %s\n", card.Name, card.Description)
	}
	return b.String()
}

func validateUsage(raw json.RawMessage) error {
	var u UsageMetrics
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("not a usage payload: %w", err)
	}
	if u.Trend == "" {
		return fmt.Errorf("missing trend")
	}
	if u.ActiveUsers < 0 {
		return fmt.Errorf("negative activeUsers")
	}
	return nil
}

func validateTickets(raw json.RawMessage) error {
	var ts TicketSummary
	if err := json.Unmarshal(raw, &ts); err != nil {
		return fmt.Errorf("not a ticket payload: %w", err)
	}
	if ts.OpenCount < 0 || ts.UrgentCount < 0 {
		return fmt.Errorf("negative ticket counts")
	}
	return nil
}

func validateContract(raw json.RawMessage) error {
	var c ContractDetails
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("not a contract payload: %w", err)
	}
	if c.Plan == "" {
		return fmt.Errorf("missing plan")
	}
	if c.RenewalDate != "" {
		if _, err := time.Parse("2006-01-02", c.RenewalDate); err != nil {
			return fmt.Errorf("bad renewalDate: %w", err)
		}
	}
	return nil
}

func validateHealth(raw json.RawMessage) error {
	var h HealthSnapshot
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("not a health payload: %w", err)
	}
	if h.Score < 0 || h.Score > 100 {
		return fmt.Errorf("score %d out of range", h.Score)
	}
	if h.RiskLevel == "" {
		return fmt.Errorf("missing riskLevel")
	}
	return nil
}

func validateEmail(raw json.RawMessage) error {
	var d EmailDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("not an email payload: %w", err)
	}
	if strings.TrimSpace(d.Subject) == "" || strings.TrimSpace(d.Body) == "" {
		return fmt.Errorf("draft requires subject and body")
	}
	return nil
}

func validateQBR(raw json.RawMessage) error {
	var q QBROutline
	if err := json.Unmarshal(raw, &q); err != nil {
		return fmt.Errorf("not a QBR payload: %w", err)
	}
	if len(q.Sections) == 0 {
		return fmt.Errorf("outline has no sections")
	}
	for _, s := range q.Sections {
		if strings.TrimSpace(s.Heading) == "" {
			return fmt.Errorf("section missing heading")
		}
	}
	return nil
}
