package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/heliodesk/heliodesk/config"
	"github.com/heliodesk/heliodesk/internal/agent/telemetry"
	"github.com/heliodesk/heliodesk/internal/helpers"
)

const errBodyLimit = 500

// ModelClient sends a transcript (optionally with a tool catalogue) to a
// chat-completion endpoint and returns the assistant's turn.
type ModelClient interface {
	Complete(ctx context.Context, messages []Message, tools []ToolSchema) (AssistantTurn, error)
}

// ChatClient is the OpenAI-compatible ModelClient. It is stateless across
// calls; transient failures are retried with exponential backoff and jitter.
type ChatClient struct {
	cfg       config.LLMConfig
	client    *http.Client
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewChatClient creates a chat-completion client from config.
func NewChatClient(cfg config.LLMConfig, tele *telemetry.Telemetry, logger *log.Logger) *ChatClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return &ChatClient{
		cfg:       cfg,
		client:    &http.Client{},
		telemetry: tele,
		logger:    logger,
	}
}

// Complete sends the transcript and returns the assistant turn. Retryable
// failures (network errors, timeouts, 408/429/5xx) are retried up to the
// configured ceiling; anything else propagates immediately.
func (c *ChatClient) Complete(ctx context.Context, messages []Message, tools []ToolSchema) (AssistantTurn, error) {
	if len(messages) == 0 {
		return AssistantTurn{}, fmt.Errorf("empty transcript")
	}

	attempts := c.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		turn, err := c.completeOnce(ctx, messages, tools)
		if err == nil {
			c.telemetry.RecordModelCall("success", time.Since(start))
			return turn, nil
		}
		c.telemetry.RecordModelCall("error", time.Since(start))
		if ctx.Err() != nil {
			return AssistantTurn{}, &TransportError{Err: ctx.Err()}
		}
		if !retryable(err) {
			return AssistantTurn{}, err
		}
		lastErr = err
		if attempt < attempts-1 {
			delay := c.cfg.RetryBackoff*time.Duration(1<<attempt) +
				time.Duration(rand.Int63n(int64(c.cfg.RetryBackoff)))
			c.logger.Printf("model call attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return AssistantTurn{}, &TransportError{Err: ctx.Err()}
			}
		}
	}
	return AssistantTurn{}, &ModelUnavailableError{Err: lastErr}
}

// chat-completion wire types
type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *ChatClient) completeOnce(ctx context.Context, messages []Message, tools []ToolSchema) (AssistantTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody := chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages:  toWireMessages(messages),
	}
	if !c.cfg.OmitsTemperature(c.cfg.Model) {
		temp := c.cfg.Temperature
		reqBody.Temperature = &temp
	}
	if len(tools) > 0 {
		reqBody.Tools = toWireTools(tools)
		reqBody.ToolChoice = "auto"
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return AssistantTurn{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return AssistantTurn{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return AssistantTurn{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := helpers.Truncate(helpers.StripHTML(string(raw)), errBodyLimit)
		return AssistantTurn{}, &UpstreamStatusError{Status: resp.StatusCode, Body: detail}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AssistantTurn{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return AssistantTurn{}, fmt.Errorf("no choices in response")
	}

	msg := out.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		return AssistantTurn{Kind: TurnToolCalls, Calls: calls, RawText: msg.Content}, nil
	}
	return AssistantTurn{Kind: TurnMessage, Text: msg.Content}, nil
}

func toWireMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolSchema) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}
