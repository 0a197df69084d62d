package core

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/heliodesk/heliodesk/config"
	"github.com/heliodesk/heliodesk/internal/agent/telemetry"
	"github.com/heliodesk/heliodesk/internal/helpers"
)

// Invoker executes one named tool call against the external backend over the
// signed request/response envelope. It is a pure single-attempt primitive:
// retries, if any, are the caller's responsibility.
type Invoker struct {
	cfg       config.ToolsConfig
	client    *http.Client
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewInvoker creates a tool invoker from config.
func NewInvoker(cfg config.ToolsConfig, tele *telemetry.Telemetry, logger *log.Logger) *Invoker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	return &Invoker{
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		telemetry: tele,
		logger:    logger,
	}
}

type toolRequest struct {
	CustomerID string                 `json:"customerId"`
	Params     map[string]interface{} `json:"params"`
}

// Invoke performs exactly one outbound call for card and reports the result
// uniformly: a transport or backend failure becomes Error{EXCEPTION}, a
// payload that fails the card's validation becomes Error{SCHEMA_INVALID}.
func (iv *Invoker) Invoke(ctx context.Context, card ToolCard, customerID string, params map[string]interface{}) ToolResult {
	start := time.Now()
	res := iv.invoke(ctx, card, customerID, params)
	status := "success"
	if !res.OK {
		status = "error"
	}
	iv.telemetry.RecordToolInvocation(string(card.Name), status, time.Since(start))
	return res
}

func (iv *Invoker) invoke(ctx context.Context, card ToolCard, customerID string, params map[string]interface{}) ToolResult {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(toolRequest{CustomerID: customerID, Params: params})
	if err != nil {
		return ErrorResult(CodeException, fmt.Sprintf("marshal request: %v", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		iv.cfg.BaseURL+"/tools/"+string(card.Name), bytes.NewReader(body))
	if err != nil {
		return ErrorResult(CodeException, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Client", iv.cfg.ClientID)
	req.Header.Set("X-Signature", Sign(iv.cfg.SigningSecret, ts, iv.cfg.ClientID, body))

	resp, err := iv.client.Do(req)
	if err != nil {
		return ErrorResult(CodeException, fmt.Sprintf("tool backend unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := helpers.Truncate(helpers.StripHTML(string(raw)), 200)
		return ErrorResult(CodeException, fmt.Sprintf("tool backend status %d: %s", resp.StatusCode, detail))
	}

	var envelope ToolResult
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return ErrorResult(CodeSchemaInvalid, fmt.Sprintf("malformed envelope: %v", err))
	}

	if !envelope.OK {
		if envelope.Error == nil {
			envelope.Error = &ToolError{Code: CodeException, Message: "tool reported failure without detail"}
		}
		envelope.Data = nil
		return envelope
	}
	if len(envelope.Data) == 0 {
		return ErrorResult(CodeSchemaInvalid, "successful envelope carried no data")
	}
	if err := card.Validate(envelope.Data); err != nil {
		return ErrorResult(CodeSchemaInvalid, err.Error())
	}
	envelope.Error = nil
	return envelope
}

// Sign computes the envelope signature: HMAC-SHA256 over
// "timestamp.clientId.body" with the shared secret, hex encoded.
func Sign(secret, timestamp, clientID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(clientID))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
