package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heliodesk/heliodesk/config"
)

func chatFixture(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
	})
	return string(b)
}

func testLLMConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		BaseURL:      url,
		APIKey:       "test-key",
		Model:        "gpt-4o-mini",
		Temperature:  0.2,
		MaxRetries:   2,
		Timeout:      5 * time.Second,
		RetryBackoff: time.Millisecond,
	}
}

func TestChatClientRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatFixture("hello")))
	}))
	defer srv.Close()

	c := NewChatClient(testLLMConfig(srv.URL), nil, nil)
	turn, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if turn.Kind != TurnMessage || turn.Text != "hello" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestChatClientDoesNotRetryClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`<html><body>invalid request</body></html>`))
	}))
	defer srv.Close()

	c := NewChatClient(testLLMConfig(srv.URL), nil, nil)
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	var upstream *UpstreamStatusError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamStatusError, got %v", err)
	}
	if upstream.Status != http.StatusBadRequest {
		t.Fatalf("got status %d", upstream.Status)
	}
	if upstream.Body == "" || upstream.Body != "invalid request" {
		t.Fatalf("expected HTML-stripped body, got %q", upstream.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestChatClientExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewChatClient(testLLMConfig(srv.URL), nil, nil)
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	var unavailable *ModelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ModelUnavailableError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts (2 retries), got %d", got)
	}
}

func TestChatClientTemperatureOmission(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(chatFixture("ok")))
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.Model = "o4-mini"
	cfg.NoTemperatureModels = []string{"o4-mini"}
	c := NewChatClient(cfg, nil, nil)
	if _, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, present := body["temperature"]; present {
		t.Fatalf("temperature should be omitted for %s", cfg.Model)
	}

	cfg = testLLMConfig(srv.URL)
	c = NewChatClient(cfg, nil, nil)
	if _, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, present := body["temperature"]; !present {
		t.Fatalf("temperature should be sent for %s", cfg.Model)
	}
}

func TestChatClientToolCallTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"calculate_health","arguments":"{}"}}
		]}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(testLLMConfig(srv.URL), nil, nil)
	turn, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, CatalogueSchemas())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if turn.Kind != TurnToolCalls || len(turn.Calls) != 1 {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if turn.Calls[0].Name != "calculate_health" {
		t.Fatalf("got call %q", turn.Calls[0].Name)
	}
}
