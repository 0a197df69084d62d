package core

import (
	"errors"
	"fmt"
)

// TransportError wraps a network or timeout failure talking to an upstream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamStatusError is a non-2xx reply from the model endpoint or a tool
// backend. Body is truncated and HTML-stripped before it is stored here.
type UpstreamStatusError struct {
	Status int
	Body   string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// SchemaInvalidError is a tool payload that does not match its expected shape.
type SchemaInvalidError struct {
	Tool   ToolName
	Reason string
}

func (e *SchemaInvalidError) Error() string {
	return fmt.Sprintf("tool %s: invalid payload: %s", e.Tool, e.Reason)
}

// ArgumentParseError is a malformed tool-call argument blob. Callers treat it
// as empty arguments rather than a fatal error.
type ArgumentParseError struct {
	Err error
}

func (e *ArgumentParseError) Error() string { return fmt.Sprintf("parse arguments: %v", e.Err) }
func (e *ArgumentParseError) Unwrap() error { return e.Err }

// ModelUnavailableError means the model endpoint could not be reached even
// after retries. It is fatal for the request; the caller degrades to a
// heuristic-only answer.
type ModelUnavailableError struct {
	Err error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model unavailable after retries: %v", e.Err)
}
func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// retryableStatus reports whether an HTTP status from the model endpoint
// warrants another attempt.
func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// retryable reports whether err is worth retrying at the model client layer.
func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ue *UpstreamStatusError
	if errors.As(err, &ue) {
		return retryableStatus(ue.Status)
	}
	return false
}
