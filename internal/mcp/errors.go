package mcp

import (
	"errors"
	"fmt"
)

// ErrNoData indicates the event-stream response contained no "data:" line.
// The payload cannot be located, so the whole call is a transport failure.
var ErrNoData = errors.New("no data line in event stream response")

// ErrTimeout indicates a tool call exceeded its deadline. Retryable: a
// cold-starting backend often answers on the next attempt.
var ErrTimeout = errors.New("tool call timed out")

// EnvelopeError indicates the data line did not decode as a JSON-RPC
// response envelope, or the envelope lacked the expected result content.
// This is transport-level corruption, distinct from PayloadError.
type EnvelopeError struct {
	Reason string
	Err    error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

// PayloadError indicates the envelope was sound but the doubly-encoded
// tool payload inside result.content[0].text failed the second decode.
// This points at backend data issues rather than transport corruption.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed tool payload: %v", e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// BackendUnavailableError indicates the tool server answered with a
// gateway-class status. Free-tier deployments cold-start; callers should
// back off and retry instead of aborting.
type BackendUnavailableError struct {
	StatusCode int
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("tool server unavailable (HTTP %d), it may be cold-starting", e.StatusCode)
}

// StatusError indicates an unexpected non-2xx, non-gateway HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// ToolError carries a JSON-RPC error object returned by the server.
type ToolError struct {
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// Retryable reports whether err is worth another attempt after backoff.
// Only cold-start/gateway failures and timeouts qualify; malformed
// responses will not improve by retrying.
func Retryable(err error) bool {
	var unavailable *BackendUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	return errors.Is(err, ErrTimeout)
}
