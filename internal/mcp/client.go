// Package mcp implements the JSON-RPC-over-SSE client for the remote
// clinical trial tool server. The server speaks a quirky protocol: tool
// calls go out as JSON-RPC 2.0 over a single HTTP POST endpoint, the
// response comes back as a Server-Sent-Events stream, and the actual tool
// payload sits JSON-encoded inside the envelope's first content item,
// requiring a second decode. All of that stays isolated here; adapters
// see plain decoded payloads.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clinharbor/trialmatch/internal/logger"
	"github.com/clinharbor/trialmatch/internal/model"
	"github.com/clinharbor/trialmatch/internal/util"
	"github.com/clinharbor/trialmatch/internal/worker"
	"go.uber.org/zap"
)

const dataPrefix = "data: "

// maxLogPreview bounds response previews in debug logs
const maxLogPreview = 200

// Client calls named tools on the remote server
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *worker.Limiter
	log        *zap.Logger
	nextID     atomic.Int64
}

// NewClient creates a tool client from configuration. The limiter may be
// nil to disable request pacing.
func NewClient(cfg model.MCPConfig, limiter *worker.Limiter, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy, cfg.NoProxy),
			},
		},
		timeout: timeout,
		limiter: limiter,
		log:     log,
	}
}

// JSON-RPC 2.0 structures

type rpcRequest struct {
	Jsonrpc string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcEnvelope struct {
	Jsonrpc string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Result  *rpcResult `json:"result"`
	Error   *rpcError  `json:"error"`
}

type rpcResult struct {
	Content []rpcContent `json:"content"`
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallTool invokes a named tool with the given arguments and returns the
// doubly-decoded tool payload.
func (c *Client) CallTool(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error) {
	// Allow consumes a token when one is free; only a saturated limiter
	// makes the call block and wait its turn.
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Debug("rate limit reached, pacing tool call", zap.String("tool", tool))
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := rpcRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params:  rpcParams{Name: tool, Arguments: arguments},
		ID:      c.nextID.Add(1),
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}

	payload, err := decodeEventStream(body)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}

	c.log.Debug("tool call succeeded",
		zap.String("tool", tool),
		zap.Int("payload_bytes", len(payload)),
		zap.String("payload_preview", logger.Truncate(string(payload), maxLogPreview)),
	)

	return payload, nil
}

// Ping checks that the tool server is up by listing its tools. Used as a
// cheap preflight to wake cold-started deployments.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := rpcRequest{
		Jsonrpc: "2.0",
		Method:  "tools/list",
		Params:  rpcParams{},
		ID:      c.nextID.Add(1),
	}

	_, err := c.post(ctx, req)
	return err
}

// post sends the JSON-RPC request and returns the raw response body.
// Gateway-class statuses and timeouts map to their retryable error types.
func (c *Client) post(ctx context.Context, rpcReq rpcRequest) ([]byte, error) {
	reqBody, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// The server negotiates SSE on the Accept header; without
	// text/event-stream it rejects the call.
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		io.Copy(io.Discard, resp.Body)
		c.log.Warn("tool server unavailable", zap.Int("status", resp.StatusCode))
		return nil, &BackendUnavailableError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       logger.Truncate(string(body), maxLogPreview),
		}
	}

	return body, nil
}

// decodeEventStream extracts the tool payload from an SSE body. The
// payload rides the first "data: " line; event markers, comments and
// keep-alive blanks before it are skipped. The data line holds a JSON-RPC
// envelope whose result.content[0].text is itself a JSON-encoded string.
func decodeEventStream(body []byte) (json.RawMessage, error) {
	var data string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, dataPrefix) {
			data = strings.TrimPrefix(line, dataPrefix)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &EnvelopeError{Reason: "scan event stream", Err: err}
	}
	if data == "" {
		return nil, ErrNoData
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, &EnvelopeError{Reason: "decode JSON-RPC response", Err: err}
	}

	if envelope.Error != nil {
		return nil, &ToolError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if envelope.Result == nil {
		return nil, &EnvelopeError{Reason: "response has no result"}
	}
	if len(envelope.Result.Content) == 0 {
		return nil, &EnvelopeError{Reason: "result has no content"}
	}

	text := envelope.Result.Content[0].Text
	if text == "" {
		return nil, &EnvelopeError{Reason: "content has no text"}
	}

	// Second decode: the text field is a JSON document in its own right
	payload := json.RawMessage(text)
	if !json.Valid(payload) {
		return nil, &PayloadError{Err: errors.New("content text is not valid JSON")}
	}

	return payload, nil
}

// isTimeout recognizes deadline expiry in its several shapes
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
