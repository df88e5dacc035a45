// Package toolhost is the client for the external tool host, a JSON-RPC 2.0
// service exposing the operation's tool inventory. The runtime never executes
// tools in-process; every action runs through this boundary.
package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/redgraph/redgraph/internal/types"
)

const (
	// DefaultCallTimeout bounds one tool invocation end to end.
	DefaultCallTimeout = 120 * time.Second
	// MaxResultBytes caps one observation before it reaches a prompt.
	MaxResultBytes = 50000

	transportRetries = 3
)

// Tool describes one entry in the host's inventory.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Result is the outcome of one tool call.
type Result struct {
	Output    string `json:"output"`
	IsError   bool   `json:"is_error"`
	Truncated bool   `json:"truncated"`
}

// Host lists and invokes tools.
type Host interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
}

// Client is the HTTP JSON-RPC 2.0 implementation of Host.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	callTimeout time.Duration
	nextID      atomic.Int64

	mu    sync.Mutex
	tools []Tool // cached inventory
}

// New builds a client for the host at endpoint. callTimeout <= 0 selects
// the default.
func New(endpoint string, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{},
		callTimeout: callTimeout,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip with backoff on transport failures.
// RPC-level errors from the host are not retried.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.WrapError(types.ErrFatal, "toolhost: marshal request", err)
	}

	var result json.RawMessage
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody))
		}
		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}
		if rpcResp.Error != nil {
			return backoff.Permanent(rpcResp.Error)
		}
		result = rpcResp.Result
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transportRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrCancelled, "toolhost: "+method, ctx.Err())
		}
		return nil, types.WrapError(types.ErrTransport, "toolhost: "+method, err)
	}
	return result, nil
}

// ListTools fetches the inventory. The result is cached; tool sets are fixed
// for the lifetime of an operation.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.WrapError(types.ErrTransport, "toolhost: tools/list decode", err)
	}
	c.mu.Lock()
	c.tools = out.Tools
	c.mu.Unlock()
	return out.Tools, nil
}

// CallTool invokes one tool with a per-call deadline. Oversized output is
// truncated with a marker so a single observation cannot flood a prompt.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw, err := c.call(callCtx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		// A per-call deadline is a tool failure, not an operation abort.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return Result{
				Output:  fmt.Sprintf("tool %q timed out after %s", name, c.callTimeout),
				IsError: true,
			}, nil
		}
		return Result{}, err
	}
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, types.WrapError(types.ErrTransport, "toolhost: tools/call decode", err)
	}
	var sb strings.Builder
	for _, part := range out.Content {
		if part.Type == "text" || part.Type == "" {
			sb.WriteString(part.Text)
		}
	}
	res := Result{Output: sb.String(), IsError: out.IsError}
	if len(res.Output) > MaxResultBytes {
		overflow := len(res.Output) - MaxResultBytes
		res.Output = res.Output[:MaxResultBytes] + fmt.Sprintf("\n... (output truncated, %d bytes elided)", overflow)
		res.Truncated = true
	}
	return res, nil
}

// RenderToolDoc formats the inventory for a prompt.
func RenderToolDoc(tools []Tool) string {
	var sb strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		if len(t.InputSchema) > 0 {
			fmt.Fprintf(&sb, "  arguments schema: %s\n", t.InputSchema)
		}
	}
	if sb.Len() == 0 {
		return "(no tools available)"
	}
	return sb.String()
}
