package toolhost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redgraph/redgraph/internal/types"
)

func rpcServer(t *testing.T, handle func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int64           `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q", req.JSONRPC)
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestListTools_DecodesAndCaches(t *testing.T) {
	// The inventory is fetched once and served from cache afterwards
	var calls atomic.Int32
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		calls.Add(1)
		return map[string]any{"tools": []map[string]any{
			{"name": "nmap_scan", "description": "Run a port scan"},
			{"name": "http_get", "description": "Fetch a URL"},
		}}, nil
	})
	defer srv.Close()
	c := New(srv.URL, 0)
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "nmap_scan" {
		t.Errorf("tools = %+v", tools)
	}
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("host called %d times, want 1", calls.Load())
	}
}

func TestCallTool_ConcatenatesTextContent(t *testing.T) {
	// Text content parts join into one observation
	srv := rpcServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		if method != "tools/call" {
			t.Errorf("method = %q", method)
		}
		var p struct {
			Name string         `json:"name"`
			Args map[string]any `json:"arguments"`
		}
		json.Unmarshal(params, &p)
		if p.Name != "http_get" || p.Args["url"] != "http://target/" {
			t.Errorf("params = %+v", p)
		}
		return map[string]any{"content": []map[string]any{
			{"type": "text", "text": "HTTP/1.1 200 OK\n"},
			{"type": "text", "text": "<html></html>"},
		}}, nil
	})
	defer srv.Close()
	c := New(srv.URL, 0)
	res, err := c.CallTool(context.Background(), "http_get", map[string]any{"url": "http://target/"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || !strings.Contains(res.Output, "<html>") {
		t.Errorf("result = %+v", res)
	}
}

func TestCallTool_TruncatesOversizedOutput(t *testing.T) {
	// Output beyond the cap is cut and flagged
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		return map[string]any{"content": []map[string]any{
			{"type": "text", "text": strings.Repeat("A", MaxResultBytes+500)},
		}}, nil
	})
	defer srv.Close()
	c := New(srv.URL, 0)
	res, err := c.CallTool(context.Background(), "dump", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.Truncated {
		t.Error("expected Truncated")
	}
	if !strings.Contains(res.Output, "output truncated") {
		t.Error("missing truncation marker")
	}
	if len(res.Output) > MaxResultBytes+100 {
		t.Errorf("output still %d bytes", len(res.Output))
	}
}

func TestCallTool_HostErrorFlagged(t *testing.T) {
	// isError from the host becomes an error-result, not a Go error
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "connection refused"}},
			"isError": true,
		}, nil
	})
	defer srv.Close()
	c := New(srv.URL, 0)
	res, err := c.CallTool(context.Background(), "nmap_scan", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Error("expected IsError")
	}
}

func TestCallTool_DeadlineBecomesToolFailure(t *testing.T) {
	// A hung tool surfaces as a failed result once the per-call deadline fires
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	c := New(srv.URL, 50*time.Millisecond)
	res, err := c.CallTool(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Output, "timed out") {
		t.Errorf("result = %+v", res)
	}
}

func TestCallTool_CancellationPropagates(t *testing.T) {
	// An aborted operation context cancels the call with kind cancelled
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client hanging up; the
		// timeout keeps Close from waiting on this handler regardless.
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	c := New(srv.URL, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.CallTool(ctx, "slow", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if types.KindOf(err) != types.ErrCancelled {
		t.Errorf("kind = %s, want cancelled", types.KindOf(err))
	}
}

func TestCall_RetriesTransientServerError(t *testing.T) {
	// A 5xx is retried until the host recovers
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			ID int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"tools": []map[string]any{}},
		})
	}))
	defer srv.Close()
	c := New(srv.URL, 0)
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestCall_RPCErrorNotRetried(t *testing.T) {
	// An rpc-level error is permanent
	var calls atomic.Int32
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		calls.Add(1)
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()
	c := New(srv.URL, 0)
	_, err := c.ListTools(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRenderToolDoc_Formats(t *testing.T) {
	doc := RenderToolDoc([]Tool{
		{Name: "nmap_scan", Description: "Run a port scan", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})
	if !strings.Contains(doc, "nmap_scan") || !strings.Contains(doc, "arguments schema") {
		t.Errorf("doc = %q", doc)
	}
	if RenderToolDoc(nil) != "(no tools available)" {
		t.Error("empty inventory placeholder missing")
	}
}
