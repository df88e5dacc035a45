// Package llm is the role-parameterized client for the OpenAI-compatible
// chat endpoint. Each reasoning role resolves its own credentials and model
// from tier-prefixed environment variables, and structured replies are
// validated against a JSON schema with bounded correction retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/redgraph/redgraph/internal/types"
)

const defaultRequestTimeout = 120 * time.Second

// EmitFunc publishes llm.request / llm.response events. May be nil.
type EmitFunc func(kind types.EventKind, role types.Role, data map[string]any)

// tier holds the resolved endpoint settings for one role.
type tier struct {
	baseURL string
	apiKey  string
	model   string
}

// Client talks to one or more OpenAI-compatible endpoints, one tier per
// reasoning role. It is stateless with respect to operations and safe for
// concurrent use.
type Client struct {
	tiers             map[types.Role]tier
	httpClient        *http.Client
	emit              EmitFunc
	transportRetries  uint64
	validationRetries int
}

// normalizeBaseURL strips trailing slashes and a trailing "/chat/completions"
// suffix so the path is never doubled when the client appends it.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewFromEnv builds a Client resolving each role's settings from
// {PREFIX}_API_KEY / _BASE_URL / _MODEL with fallback to the shared
// OPENAI_* variables. Prefixes are PLANNER, EXECUTOR, REFLECTOR.
func NewFromEnv(emit EmitFunc) *Client {
	get := func(prefix, suffix string) string {
		if v := os.Getenv(prefix + "_" + suffix); v != "" {
			return v
		}
		return os.Getenv("OPENAI_" + suffix)
	}
	tiers := make(map[types.Role]tier, 3)
	for _, role := range []types.Role{types.RolePlanner, types.RoleExecutor, types.RoleReflector} {
		prefix := strings.ToUpper(string(role))
		tiers[role] = tier{
			baseURL: normalizeBaseURL(get(prefix, "BASE_URL")),
			apiKey:  get(prefix, "API_KEY"),
			model:   get(prefix, "MODEL"),
		}
	}
	return &Client{
		tiers:             tiers,
		httpClient:        &http.Client{Timeout: defaultRequestTimeout},
		emit:              emit,
		transportRetries:  3,
		validationRetries: 3,
	}
}

// WithEmit returns a copy of the client that publishes llm.request and
// llm.response through emit. This is how one shared client binds to a single
// operation's event topic; the copy owns its tier map so per-role overrides
// stay operation-local.
func (c *Client) WithEmit(emit EmitFunc) *Client {
	cp := *c
	cp.emit = emit
	cp.tiers = make(map[types.Role]tier, len(c.tiers))
	for role, t := range c.tiers {
		cp.tiers[role] = t
	}
	return &cp
}

// SetModel overrides the model for one role (operation options may select
// per-role models).
func (c *Client) SetModel(role types.Role, model string) {
	if model == "" {
		return
	}
	t := c.tiers[role]
	t.model = model
	c.tiers[role] = t
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []ChatMsg `json:"messages"`
}

// ChatMsg is one conversation message.
type ChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a message history for the given role and returns the
// assistant's text. Transient transport failures are retried with
// exponential backoff; the error carries kind transport after the bound.
func (c *Client) Chat(ctx context.Context, role types.Role, messages []ChatMsg) (string, Usage, error) {
	t, ok := c.tiers[role]
	if !ok {
		return "", Usage{}, types.Errorf(types.ErrFatal, "llm", "no tier for role %q", role)
	}
	payload := chatRequest{Model: t.model, Messages: messages}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, types.WrapError(types.ErrFatal, "llm: marshal request", err)
	}

	if c.emit != nil {
		c.emit(types.EventLLMRequest, role, map[string]any{
			"model":    t.model,
			"messages": len(messages),
		})
	}

	var content string
	var usage Usage
	op := func() error {
		content, usage, err = c.doRequest(ctx, t, body)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.transportRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, types.WrapError(types.ErrCancelled, "llm", ctx.Err())
		}
		return "", Usage{}, types.WrapError(types.ErrTransport, "llm", err)
	}

	if c.emit != nil {
		c.emit(types.EventLLMResponse, role, map[string]any{
			"model":             t.model,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"content":           elide(content, 2000),
		})
	}
	return content, usage, nil
}

func (c *Client) doRequest(ctx context.Context, t tier, body []byte) (string, Usage, error) {
	url := t.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, err // retryable transport error
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, err
	}
	if resp.StatusCode >= 500 {
		return "", Usage{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, elide(string(respBody), 300))
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, backoff.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, elide(string(respBody), 300)))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
	}
	if chatResp.Error != nil {
		return "", Usage{}, backoff.Permanent(fmt.Errorf("API error: %s", chatResp.Error.Message))
	}
	if len(chatResp.Choices) == 0 {
		return "", Usage{}, backoff.Permanent(fmt.Errorf("no choices in response"))
	}
	return chatResp.Choices[0].Message.Content, chatResp.Usage, nil
}

// StripThinkBlocks removes <think>...</think> blocks that reasoning models
// emit before or between JSON objects.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences and think blocks from model
// output so the remainder parses as JSON.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func elide(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("... (%d bytes elided)", len(s)-n)
}
