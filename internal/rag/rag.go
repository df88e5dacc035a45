// Package rag retrieves background knowledge for prompts from an external
// retrieval service. Retrieval is advisory: a failed or absent retriever
// degrades to an empty context, never to an operation error.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Chunk is one retrieved passage.
type Chunk struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Retriever fetches passages relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error)
}

// Noop always returns no passages. Used when no retrieval endpoint is
// configured.
type Noop struct{}

func (Noop) Retrieve(context.Context, string, int) ([]Chunk, error) { return nil, nil }

// HTTP queries a retrieval service over a simple JSON POST API.
type HTTP struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTP builds a retriever for the service at endpoint.
func NewHTTP(endpoint string, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (r *HTTP) Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		topK = 5
	}
	body, err := json.Marshal(map[string]any{"query": query, "top_k": topK})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rag: HTTP %d", resp.StatusCode)
	}
	var out struct {
		Chunks []Chunk `json:"chunks"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("rag: decode: %w", err)
	}
	return out.Chunks, nil
}

// Context renders retrieved passages for a prompt. Retrieval failures log a
// warning and yield an empty string.
func Context(ctx context.Context, r Retriever, query string, topK int, logger *slog.Logger) string {
	if r == nil {
		return ""
	}
	chunks, err := r.Retrieve(ctx, query, topK)
	if err != nil {
		if logger != nil {
			logger.Warn("retrieval failed, continuing without background context", "error", err)
		}
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Background knowledge:\n")
	for _, c := range chunks {
		fmt.Fprintf(&sb, "- [%s] %s\n", c.Source, c.Text)
	}
	return sb.String()
}
