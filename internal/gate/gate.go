// Package gate implements the human intervention checkpoint between a plan
// and its application. When human-in-the-loop review is enabled, every plan
// batch blocks here until a human approves, modifies, or rejects it.
package gate

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/redgraph/redgraph/internal/types"
)

// Request is one plan batch awaiting review.
type Request struct {
	ID       string          `json:"id"`
	Thought  string          `json:"thought"`
	Commands json.RawMessage `json:"commands"`
}

// Decision is the human's resolution of a request.
type Decision struct {
	Action   types.InterventionAction `json:"action"`
	Commands json.RawMessage          `json:"commands,omitempty"` // MODIFY replacement
	Guidance string                   `json:"guidance,omitempty"` // REJECT feedback to the planner
}

// EmitFunc publishes intervention.required / intervention.resolved events.
type EmitFunc func(kind types.EventKind, data map[string]any)

type pending struct {
	req  Request
	done chan Decision
}

// Gate queues plan batches for review. With review disabled every batch is
// approved immediately.
type Gate struct {
	enabled bool
	emit    EmitFunc

	mu      sync.Mutex
	waiting map[string]*pending
}

// New builds a gate. emit may be nil.
func New(enabled bool, emit EmitFunc) *Gate {
	return &Gate{
		enabled: enabled,
		emit:    emit,
		waiting: make(map[string]*pending),
	}
}

// Enabled reports whether review is on.
func (g *Gate) Enabled() bool { return g.enabled }

// Submit blocks until the batch is resolved or ctx is cancelled. With review
// disabled it approves without blocking. Cancellation resolves as a
// rejection so an aborted operation never applies a batch nobody reviewed.
func (g *Gate) Submit(ctx context.Context, thought string, commands json.RawMessage) Decision {
	if !g.enabled {
		return Decision{Action: types.InterventionApprove}
	}
	p := &pending{
		req:  Request{ID: uuid.NewString(), Thought: thought, Commands: commands},
		done: make(chan Decision, 1),
	}
	g.mu.Lock()
	g.waiting[p.req.ID] = p
	g.mu.Unlock()

	if g.emit != nil {
		g.emit(types.EventInterventionRequired, map[string]any{
			"request_id": p.req.ID,
			"thought":    thought,
			"commands":   json.RawMessage(commands),
		})
	}

	select {
	case d := <-p.done:
		return d
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.waiting, p.req.ID)
		g.mu.Unlock()
		// The request resolved, even if nobody reviewed it; subscribers
		// tracking the required/resolved pairing see both halves.
		if g.emit != nil {
			g.emit(types.EventInterventionResolved, map[string]any{
				"request_id": p.req.ID,
				"action":     string(types.InterventionReject),
				"reason":     "operation aborted",
			})
		}
		return Decision{Action: types.InterventionReject, Guidance: "operation aborted"}
	}
}

// Resolve delivers a decision for a pending request. The first resolution
// wins; later calls for the same id report false.
func (g *Gate) Resolve(id string, d Decision) bool {
	g.mu.Lock()
	p, ok := g.waiting[id]
	if ok {
		delete(g.waiting, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- d
	if g.emit != nil {
		g.emit(types.EventInterventionResolved, map[string]any{
			"request_id": id,
			"action":     string(d.Action),
		})
	}
	return true
}

// Pending lists unresolved requests, for checkpointing and for clients
// reconnecting mid-review.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.waiting))
	for _, p := range g.waiting {
		out = append(out, p.req)
	}
	return out
}
