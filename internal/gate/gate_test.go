package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redgraph/redgraph/internal/types"
)

func TestSubmit_DisabledAutoApproves(t *testing.T) {
	// With review off, batches pass through without blocking
	g := New(false, nil)
	d := g.Submit(context.Background(), "expand scope", json.RawMessage(`[]`))
	if d.Action != types.InterventionApprove {
		t.Errorf("action = %s, want APPROVE", d.Action)
	}
}

func TestSubmit_BlocksUntilResolved(t *testing.T) {
	// An enabled gate holds the batch until a decision arrives
	g := New(true, nil)
	got := make(chan Decision, 1)
	go func() {
		got <- g.Submit(context.Background(), "try sqli", json.RawMessage(`[{"type":"ADD_NODE"}]`))
	}()

	var req Request
	deadline := time.After(2 * time.Second)
	for {
		if ps := g.Pending(); len(ps) == 1 {
			req = ps[0]
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !g.Resolve(req.ID, Decision{Action: types.InterventionModify, Commands: json.RawMessage(`[]`)}) {
		t.Fatal("Resolve returned false for pending request")
	}
	select {
	case d := <-got:
		if d.Action != types.InterventionModify {
			t.Errorf("action = %s, want MODIFY", d.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Resolve")
	}
}

func TestResolve_FirstDecisionWins(t *testing.T) {
	// A second resolution for the same request is reported as stale
	g := New(true, nil)
	go g.Submit(context.Background(), "t", nil)

	var id string
	deadline := time.After(2 * time.Second)
	for {
		if ps := g.Pending(); len(ps) == 1 {
			id = ps[0].ID
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !g.Resolve(id, Decision{Action: types.InterventionApprove}) {
		t.Fatal("first Resolve failed")
	}
	if g.Resolve(id, Decision{Action: types.InterventionReject}) {
		t.Error("second Resolve should report stale")
	}
}

func TestResolve_UnknownIDStale(t *testing.T) {
	g := New(true, nil)
	if g.Resolve("nope", Decision{Action: types.InterventionApprove}) {
		t.Error("unknown id should report stale")
	}
}

func TestSubmit_AbortRejectsPending(t *testing.T) {
	// Cancelling the operation context rejects the waiting batch
	g := New(true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Decision, 1)
	go func() {
		got <- g.Submit(ctx, "t", nil)
	}()
	deadline := time.After(2 * time.Second)
	for len(g.Pending()) == 0 {
		select {
		case <-deadline:
			t.Fatal("request never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case d := <-got:
		if d.Action != types.InterventionReject {
			t.Errorf("action = %s, want REJECT", d.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	if len(g.Pending()) != 0 {
		t.Error("aborted request still pending")
	}
}

func TestSubmit_AbortEmitsResolution(t *testing.T) {
	// A request rejected by cancellation still publishes its resolved event
	kinds := make(chan types.EventKind, 4)
	g := New(true, func(kind types.EventKind, _ map[string]any) {
		kinds <- kind
	})
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Decision, 1)
	go func() {
		got <- g.Submit(ctx, "t", nil)
	}()
	select {
	case k := <-kinds:
		if k != types.EventInterventionRequired {
			t.Fatalf("event = %s, want required", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("required event never fired")
	}
	cancel()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	select {
	case k := <-kinds:
		if k != types.EventInterventionResolved {
			t.Errorf("event = %s, want resolved", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolved event never fired for the aborted request")
	}
}

func TestGate_EmitsLifecycleEvents(t *testing.T) {
	// required and resolved events fire around a review
	kinds := make(chan types.EventKind, 4)
	g := New(true, func(kind types.EventKind, _ map[string]any) {
		kinds <- kind
	})
	go g.Submit(context.Background(), "t", nil)
	deadline := time.After(2 * time.Second)
	for len(g.Pending()) == 0 {
		select {
		case <-deadline:
			t.Fatal("request never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	g.Resolve(g.Pending()[0].ID, Decision{Action: types.InterventionApprove})
	for _, want := range []types.EventKind{types.EventInterventionRequired, types.EventInterventionResolved} {
		select {
		case k := <-kinds:
			if k != want {
				t.Errorf("event = %s, want %s", k, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s event", want)
		}
	}
}
