package reflector

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/roles/executor"
	"github.com/redgraph/redgraph/internal/types"
)

type fakeAsker struct{ reply string }

func (f *fakeAsker) Ask(_ context.Context, _ types.Role, _ []llm.ChatMsg, _ *jsonschema.Schema, out any) error {
	return json.Unmarshal([]byte(f.reply), out)
}

func snapshotWith(t *testing.T, causal ...graph.CausalNode) graph.Snapshot {
	t.Helper()
	return graph.Snapshot{
		OpID: "op1", Goal: "g",
		Tasks:  []graph.TaskNode{{ID: "root", Kind: graph.KindRoot, Status: graph.StatusInProgress}},
		Causal: causal,
	}
}

func TestReflect_PassedVerdict(t *testing.T) {
	// A clean pass carries the audit through with no failure attribution
	f := &fakeAsker{reply: `{
		"thought": "criteria met",
		"audit": {"verdict": "passed", "completion_check": "banner confirms nginx"},
		"causal_operations": [
			{"command":"ADD_CAUSAL_NODE","variant":"key_fact","fields":{"description":"nginx 1.18 on port 80","confidence":0.9}}
		]
	}`}
	r := New(f)
	out, err := r.Reflect(context.Background(), Input{
		Goal:     "g",
		Task:     graph.TaskNode{ID: "t1", Description: "identify service"},
		Report:   executor.Report{Completed: true, Summary: "nginx found"},
		Snapshot: snapshotWith(t),
	})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if out.Audit.Verdict != VerdictPassed || out.Failure != nil {
		t.Errorf("outcome = %+v", out)
	}
	if len(out.CausalUpdates) != 1 || out.CausalUpdates[0].Tag != graph.CmdAddCausalNode {
		t.Errorf("updates = %+v", out.CausalUpdates)
	}
}

func TestReflect_FailedVerdictCarriesLevel(t *testing.T) {
	f := &fakeAsker{reply: `{
		"thought": "wrong flags throughout",
		"audit": {"verdict": "failed", "completion_check": "no evidence of success"},
		"failure": {"level": "L2", "rationale": "scanner invoked with invalid flags"}
	}`}
	r := New(f)
	out, err := r.Reflect(context.Background(), Input{Snapshot: snapshotWith(t)})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if out.Failure == nil || out.Failure.Level != types.FailureToolMisuse {
		t.Errorf("failure = %+v", out.Failure)
	}
}

func TestReflect_FailedWithoutAttributionFallsBack(t *testing.T) {
	// A failed verdict with no failure object uses the executor's hint
	f := &fakeAsker{reply: `{"thought":"t","audit":{"verdict":"failed"}}`}
	r := New(f)
	out, err := r.Reflect(context.Background(), Input{
		Report:   executor.Report{FailureHint: "tool host unreachable", SuggestedLevel: types.FailureToolTransport},
		Snapshot: snapshotWith(t),
	})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if out.Failure == nil || out.Failure.Level != types.FailureToolTransport || out.Failure.Rationale != "tool host unreachable" {
		t.Errorf("failure = %+v", out.Failure)
	}
}

func TestReflect_DedupesKnownFacts(t *testing.T) {
	// Re-discovered facts are not committed twice
	f := &fakeAsker{reply: `{
		"thought": "t",
		"audit": {"verdict": "passed"},
		"causal_operations": [
			{"command":"ADD_CAUSAL_NODE","variant":"key_fact","fields":{"description":"Port 80  open"}},
			{"command":"ADD_CAUSAL_NODE","variant":"key_fact","fields":{"description":"port 22 open"}}
		]
	}`}
	r := New(f)
	out, err := r.Reflect(context.Background(), Input{
		Snapshot: snapshotWith(t, graph.CausalNode{
			ID: "c1", Variant: graph.VariantKeyFact, Description: "port 80 open", Confidence: 0.9,
		}),
	})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(out.CausalUpdates) != 1 {
		t.Fatalf("updates = %+v", out.CausalUpdates)
	}
	if out.CausalUpdates[0].AddCausalNode.Fields.Description != "port 22 open" {
		t.Errorf("kept wrong node: %+v", out.CausalUpdates[0])
	}
}

func TestReflect_HypothesisConfidenceClamped(t *testing.T) {
	// Assessments move confidence by fixed deltas inside [0.05, 0.95]
	f := &fakeAsker{reply: `{
		"thought": "t",
		"audit": {"verdict": "passed"},
		"hypothesis_updates": [
			{"id": "h1", "assessment": "supported"},
			{"id": "h2", "assessment": "refuted"}
		]
	}`}
	r := New(f)
	out, err := r.Reflect(context.Background(), Input{
		Snapshot: snapshotWith(t,
			graph.CausalNode{ID: "h1", Variant: graph.VariantHypothesis, Confidence: 0.9},
			graph.CausalNode{ID: "h2", Variant: graph.VariantHypothesis, Confidence: 0.1},
		),
	})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if len(out.CausalUpdates) != 2 {
		t.Fatalf("updates = %+v", out.CausalUpdates)
	}
	got := map[string]float64{}
	for _, c := range out.CausalUpdates {
		if c.Tag != graph.CmdUpdateNode || c.UpdateNode.Updates.Confidence == nil {
			t.Fatalf("unexpected command %+v", c)
		}
		got[c.UpdateNode.ID] = *c.UpdateNode.Updates.Confidence
	}
	if math.Abs(got["h1"]-0.95) > 1e-9 {
		t.Errorf("h1 confidence = %v, want 0.95 (clamped)", got["h1"])
	}
	if math.Abs(got["h2"]-0.05) > 1e-9 {
		t.Errorf("h2 confidence = %v, want 0.05 (clamped)", got["h2"])
	}
	// Lowering must carry a rationale for the store's audit rule.
	for _, c := range out.CausalUpdates {
		if c.UpdateNode.ID == "h2" && c.UpdateNode.Updates.Rationale == "" {
			t.Error("lowered confidence without rationale")
		}
	}
}

func TestReflect_MissionAccomplishedPassesThrough(t *testing.T) {
	f := &fakeAsker{reply: `{
		"thought": "flag recovered",
		"audit": {"verdict": "passed"},
		"mission_accomplished": true,
		"attack_intelligence": "default creds on admin panel"
	}`}
	r := New(f)
	out, err := r.Reflect(context.Background(), Input{Snapshot: snapshotWith(t)})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if !out.MissionAccomplished || out.AttackIntelligence == "" {
		t.Errorf("outcome = %+v", out)
	}
}
