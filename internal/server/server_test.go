package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/roles/executor"
	"github.com/redgraph/redgraph/internal/roles/planner"
	"github.com/redgraph/redgraph/internal/roles/reflector"
	"github.com/redgraph/redgraph/internal/scheduler"
	"github.com/redgraph/redgraph/internal/types"
)

// blockingPlanner parks the loop so operations stay running during a test.
type blockingPlanner struct{}

func (blockingPlanner) Plan(ctx context.Context, _ planner.Input) (planner.Decision, error) {
	<-ctx.Done()
	return planner.Decision{}, types.WrapError(types.ErrCancelled, "planner", ctx.Err())
}

type okExecutor struct{}

func (okExecutor) RunSubtask(_ context.Context, taskID string) executor.Report {
	return executor.Report{TaskID: taskID, Completed: true, Steps: 1}
}

type okReflector struct{}

func (okReflector) Reflect(_ context.Context, in reflector.Input) (reflector.Outcome, error) {
	return reflector.Outcome{Audit: reflector.Audit{Verdict: reflector.VerdictPassed}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Manager) {
	t.Helper()
	m := scheduler.NewManager(scheduler.Deps{
		NewPlanner:   func(llm.EmitFunc) scheduler.PlannerRole { return blockingPlanner{} },
		NewExecutor:  func(*graph.Store, executor.EmitFunc, llm.EmitFunc) scheduler.ExecutorRole { return okExecutor{} },
		NewReflector: func(llm.EmitFunc) scheduler.ReflectorRole { return okReflector{} },
	}, 4)
	srv := httptest.NewServer(New(m, nil).Router())
	t.Cleanup(srv.Close)
	return srv, m
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCreateOperation_ReturnsRecord(t *testing.T) {
	srv, m := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/operations", map[string]any{
		"goal":    "assess target",
		"options": map[string]any{"max_parallel": 2},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Status != "running" {
		t.Errorf("record = %+v", rec)
	}
	t.Cleanup(func() { m.Abort(rec.ID) })
}

func TestCreateOperation_EmptyGoalRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/operations", map[string]any{"goal": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetGraph_ReturnsSnapshot(t *testing.T) {
	srv, m := newTestServer(t)
	op, err := m.Start("g", types.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Abort(op.ID) })

	resp, err := http.Get(srv.URL + "/api/operations/" + op.ID + "/graph")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap graph.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.OpID != op.ID || len(snap.Tasks) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestGetGraph_WhichSelectsOneSide(t *testing.T) {
	// which=task keeps the execution DAG, which=causal the belief graph;
	// anything else is a validation error
	srv, m := newTestServer(t)
	op, err := m.Start("g", types.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Abort(op.ID) })

	fetch := func(which string) (*http.Response, graph.Snapshot) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/operations/" + op.ID + "/graph?which=" + which)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var snap graph.Snapshot
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				t.Fatal(err)
			}
		}
		return resp, snap
	}

	resp, snap := fetch("task")
	if resp.StatusCode != http.StatusOK || len(snap.Tasks) == 0 || snap.Causal != nil {
		t.Errorf("which=task: status=%d snapshot=%+v", resp.StatusCode, snap)
	}
	resp, snap = fetch("causal")
	if resp.StatusCode != http.StatusOK || snap.Tasks != nil {
		t.Errorf("which=causal: status=%d snapshot=%+v", resp.StatusCode, snap)
	}
	resp, _ = fetch("bogus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("which=bogus: status=%d, want 400", resp.StatusCode)
	}
}

func TestInjectTask_AppearsInGraph(t *testing.T) {
	srv, m := newTestServer(t)
	op, err := m.Start("g", types.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Abort(op.ID) })

	resp := postJSON(t, srv.URL+"/api/operations/"+op.ID+"/tasks", map[string]any{
		"description": "probe the admin panel",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	snap, _ := m.Snapshot(op.ID)
	found := false
	for _, n := range snap.Tasks {
		if n.Description == "probe the admin panel" {
			found = true
		}
	}
	if !found {
		t.Error("injected task missing from graph")
	}
}

func TestAbort_UnknownOperation(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/operations/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestResolveIntervention_StaleIsRejected(t *testing.T) {
	srv, m := newTestServer(t)
	op, err := m.Start("g", types.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Abort(op.ID) })

	resp := postJSON(t, srv.URL+"/api/operations/"+op.ID+"/interventions/ghost",
		map[string]any{"action": "APPROVE"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamEvents_SSEDeliversAndReplays(t *testing.T) {
	srv, m := newTestServer(t)
	op, err := m.Start("g", types.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Abort(op.ID) })

	// Publish before connecting; from_seq must replay it.
	op.Broker.Publish(types.EventGraphChanged, "", map[string]any{"marker": "early"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/operations/"+op.ID+"/events?from_seq=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %s", ct)
	}

	// The loop publishes its own events; scan until the marker replays.
	sc := bufio.NewScanner(resp.Body)
	seen := 0
	for sc.Scan() && seen < 10 {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		seen++
		var ev types.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload: %v", err)
		}
		if ev.Data["marker"] == "early" {
			return
		}
	}
	t.Fatal("marker event never replayed")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
