package checkpoint

import (
	"testing"
	"time"

	"github.com/redgraph/redgraph/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveState_RoundTrip(t *testing.T) {
	// Meta, graph, and pending persist together and load back
	s := openTestStore(t)
	meta := Meta{ID: "op1", Goal: "assess target", Status: types.OpRunning, CreatedAt: time.Now().UTC()}
	if err := s.SaveState(meta, []byte(`{"op_id":"op1"}`), []string{"req-1"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := s.LoadMeta("op1")
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got.Goal != "assess target" || got.Status != types.OpRunning {
		t.Errorf("meta = %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
	g, err := s.LoadGraph("op1")
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if string(g) != `{"op_id":"op1"}` {
		t.Errorf("graph = %s", g)
	}
}

func TestSaveState_NilGraphKeepsPrevious(t *testing.T) {
	// A meta-only save does not clobber the stored graph
	s := openTestStore(t)
	meta := Meta{ID: "op1", Status: types.OpRunning}
	if err := s.SaveState(meta, []byte("v1"), nil); err != nil {
		t.Fatal(err)
	}
	meta.Status = types.OpSucceeded
	if err := s.SaveState(meta, nil, nil); err != nil {
		t.Fatal(err)
	}
	g, err := s.LoadGraph("op1")
	if err != nil {
		t.Fatal(err)
	}
	if string(g) != "v1" {
		t.Errorf("graph = %s", g)
	}
	m, _ := s.LoadMeta("op1")
	if m.Status != types.OpSucceeded {
		t.Errorf("status = %s", m.Status)
	}
}

func TestEvents_RangeScanOrdered(t *testing.T) {
	// The event tail returns in sequence order from an arbitrary start
	s := openTestStore(t)
	for seq := uint64(1); seq <= 5; seq++ {
		ev := types.Event{Seq: seq, Event: types.EventHeartbeat, Timestamp: time.Now().UTC()}
		if err := s.AppendEvent("op1", ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	// A second operation's tail must not leak into the scan.
	s.AppendEvent("op2", types.Event{Seq: 1, Event: types.EventHeartbeat})

	got, err := s.Events("op1", 3)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("events = %+v", got)
	}
}

func TestListOperations_MetaOnly(t *testing.T) {
	s := openTestStore(t)
	s.SaveState(Meta{ID: "op1", Status: types.OpRunning}, []byte("g"), nil)
	s.SaveState(Meta{ID: "op2", Status: types.OpSucceeded}, []byte("g"), nil)
	ops, err := s.ListOperations()
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("ops = %+v", ops)
	}
}
