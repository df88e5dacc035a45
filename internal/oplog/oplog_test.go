package oplog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/redgraph/redgraph/internal/types"
)

func TestLog_WritesJSONLines(t *testing.T) {
	// Each record is one parseable JSON line in the operation's file
	dir := t.TempDir()
	l, err := Open(dir, "op1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Phase(types.PhasePlanning, "initial plan")
	l.Event(types.Event{Seq: 1, Event: types.EventGraphChanged})
	l.Thought(types.RolePlanner, "decompose the goal")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "op1.jsonl"))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Errorf("line %d not JSON: %v", lines, err)
		}
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestLog_NilSafe(t *testing.T) {
	// A nil log absorbs every call
	var l *Log
	l.Phase(types.PhaseExecuting, "x")
	l.Event(types.Event{})
	l.Thought(types.RoleExecutor, "x")
	l.Error("op", nil)
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
}
