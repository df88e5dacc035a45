package graph

import (
	"encoding/json"
	"fmt"
)

// Snapshot is an immutable view of both graphs. Nodes appear in creation
// order. Serializing and restoring a snapshot is an identity on the state.
type Snapshot struct {
	OpID        string       `json:"op_id"`
	Goal        string       `json:"goal"`
	Tasks       []TaskNode   `json:"tasks"`
	Causal      []CausalNode `json:"causal_nodes"`
	CausalEdges []CausalEdge `json:"causal_edges"`
}

// Snapshot copies the current state under the reader lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		OpID:        s.opID,
		Goal:        s.goal,
		Tasks:       make([]TaskNode, 0, len(s.state.taskOrder)),
		Causal:      make([]CausalNode, 0, len(s.state.causalOrder)),
		CausalEdges: append([]CausalEdge(nil), s.state.causalEdges...),
	}
	for _, id := range s.state.taskOrder {
		snap.Tasks = append(snap.Tasks, *s.state.tasks[id].Clone())
	}
	for _, id := range s.state.causalOrder {
		snap.Causal = append(snap.Causal, *s.state.causal[id].Clone())
	}
	return snap
}

// Task looks a node up by id.
func (sn Snapshot) Task(id string) (TaskNode, bool) {
	for _, n := range sn.Tasks {
		if n.ID == id {
			return n, true
		}
	}
	return TaskNode{}, false
}

// CausalNodeByID looks a belief node up by id.
func (sn Snapshot) CausalNodeByID(id string) (CausalNode, bool) {
	for _, n := range sn.Causal {
		if n.ID == id {
			return n, true
		}
	}
	return CausalNode{}, false
}

// Serialize encodes the current state for checkpointing.
func (s *Store) Serialize() ([]byte, error) {
	snap := s.Snapshot()
	return json.Marshal(snap)
}

// Restore rebuilds a store from a serialized snapshot. The emit func is not
// invoked during restore; no events replay from a checkpoint load.
func Restore(data []byte, emit EmitFunc) (*Store, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("graph: restore: %w", err)
	}
	s := NewStore(snap.OpID, snap.Goal, emit)
	st := &state{
		tasks:       make(map[string]*TaskNode, len(snap.Tasks)),
		causal:      make(map[string]*CausalNode, len(snap.Causal)),
		causalEdges: append([]CausalEdge(nil), snap.CausalEdges...),
	}
	for i := range snap.Tasks {
		n := snap.Tasks[i]
		st.tasks[n.ID] = n.Clone()
		st.taskOrder = append(st.taskOrder, n.ID)
	}
	for i := range snap.Causal {
		n := snap.Causal[i]
		st.causal[n.ID] = n.Clone()
		st.causalOrder = append(st.causalOrder, n.ID)
	}
	if _, ok := st.tasks[RootID]; !ok {
		return nil, fmt.Errorf("graph: restore: snapshot has no root node")
	}
	s.state = st
	return s, nil
}
