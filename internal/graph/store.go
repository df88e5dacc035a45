// Package graph implements the dual-graph state store: the execution DAG of
// root/task/action nodes and the coupled belief graph of facts, hypotheses,
// and vulnerabilities. All mutation flows through an atomic command batch;
// a batch is applied to a private copy of the state and swapped in only when
// every command is accepted, so readers always observe a consistent graph
// and a rejected batch leaves no trace.
package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redgraph/redgraph/internal/types"
)

// RootID is the fixed id of the root node of every operation.
const RootID = "root"

// RejectReason classifies why a command was refused.
type RejectReason string

const (
	RejectDuplicateID       RejectReason = "duplicate-id"
	RejectUnknownID         RejectReason = "unknown-id"
	RejectCycle             RejectReason = "cycle"
	RejectTerminalViolation RejectReason = "terminal-violation"
	RejectInvariant         RejectReason = "invariant-violation"
)

// Rejection describes one refused command inside a batch.
type Rejection struct {
	Index  int          `json:"index"`
	Tag    CommandTag   `json:"command"`
	NodeID string       `json:"id,omitempty"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (r Rejection) String() string {
	return fmt.Sprintf("command %d (%s %s): %s: %s", r.Index, r.Tag, r.NodeID, r.Reason, r.Detail)
}

// Transition records one status change produced by a committed batch.
type Transition struct {
	NodeID string `json:"node_id"`
	From   Status `json:"from"`
	To     Status `json:"to"`
}

// ApplyResult is the outcome of one batch.
type ApplyResult struct {
	OK          bool
	Rejected    []Rejection
	Transitions []Transition
}

// EmitFunc publishes a store event. It must not block; the broker's
// fan-out satisfies this.
type EmitFunc func(kind types.EventKind, data map[string]any)

// state is the complete mutable graph state. It is only ever touched by the
// writer holding Store.mu; Apply works on a deep copy.
type state struct {
	tasks       map[string]*TaskNode
	taskOrder   []string
	causal      map[string]*CausalNode
	causalOrder []string
	causalEdges []CausalEdge
}

func (s *state) clone() *state {
	c := &state{
		tasks:       make(map[string]*TaskNode, len(s.tasks)),
		taskOrder:   append([]string(nil), s.taskOrder...),
		causal:      make(map[string]*CausalNode, len(s.causal)),
		causalOrder: append([]string(nil), s.causalOrder...),
		causalEdges: append([]CausalEdge(nil), s.causalEdges...),
	}
	for id, n := range s.tasks {
		c.tasks[id] = n.Clone()
	}
	for id, n := range s.causal {
		c.causal[id] = n.Clone()
	}
	return c
}

// Store owns the dual-graph state of one operation.
type Store struct {
	mu    sync.RWMutex
	opID  string
	goal  string
	state *state
	emit  EmitFunc
	now   func() time.Time
}

// NewStore creates a store holding only the root node for goal.
func NewStore(opID, goal string, emit EmitFunc) *Store {
	if emit == nil {
		emit = func(types.EventKind, map[string]any) {}
	}
	s := &Store{
		opID: opID,
		goal: goal,
		emit: emit,
		now:  func() time.Time { return time.Now().UTC() },
	}
	root := &TaskNode{
		ID:          RootID,
		Kind:        KindRoot,
		Description: goal,
		Status:      StatusInProgress,
		CreatedAt:   s.now(),
	}
	s.state = &state{
		tasks:     map[string]*TaskNode{RootID: root},
		taskOrder: []string{RootID},
		causal:    map[string]*CausalNode{},
	}
	return s
}

// Goal returns the operation goal held by the root node.
func (s *Store) Goal() string { return s.goal }

// Apply commits a command batch atomically. On any rejection the whole
// batch is rolled back, a single graph.rejected event fires, and the
// returned result lists every rejection found. On success the committed
// state becomes visible before graph.changed is emitted.
func (s *Store) Apply(batch []Command) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	var res ApplyResult
	for i, cmd := range batch {
		if rej := s.applyOne(next, cmd, &res); rej != nil {
			rej.Index = i
			rej.Tag = cmd.Tag
			res.Rejected = append(res.Rejected, *rej)
		}
	}
	if len(res.Rejected) > 0 {
		res.OK = false
		res.Transitions = nil
		details := make([]string, 0, len(res.Rejected))
		for _, r := range res.Rejected {
			details = append(details, r.String())
		}
		s.emit(types.EventGraphRejected, map[string]any{
			"rejected": res.Rejected,
			"details":  details,
		})
		return res
	}

	res.OK = true
	s.state = next
	s.emitChanged(batch, res.Transitions)
	return res
}

func (s *Store) emitChanged(batch []Command, transitions []Transition) {
	ops := make([]string, 0, len(batch))
	for _, c := range batch {
		ops = append(ops, string(c.Tag))
	}
	data := map[string]any{"commands": ops}
	if len(transitions) > 0 {
		data["transitions"] = transitions
	}
	s.emit(types.EventGraphChanged, data)
}

// applyOne mutates next in place. A non-nil rejection means the batch must
// be abandoned; partial effects on next are discarded with it.
func (s *Store) applyOne(next *state, cmd Command, res *ApplyResult) *Rejection {
	switch cmd.Tag {
	case CmdAddNode:
		return s.applyAddNode(next, cmd.AddNode)
	case CmdUpdateNode:
		return s.applyUpdateNode(next, cmd.UpdateNode, res)
	case CmdAddEdge:
		return s.applyAddEdge(next, cmd.AddEdge)
	case CmdDeprecateNode:
		return s.applyDeprecate(next, cmd.Deprecate, res)
	case CmdAddCausalNode:
		return s.applyAddCausalNode(next, cmd.AddCausalNode)
	case CmdAddCausalEdge:
		return s.applyAddCausalEdge(next, cmd.AddCausalEdge)
	}
	return &Rejection{Reason: RejectInvariant, Detail: fmt.Sprintf("unknown command tag %q", cmd.Tag)}
}

func (s *Store) applyAddNode(next *state, add *AddNode) *Rejection {
	nd := add.NodeData
	if nd.Kind == KindRoot {
		return &Rejection{NodeID: nd.ID, Reason: RejectInvariant, Detail: "exactly one root per operation"}
	}
	if _, ok := next.tasks[nd.ID]; ok {
		return &Rejection{NodeID: nd.ID, Reason: RejectDuplicateID}
	}
	if _, ok := next.causal[nd.ID]; ok {
		return &Rejection{NodeID: nd.ID, Reason: RejectDuplicateID, Detail: "id taken by causal node"}
	}
	parent := nd.Parent
	if parent == "" {
		parent = RootID
	}
	p, ok := next.tasks[parent]
	if !ok {
		return &Rejection{NodeID: nd.ID, Reason: RejectUnknownID, Detail: fmt.Sprintf("parent %q", parent)}
	}
	if nd.Kind != KindAction && (nd.ToolName != "" || nd.ToolArgs != nil) {
		return &Rejection{NodeID: nd.ID, Reason: RejectInvariant, Detail: "tool fields are action-only"}
	}
	if nd.Kind == KindAction {
		if p.Kind != KindTask {
			return &Rejection{NodeID: nd.ID, Reason: RejectInvariant, Detail: "action parent must be a task"}
		}
		// Actions inherit their parent's lifecycle: none may be appended
		// once the task is terminal.
		if p.Status.Terminal() {
			return &Rejection{NodeID: nd.ID, Reason: RejectTerminalViolation, Detail: "parent task is terminal"}
		}
	}
	for _, dep := range nd.Dependencies {
		if dep == nd.ID {
			return &Rejection{NodeID: nd.ID, Reason: RejectCycle, Detail: "self-dependency"}
		}
		if _, ok := next.tasks[dep]; !ok {
			return &Rejection{NodeID: nd.ID, Reason: RejectUnknownID, Detail: fmt.Sprintf("dependency %q", dep)}
		}
	}
	n := &TaskNode{
		ID:                 nd.ID,
		Kind:               nd.Kind,
		Description:        nd.Description,
		CompletionCriteria: nd.CompletionCriteria,
		Status:             StatusPending,
		Dependencies:       append([]string(nil), nd.Dependencies...),
		Parent:             parent,
		CreatedAt:          s.now(),
		ToolName:           nd.ToolName,
		ToolArgs:           nd.ToolArgs,
	}
	next.tasks[nd.ID] = n
	next.taskOrder = append(next.taskOrder, nd.ID)
	return nil
}

func (s *Store) applyUpdateNode(next *state, upd *UpdateNode, res *ApplyResult) *Rejection {
	if n, ok := next.tasks[upd.ID]; ok {
		return s.updateTaskNode(next, n, upd.Updates, res)
	}
	if n, ok := next.causal[upd.ID]; ok {
		return s.updateCausalNode(next, n, upd.Updates)
	}
	return &Rejection{NodeID: upd.ID, Reason: RejectUnknownID}
}

func (s *Store) updateTaskNode(next *state, n *TaskNode, u NodeUpdates, res *ApplyResult) *Rejection {
	if u.Status != nil && *u.Status != n.Status {
		if n.Status.Terminal() {
			return &Rejection{NodeID: n.ID, Reason: RejectTerminalViolation,
				Detail: fmt.Sprintf("%s → %s", n.Status, *u.Status)}
		}
		if !validTransition(n.Status, *u.Status) {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant,
				Detail: fmt.Sprintf("illegal transition %s → %s", n.Status, *u.Status)}
		}
		res.Transitions = append(res.Transitions, Transition{NodeID: n.ID, From: n.Status, To: *u.Status})
		n.Status = *u.Status
		now := s.now()
		switch *u.Status {
		case StatusInProgress:
			if n.StartedAt == nil {
				n.StartedAt = &now
			}
		case StatusCompleted, StatusFailed, StatusAborted:
			n.CompletedAt = &now
		}
	}
	if u.Dependencies != nil {
		for _, dep := range *u.Dependencies {
			if _, ok := next.tasks[dep]; !ok {
				return &Rejection{NodeID: n.ID, Reason: RejectUnknownID, Detail: fmt.Sprintf("dependency %q", dep)}
			}
		}
		old := n.Dependencies
		n.Dependencies = append([]string(nil), *u.Dependencies...)
		if cycleFrom(next, n.ID) {
			n.Dependencies = old
			return &Rejection{NodeID: n.ID, Reason: RejectCycle}
		}
	}
	if u.Description != nil {
		n.Description = *u.Description
	}
	if u.CompletionCriteria != nil {
		n.CompletionCriteria = *u.CompletionCriteria
	}
	if u.Artifacts != nil {
		n.Artifacts = append(n.Artifacts, *u.Artifacts...)
	}
	if u.FailureLevel != nil {
		if _, err := types.ParseFailureLevel(*u.FailureLevel); err != nil {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: err.Error()}
		}
		n.FailureLevel = *u.FailureLevel
	}
	if u.FailureRationale != nil {
		n.FailureRationale = *u.FailureRationale
	}
	if u.MissionAccomplished != nil {
		if n.Kind != KindRoot {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "mission_accomplished is root-only"}
		}
		n.MissionAccomplished = *u.MissionAccomplished
	}
	if u.Result != nil {
		if n.Kind != KindAction {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "result is action-only"}
		}
		n.Result = *u.Result
	}
	if u.Observation != nil {
		if n.Kind != KindAction {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "observation is action-only"}
		}
		n.Observation = *u.Observation
	}
	return nil
}

func (s *Store) updateCausalNode(next *state, n *CausalNode, u NodeUpdates) *Rejection {
	if u.Description != nil {
		n.Description = *u.Description
	}
	if u.Fields != nil {
		if n.Fields == nil {
			n.Fields = map[string]any{}
		}
		for k, v := range *u.Fields {
			n.Fields[k] = v
		}
	}
	if u.Confidence != nil {
		c := *u.Confidence
		if c < 0 || c > 1 {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "confidence out of [0,1]"}
		}
		// Lowering confidence requires a stated rationale (C3).
		if c < n.Confidence && u.Rationale == "" {
			return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "confidence lowered without rationale"}
		}
		n.Confidence = c
	}
	if u.Variant != nil && *u.Variant != n.Variant {
		if rej := s.checkPromotion(next, n, *u.Variant); rej != nil {
			return rej
		}
		n.Variant = *u.Variant
	}
	return nil
}

// checkPromotion enforces the belief-graph promotion invariants: a
// hypothesis needs inbound support from evidence or a key fact before it
// may become a vulnerability, and a vulnerability needs an inbound
// validates edge traceable to an action before it may be confirmed.
func (s *Store) checkPromotion(next *state, n *CausalNode, to CausalVariant) *Rejection {
	if !ValidVariant(to) {
		return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: fmt.Sprintf("unknown variant %q", to)}
	}
	switch {
	case n.Variant == VariantHypothesis && to == VariantVulnerability:
		for _, e := range next.causalEdges {
			if e.Target != n.ID || e.Relation != RelationSupports {
				continue
			}
			if src, ok := next.causal[e.Source]; ok &&
				(src.Variant == VariantEvidence || src.Variant == VariantKeyFact) {
				return nil
			}
		}
		return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "hypothesis has no supporting evidence"}
	case n.Variant == VariantVulnerability && to == VariantConfirmedVulnerability:
		for _, e := range next.causalEdges {
			if e.Target != n.ID || e.Relation != RelationValidates {
				continue
			}
			if src, ok := next.causal[e.Source]; ok && src.SourceActionID != "" {
				return nil
			}
		}
		return &Rejection{NodeID: n.ID, Reason: RejectInvariant, Detail: "vulnerability lacks a validates edge from an action artifact"}
	}
	return nil
}

func (s *Store) applyAddEdge(next *state, e *AddEdge) *Rejection {
	if e.Relation != "" && e.Relation != "depends_on" {
		return &Rejection{NodeID: e.Target, Reason: RejectInvariant, Detail: fmt.Sprintf("task edge relation %q", e.Relation)}
	}
	src, ok := next.tasks[e.Source]
	if !ok {
		return &Rejection{NodeID: e.Source, Reason: RejectUnknownID}
	}
	dst, ok := next.tasks[e.Target]
	if !ok {
		return &Rejection{NodeID: e.Target, Reason: RejectUnknownID}
	}
	if src.Kind != KindTask || dst.Kind != KindTask {
		return &Rejection{NodeID: e.Target, Reason: RejectInvariant, Detail: "dependency edges connect tasks only"}
	}
	for _, d := range dst.Dependencies {
		if d == e.Source {
			return nil // already present
		}
	}
	dst.Dependencies = append(dst.Dependencies, e.Source)
	if cycleFrom(next, e.Target) {
		dst.Dependencies = dst.Dependencies[:len(dst.Dependencies)-1]
		return &Rejection{NodeID: e.Target, Reason: RejectCycle,
			Detail: fmt.Sprintf("%s → %s closes a cycle", e.Source, e.Target)}
	}
	return nil
}

func (s *Store) applyDeprecate(next *state, d *DeprecateNode, res *ApplyResult) *Rejection {
	if n, ok := next.tasks[d.ID]; ok {
		if n.Status == StatusDeprecated {
			return nil // idempotent
		}
		if n.Status.Terminal() {
			return &Rejection{NodeID: d.ID, Reason: RejectTerminalViolation}
		}
		res.Transitions = append(res.Transitions, Transition{NodeID: d.ID, From: n.Status, To: StatusDeprecated})
		n.Status = StatusDeprecated
		n.FailureRationale = d.Reason
		return nil
	}
	if n, ok := next.causal[d.ID]; ok {
		n.Deprecated = true
		n.DeprecatedWhy = d.Reason
		return nil
	}
	return &Rejection{NodeID: d.ID, Reason: RejectUnknownID}
}

func (s *Store) applyAddCausalNode(next *state, add *AddCausalNode) *Rejection {
	f := add.Fields
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, ok := next.causal[id]; ok {
		return &Rejection{NodeID: id, Reason: RejectDuplicateID}
	}
	if _, ok := next.tasks[id]; ok {
		return &Rejection{NodeID: id, Reason: RejectDuplicateID, Detail: "id taken by task node"}
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return &Rejection{NodeID: id, Reason: RejectInvariant, Detail: "confidence out of [0,1]"}
	}
	if f.SourceActionID != "" {
		if a, ok := next.tasks[f.SourceActionID]; !ok || a.Kind != KindAction {
			return &Rejection{NodeID: id, Reason: RejectUnknownID, Detail: fmt.Sprintf("source action %q", f.SourceActionID)}
		}
	}
	next.causal[id] = &CausalNode{
		ID:             id,
		Variant:        add.Variant,
		Description:    f.Description,
		Confidence:     f.Confidence,
		SourceActionID: f.SourceActionID,
		Fields:         f.Extra,
		CreatedAt:      s.now(),
	}
	next.causalOrder = append(next.causalOrder, id)
	return nil
}

func (s *Store) applyAddCausalEdge(next *state, e *AddCausalEdge) *Rejection {
	if _, ok := next.causal[e.Source]; !ok {
		return &Rejection{NodeID: e.Source, Reason: RejectUnknownID}
	}
	if _, ok := next.causal[e.Target]; !ok {
		return &Rejection{NodeID: e.Target, Reason: RejectUnknownID}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &Rejection{NodeID: e.Target, Reason: RejectInvariant, Detail: "confidence out of [0,1]"}
	}
	for i := range next.causalEdges {
		ex := &next.causalEdges[i]
		if ex.Source == e.Source && ex.Target == e.Target && ex.Relation == e.Relation {
			// Edge confidence is monotone: re-adding may only raise it.
			if e.Confidence < ex.Confidence {
				return &Rejection{NodeID: e.Target, Reason: RejectInvariant,
					Detail: fmt.Sprintf("edge confidence lowered %.2f → %.2f", ex.Confidence, e.Confidence)}
			}
			ex.Confidence = e.Confidence
			return nil
		}
	}
	next.causalEdges = append(next.causalEdges, CausalEdge{
		Source: e.Source, Target: e.Target, Relation: e.Relation, Confidence: e.Confidence,
	})
	return nil
}

// cycleFrom reports whether the dependency graph reachable from start
// contains a cycle.
func cycleFrom(st *state, start string) bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case grey:
			return true
		case black:
			return false
		}
		color[id] = grey
		if n, ok := st.tasks[id]; ok {
			for _, dep := range n.Dependencies {
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	return visit(start)
}

// ReadyTasks returns pending tasks whose dependencies are all terminal and
// none of them failed, deprecated, or aborted, in topological order with
// ties broken by creation time then id.
func (s *Store) ReadyTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []*TaskNode
	for _, id := range s.state.taskOrder {
		n := s.state.tasks[id]
		if n.Kind != KindTask || n.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range n.Dependencies {
			// A failed, deprecated, or aborted dependency blocks the task
			// until the Planner explicitly retains or prunes it.
			d, exists := s.state.tasks[dep]
			if !exists || d.Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	// Every ready task has only terminal dependencies, so topological order
	// among them reduces to dependency depth; creation time is the tie-break.
	depth := s.depths()
	sort.SliceStable(ready, func(i, j int) bool {
		if depth[ready[i].ID] != depth[ready[j].ID] {
			return depth[ready[i].ID] < depth[ready[j].ID]
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	ids := make([]string, len(ready))
	for i, n := range ready {
		ids[i] = n.ID
	}
	return ids
}

// depths computes the longest dependency chain below each task.
func (s *Store) depths() map[string]int {
	memo := map[string]int{}
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		memo[id] = 0 // break accidental cycles defensively
		n, ok := s.state.tasks[id]
		if !ok {
			return 0
		}
		max := 0
		for _, dep := range n.Dependencies {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}
	for id := range s.state.tasks {
		depth(id)
	}
	return memo
}

// Task returns a copy of the node, or false.
func (s *Store) Task(id string) (TaskNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.state.tasks[id]
	if !ok {
		return TaskNode{}, false
	}
	return *n.Clone(), true
}

// InProgressCount reports how many task-kind nodes are currently running.
func (s *Store) InProgressCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.state.tasks {
		if n.Kind == KindTask && n.Status == StatusInProgress {
			count++
		}
	}
	return count
}

// TopLevelTasksTerminal reports whether every task directly under the root
// is terminal, and whether at least one exists.
func (s *Store) TopLevelTasksTerminal() (allTerminal, hasTasks bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allTerminal = true
	for _, n := range s.state.tasks {
		if n.Kind != KindTask || n.Parent != RootID {
			continue
		}
		hasTasks = true
		if !n.Status.Terminal() {
			allTerminal = false
		}
	}
	return allTerminal, hasTasks
}

// Neighbors returns ids adjacent to id in either graph: task dependencies
// and dependents, action children, and causal edges touching id.
func (s *Store) Neighbors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	add := func(nid string) {
		if nid == id {
			return
		}
		if _, ok := seen[nid]; !ok {
			seen[nid] = struct{}{}
			out = append(out, nid)
		}
	}
	if n, ok := s.state.tasks[id]; ok {
		for _, d := range n.Dependencies {
			add(d)
		}
		for _, other := range s.state.tasks {
			if other.Parent == id {
				add(other.ID)
			}
			for _, d := range other.Dependencies {
				if d == id {
					add(other.ID)
				}
			}
		}
	}
	for _, e := range s.state.causalEdges {
		if e.Source == id {
			add(e.Target)
		}
		if e.Target == id {
			add(e.Source)
		}
	}
	sort.Strings(out)
	return out
}

// Ancestors returns the transitive dependency closure of a task.
func (s *Store) Ancestors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walk(id, func(n *TaskNode) []string { return n.Dependencies })
}

// Descendants returns every task that transitively depends on id.
func (s *Store) Descendants(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dependents := map[string][]string{}
	for _, n := range s.state.tasks {
		for _, d := range n.Dependencies {
			dependents[d] = append(dependents[d], n.ID)
		}
	}
	return s.walk(id, func(n *TaskNode) []string { return dependents[n.ID] })
}

func (s *Store) walk(start string, next func(*TaskNode) []string) []string {
	seen := map[string]struct{}{start: {}}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, ok := s.state.tasks[id]
		if !ok {
			continue
		}
		for _, nid := range next(n) {
			if _, ok := seen[nid]; ok {
				continue
			}
			seen[nid] = struct{}{}
			out = append(out, nid)
			queue = append(queue, nid)
		}
	}
	sort.Strings(out)
	return out
}

// ReopenForRetry moves a failed task back to pending and bumps its retry
// counter. This is the scheduler's admin path for L0/L1 recovery; it is not
// reachable through the command set, so terminal stickiness holds for every
// batch.
func (s *Store) ReopenForRetry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.state.tasks[id]
	if !ok {
		return fmt.Errorf("graph: reopen %s: unknown task", id)
	}
	if n.Status != StatusFailed {
		return fmt.Errorf("graph: reopen %s: status %s, want failed", id, n.Status)
	}
	from := n.Status
	n.Status = StatusPending
	n.Retries++
	n.FailureLevel = ""
	n.FailureRationale = ""
	n.CompletedAt = nil
	s.emit(types.EventGraphChanged, map[string]any{
		"commands":    []string{"REOPEN"},
		"transitions": []Transition{{NodeID: id, From: from, To: StatusPending}},
	})
	return nil
}

// MissionAccomplished reports the root flag.
func (s *Store) MissionAccomplished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.tasks[RootID].MissionAccomplished
}
