package graph

import (
	"time"
)

// NodeKind discriminates task-graph nodes.
type NodeKind string

const (
	KindRoot   NodeKind = "root"
	KindTask   NodeKind = "task"
	KindAction NodeKind = "action"
)

// Status is a task-graph node lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeprecated Status = "deprecated"
	StatusAborted    Status = "aborted"
	StatusStalled    Status = "stalled"
)

// Terminal reports whether s admits no further transition through the
// command set. Deprecated is sticky and counts as terminal for readiness.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusDeprecated:
		return true
	}
	return false
}

// validTransition encodes the task state machine:
//
//	pending → in_progress → (completed | failed | aborted)
//
// with deprecate reachable from any non-terminal state, abort reachable from
// any non-terminal state (cancellation), and stalled a non-terminal parking
// state the scheduler can resume from.
func validTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusDeprecated, StatusAborted, StatusStalled:
		return true
	case StatusInProgress:
		return from == StatusPending || from == StatusStalled
	case StatusCompleted, StatusFailed:
		return from == StatusInProgress || from == StatusStalled
	}
	return false
}

// TaskNode is one node of the execution DAG. Root and task nodes use the
// planning fields; action nodes additionally record a single tool
// invocation and are owned by their parent task.
type TaskNode struct {
	ID                 string   `json:"id"`
	Kind               NodeKind `json:"kind"`
	Description        string   `json:"description"`
	CompletionCriteria string   `json:"completion_criteria,omitempty"`
	Status             Status   `json:"status"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Parent             string   `json:"parent,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Artifacts        []string `json:"artifacts,omitempty"`
	FailureLevel     string   `json:"failure_level,omitempty"`
	FailureRationale string   `json:"failure_rationale,omitempty"`
	Retries          int      `json:"retries,omitempty"`

	// Root only.
	MissionAccomplished bool `json:"mission_accomplished,omitempty"`

	// Action only.
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Result      string         `json:"result,omitempty"`
	Observation string         `json:"observation,omitempty"`
}

// Clone deep-copies the node.
func (n *TaskNode) Clone() *TaskNode {
	c := *n
	c.Dependencies = append([]string(nil), n.Dependencies...)
	c.Artifacts = append([]string(nil), n.Artifacts...)
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	if n.ToolArgs != nil {
		c.ToolArgs = make(map[string]any, len(n.ToolArgs))
		for k, v := range n.ToolArgs {
			c.ToolArgs[k] = v
		}
	}
	return &c
}

// CausalVariant is the closed set of belief-graph node types.
type CausalVariant string

const (
	VariantKeyFact                CausalVariant = "key_fact"
	VariantEvidence               CausalVariant = "evidence"
	VariantHypothesis             CausalVariant = "hypothesis"
	VariantVulnerability          CausalVariant = "vulnerability"
	VariantConfirmedVulnerability CausalVariant = "confirmed_vulnerability"
	VariantFlag                   CausalVariant = "flag"
)

// ValidVariant reports whether v is in the closed variant set.
func ValidVariant(v CausalVariant) bool {
	switch v {
	case VariantKeyFact, VariantEvidence, VariantHypothesis,
		VariantVulnerability, VariantConfirmedVulnerability, VariantFlag:
		return true
	}
	return false
}

// CausalNode is one node of the belief graph. The graph is append-oriented:
// nodes are added, updated, or marked deprecated — never deleted.
type CausalNode struct {
	ID             string         `json:"id"`
	Variant        CausalVariant  `json:"variant"`
	Description    string         `json:"description"`
	Confidence     float64        `json:"confidence"`
	Deprecated     bool           `json:"deprecated,omitempty"`
	DeprecatedWhy  string         `json:"deprecated_why,omitempty"`
	SourceActionID string         `json:"source_action_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Clone deep-copies the node.
func (n *CausalNode) Clone() *CausalNode {
	c := *n
	if n.Fields != nil {
		c.Fields = make(map[string]any, len(n.Fields))
		for k, v := range n.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// CausalRelation is the closed edge vocabulary of the belief graph.
type CausalRelation string

const (
	RelationSupports    CausalRelation = "supports"
	RelationContradicts CausalRelation = "contradicts"
	RelationValidates   CausalRelation = "validates"
	RelationExploits    CausalRelation = "exploits"
	RelationReveals     CausalRelation = "reveals"
	RelationMitigates   CausalRelation = "mitigates"
)

// ValidRelation reports whether r is in the closed relation vocabulary.
func ValidRelation(r CausalRelation) bool {
	switch r {
	case RelationSupports, RelationContradicts, RelationValidates,
		RelationExploits, RelationReveals, RelationMitigates:
		return true
	}
	return false
}

// CausalEdge links two belief-graph nodes.
type CausalEdge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Relation   CausalRelation `json:"relation"`
	Confidence float64        `json:"confidence"`
}

// CausalNodeSpec is a causal node staged by the Executor before the
// Reflector audits and commits it. It has no ID yet; the committing batch
// assigns one.
type CausalNodeSpec struct {
	Variant        CausalVariant  `json:"variant"`
	Description    string         `json:"description"`
	Confidence     float64        `json:"confidence,omitempty"`
	SourceActionID string         `json:"source_action_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}
