package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandTag discriminates graph mutation commands.
type CommandTag string

const (
	CmdAddNode       CommandTag = "ADD_NODE"
	CmdUpdateNode    CommandTag = "UPDATE_NODE"
	CmdAddEdge       CommandTag = "ADD_EDGE"
	CmdDeprecateNode CommandTag = "DEPRECATE_NODE"
	CmdAddCausalNode CommandTag = "ADD_CAUSAL_NODE"
	CmdAddCausalEdge CommandTag = "ADD_CAUSAL_EDGE"
)

// Command is the tagged union of graph mutations. Exactly one payload field
// matching Tag is set; ParseCommands guarantees this for commands arriving
// off the wire.
type Command struct {
	Tag           CommandTag
	AddNode       *AddNode
	UpdateNode    *UpdateNode
	AddEdge       *AddEdge
	Deprecate     *DeprecateNode
	AddCausalNode *AddCausalNode
	AddCausalEdge *AddCausalEdge
}

// NodeData carries the settable fields of a new task-graph node. The tool
// fields apply to action nodes only.
type NodeData struct {
	ID                 string         `json:"id"`
	Kind               NodeKind       `json:"kind"`
	Description        string         `json:"description"`
	CompletionCriteria string         `json:"completion_criteria,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	Parent             string         `json:"parent,omitempty"`
	ToolName           string         `json:"tool_name,omitempty"`
	ToolArgs           map[string]any `json:"tool_args,omitempty"`
}

// AddNode inserts a new task-graph node in status pending.
type AddNode struct {
	NodeData NodeData `json:"node_data"`
}

// NodeUpdates is a partial merge for UPDATE_NODE. Nil fields are left
// untouched. Rationale is required when lowering a causal node's confidence.
type NodeUpdates struct {
	Description         *string         `json:"description,omitempty"`
	CompletionCriteria  *string         `json:"completion_criteria,omitempty"`
	Status              *Status         `json:"status,omitempty"`
	Dependencies        *[]string       `json:"dependencies,omitempty"`
	Artifacts           *[]string       `json:"artifacts,omitempty"`
	FailureLevel        *string         `json:"failure_level,omitempty"`
	FailureRationale    *string         `json:"failure_rationale,omitempty"`
	MissionAccomplished *bool           `json:"mission_accomplished,omitempty"`
	Result              *string         `json:"result,omitempty"`
	Observation         *string         `json:"observation,omitempty"`
	Variant             *CausalVariant  `json:"variant,omitempty"`
	Confidence          *float64        `json:"confidence,omitempty"`
	Fields              *map[string]any `json:"fields,omitempty"`
	Rationale           string          `json:"rationale,omitempty"`
}

// UpdateNode partially merges updates into an existing node of either graph.
type UpdateNode struct {
	ID      string      `json:"id"`
	Updates NodeUpdates `json:"updates"`
}

// AddEdge adds a dependency edge to the task DAG: target depends on source
// (source must reach a terminal state before target may start).
type AddEdge struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Relation   string   `json:"relation,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// DeprecateNode marks a non-terminal node deprecated. Idempotent.
type DeprecateNode struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CausalFields carries the settable fields of a new belief-graph node.
// Unknown keys are preserved in Extra.
type CausalFields struct {
	ID             string         `json:"id,omitempty"`
	Description    string         `json:"description"`
	Confidence     float64        `json:"confidence,omitempty"`
	SourceActionID string         `json:"source_action_id,omitempty"`
	Extra          map[string]any `json:"-"`
}

// AddCausalNode inserts a new belief-graph node.
type AddCausalNode struct {
	Variant CausalVariant `json:"variant"`
	Fields  CausalFields  `json:"fields"`
}

// AddCausalEdge links two belief-graph nodes. Re-adding an existing edge may
// only raise its confidence.
type AddCausalEdge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Relation   CausalRelation `json:"relation"`
	Confidence float64        `json:"confidence"`
}

// wireCommand is the flat JSON shape of §-style commands:
//
//	{command:"ADD_NODE", node_data:{...}}
//	{command:"UPDATE_NODE", id, updates:{...}}
//	{command:"ADD_EDGE", source, target, relation, confidence?}
//	{command:"DEPRECATE_NODE", id, reason}
//	{command:"ADD_CAUSAL_NODE", variant, fields:{...}}
//	{command:"ADD_CAUSAL_EDGE", source, target, relation, confidence}
type wireCommand struct {
	Command    string          `json:"command"`
	NodeData   *NodeData       `json:"node_data,omitempty"`
	ID         string          `json:"id,omitempty"`
	Updates    *NodeUpdates    `json:"updates,omitempty"`
	Source     string          `json:"source,omitempty"`
	Target     string          `json:"target,omitempty"`
	Relation   string          `json:"relation,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Variant    string          `json:"variant,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// MarshalJSON emits the flat wire format.
func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{Command: string(c.Tag)}
	switch c.Tag {
	case CmdAddNode:
		if c.AddNode == nil {
			return nil, fmt.Errorf("graph: %s without payload", c.Tag)
		}
		nd := c.AddNode.NodeData
		w.NodeData = &nd
	case CmdUpdateNode:
		if c.UpdateNode == nil {
			return nil, fmt.Errorf("graph: %s without payload", c.Tag)
		}
		w.ID = c.UpdateNode.ID
		u := c.UpdateNode.Updates
		w.Updates = &u
	case CmdAddEdge:
		if c.AddEdge == nil {
			return nil, fmt.Errorf("graph: %s without payload", c.Tag)
		}
		w.Source = c.AddEdge.Source
		w.Target = c.AddEdge.Target
		w.Relation = c.AddEdge.Relation
		w.Confidence = c.AddEdge.Confidence
	case CmdDeprecateNode:
		if c.Deprecate == nil {
			return nil, fmt.Errorf("graph: %s without payload", c.Tag)
		}
		w.ID = c.Deprecate.ID
		w.Reason = c.Deprecate.Reason
	case CmdAddCausalNode:
		if c.AddCausalNode == nil {
			return nil, fmt.Errorf("graph: %s without payload", c.Tag)
		}
		w.Variant = string(c.AddCausalNode.Variant)
		raw, err := marshalCausalFields(c.AddCausalNode.Fields)
		if err != nil {
			return nil, err
		}
		w.Fields = raw
	case CmdAddCausalEdge:
		if c.AddCausalEdge == nil {
			return nil, fmt.Errorf("graph: %s without payload", c.Tag)
		}
		w.Source = c.AddCausalEdge.Source
		w.Target = c.AddCausalEdge.Target
		w.Relation = string(c.AddCausalEdge.Relation)
		conf := c.AddCausalEdge.Confidence
		w.Confidence = &conf
	default:
		return nil, fmt.Errorf("graph: unknown command tag %q", c.Tag)
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the flat wire format and validates the tag and the
// presence of required fields.
func (c *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func fromWire(w wireCommand) (Command, error) {
	switch CommandTag(w.Command) {
	case CmdAddNode:
		if w.NodeData == nil {
			return Command{}, fmt.Errorf("ADD_NODE: missing node_data")
		}
		if strings.TrimSpace(w.NodeData.ID) == "" {
			return Command{}, fmt.Errorf("ADD_NODE: empty node id")
		}
		if w.NodeData.Kind == "" {
			w.NodeData.Kind = KindTask
		}
		if w.NodeData.Kind != KindTask && w.NodeData.Kind != KindAction {
			return Command{}, fmt.Errorf("ADD_NODE: kind %q not allowed", w.NodeData.Kind)
		}
		return Command{Tag: CmdAddNode, AddNode: &AddNode{NodeData: *w.NodeData}}, nil
	case CmdUpdateNode:
		if w.ID == "" {
			return Command{}, fmt.Errorf("UPDATE_NODE: missing id")
		}
		if w.Updates == nil {
			return Command{}, fmt.Errorf("UPDATE_NODE: missing updates")
		}
		return Command{Tag: CmdUpdateNode, UpdateNode: &UpdateNode{ID: w.ID, Updates: *w.Updates}}, nil
	case CmdAddEdge:
		if w.Source == "" || w.Target == "" {
			return Command{}, fmt.Errorf("ADD_EDGE: missing source or target")
		}
		return Command{Tag: CmdAddEdge, AddEdge: &AddEdge{
			Source: w.Source, Target: w.Target, Relation: w.Relation, Confidence: w.Confidence,
		}}, nil
	case CmdDeprecateNode:
		if w.ID == "" {
			return Command{}, fmt.Errorf("DEPRECATE_NODE: missing id")
		}
		return Command{Tag: CmdDeprecateNode, Deprecate: &DeprecateNode{ID: w.ID, Reason: w.Reason}}, nil
	case CmdAddCausalNode:
		v := CausalVariant(w.Variant)
		if !ValidVariant(v) {
			return Command{}, fmt.Errorf("ADD_CAUSAL_NODE: unknown variant %q", w.Variant)
		}
		fields, err := unmarshalCausalFields(w.Fields)
		if err != nil {
			return Command{}, fmt.Errorf("ADD_CAUSAL_NODE: %w", err)
		}
		return Command{Tag: CmdAddCausalNode, AddCausalNode: &AddCausalNode{Variant: v, Fields: fields}}, nil
	case CmdAddCausalEdge:
		if w.Source == "" || w.Target == "" {
			return Command{}, fmt.Errorf("ADD_CAUSAL_EDGE: missing source or target")
		}
		r := CausalRelation(strings.ToLower(w.Relation))
		if !ValidRelation(r) {
			return Command{}, fmt.Errorf("ADD_CAUSAL_EDGE: unknown relation %q", w.Relation)
		}
		conf := 1.0
		if w.Confidence != nil {
			conf = *w.Confidence
		}
		return Command{Tag: CmdAddCausalEdge, AddCausalEdge: &AddCausalEdge{
			Source: w.Source, Target: w.Target, Relation: r, Confidence: conf,
		}}, nil
	}
	return Command{}, fmt.Errorf("unknown command %q", w.Command)
}

// ParseCommands decodes a JSON array of wire commands, validating each.
// The error reports the index of the first malformed command.
func ParseCommands(raw json.RawMessage) ([]Command, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("graph: commands not an array: %w", err)
	}
	cmds := make([]Command, 0, len(items))
	for i, item := range items {
		var c Command
		if err := json.Unmarshal(item, &c); err != nil {
			return nil, fmt.Errorf("graph: command %d: %w", i, err)
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}

// known keys of CausalFields on the wire; everything else goes to Extra.
var causalFieldKeys = map[string]struct{}{
	"id": {}, "description": {}, "confidence": {}, "source_action_id": {},
}

func unmarshalCausalFields(raw json.RawMessage) (CausalFields, error) {
	var f CausalFields
	if len(raw) == 0 {
		return f, fmt.Errorf("missing fields")
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return f, err
	}
	for k := range causalFieldKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		f.Extra = all
	}
	return f, nil
}

func marshalCausalFields(f CausalFields) (json.RawMessage, error) {
	all := make(map[string]any, len(f.Extra)+4)
	for k, v := range f.Extra {
		all[k] = v
	}
	if f.ID != "" {
		all["id"] = f.ID
	}
	all["description"] = f.Description
	if f.Confidence != 0 {
		all["confidence"] = f.Confidence
	}
	if f.SourceActionID != "" {
		all["source_action_id"] = f.SourceActionID
	}
	return json.Marshal(all)
}
