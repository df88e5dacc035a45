// Package planner implements the strategic reasoning role. The planner sees
// both graphs and proposes a batch of mutation commands that decomposes the
// goal, repairs failures, or declares the mission accomplished.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/types"
)

// Asker is the LLM surface the planner needs. Satisfied by *llm.Client.
type Asker interface {
	Ask(ctx context.Context, role types.Role, messages []llm.ChatMsg, schema *jsonschema.Schema, out any) error
}

// Input is everything one planning round sees.
type Input struct {
	Goal           string
	Snapshot       graph.Snapshot
	RecentFailures []string
	Guidance       string // human feedback from a rejected batch
	Background     string // retrieved knowledge, may be empty
	First          bool   // no plan exists yet
}

// Decision is one planning round's output.
type Decision struct {
	Thought      string
	Commands     []graph.Command
	RawCommands  json.RawMessage
	GoalAchieved bool
}

// Planner drives one LLM tier.
type Planner struct {
	ask Asker
}

func New(ask Asker) *Planner { return &Planner{ask: ask} }

var replySchema = llm.MustSchema(`{
	"type": "object",
	"required": ["thought", "graph_operations"],
	"properties": {
		"thought": {"type": "string"},
		"graph_operations": {"type": "array", "items": {"type": "object"}},
		"goal_achieved": {"type": "boolean"}
	}
}`)

const systemPrompt = `You are the strategic planner of an autonomous security assessment agent.
You decompose the mission into a dependency graph of subtasks and adapt the
plan as evidence accumulates. You never execute tools yourself.

Respond with ONLY a JSON object:
{
  "thought": "your strategic reasoning",
  "graph_operations": [ ... mutation commands ... ],
  "goal_achieved": false
}

Mutation commands (each an object with a "command" field):
- {"command":"ADD_NODE","node_data":{"id":"t1","kind":"task","description":"...","completion_criteria":"...","dependencies":["t0"],"parent":"root"}}
- {"command":"UPDATE_NODE","id":"t1","updates":{"description":"...","dependencies":["t0"]}}
- {"command":"ADD_EDGE","source":"t0","target":"t1"}
- {"command":"DEPRECATE_NODE","id":"t1","reason":"..."}

Rules:
- Node ids must be new and unique for ADD_NODE.
- Dependencies must not form cycles.
- Never change a completed, failed, or deprecated task; add new tasks instead.
- Prefer independent tasks so they can run in parallel.
- Set goal_achieved true only when the graph already contains proof the
  mission is complete; emit no operations in that case.`

type reply struct {
	Thought         string          `json:"thought"`
	GraphOperations json.RawMessage `json:"graph_operations"`
	GoalAchieved    bool            `json:"goal_achieved"`
}

// Plan runs one planning round. The first round must produce at least one
// task; an empty first plan is a validation error.
func (p *Planner) Plan(ctx context.Context, in Input) (Decision, error) {
	var r reply
	msgs := []llm.ChatMsg{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: renderPrompt(in)},
	}
	if err := p.ask.Ask(ctx, types.RolePlanner, msgs, replySchema, &r); err != nil {
		return Decision{}, err
	}
	cmds, err := graph.ParseCommands(r.GraphOperations)
	if err != nil {
		return Decision{}, types.WrapError(types.ErrValidation, "planner", err)
	}
	if in.First && countAddTask(cmds) == 0 && !r.GoalAchieved {
		return Decision{}, types.Errorf(types.ErrValidation, "planner", "initial plan contains no tasks")
	}
	return Decision{
		Thought:      r.Thought,
		Commands:     cmds,
		RawCommands:  r.GraphOperations,
		GoalAchieved: r.GoalAchieved,
	}, nil
}

func countAddTask(cmds []graph.Command) int {
	n := 0
	for _, c := range cmds {
		if c.Tag == graph.CmdAddNode && c.AddNode.NodeData.Kind != graph.KindAction {
			n++
		}
	}
	return n
}

func renderPrompt(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mission: %s\n\n", in.Goal)
	if in.Background != "" {
		sb.WriteString(in.Background)
		sb.WriteByte('\n')
	}
	if in.First {
		sb.WriteString("No plan exists yet. Produce the initial task decomposition.\n")
	} else {
		sb.WriteString("Current task graph:\n")
		sb.WriteString(in.Snapshot.TaskSummary(8000))
		sb.WriteString("\nCurrent findings:\n")
		sb.WriteString(in.Snapshot.CausalSummary(8000))
		sb.WriteByte('\n')
	}
	if len(in.RecentFailures) > 0 {
		sb.WriteString("Recent failures:\n")
		for _, f := range in.RecentFailures {
			sb.WriteString("  " + f + "\n")
		}
	}
	if in.Guidance != "" {
		fmt.Fprintf(&sb, "Operator guidance on your previous proposal: %s\n", in.Guidance)
	}
	sb.WriteString("\nPropose the next batch of graph operations.")
	return sb.String()
}
