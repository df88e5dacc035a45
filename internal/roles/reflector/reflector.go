// Package reflector implements the audit role. After a subtask run it
// verifies the executor's completion claim against the recorded actions,
// commits audited findings to the belief graph, adjusts hypothesis
// confidence, and attributes failures to a level the scheduler can act on.
package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/roles/executor"
	"github.com/redgraph/redgraph/internal/types"
)

// Confidence deltas applied to audited hypotheses, clamped to [0.05, 0.95].
const (
	deltaSupported = 0.15
	deltaWeakened  = -0.15
	deltaRefuted   = -0.20

	confidenceFloor = 0.05
	confidenceCeil  = 0.95
)

// Asker is the LLM surface the reflector needs. Satisfied by *llm.Client.
type Asker interface {
	Ask(ctx context.Context, role types.Role, messages []llm.ChatMsg, schema *jsonschema.Schema, out any) error
}

// Verdict is the audit's judgement of a subtask run.
type Verdict string

const (
	VerdictPassed       Verdict = "passed"
	VerdictFailed       Verdict = "failed"
	VerdictInconclusive Verdict = "inconclusive"
)

// Audit is the structured review of one run.
type Audit struct {
	Verdict         Verdict  `json:"verdict"`
	CompletionCheck string   `json:"completion_check"`
	LogicIssues     []string `json:"logic_issues,omitempty"`
}

// Failure attributes a failed run.
type Failure struct {
	Level     types.FailureLevel
	Rationale string
}

// Outcome is everything one reflection produces.
type Outcome struct {
	Thought             string
	Audit               Audit
	CausalUpdates       []graph.Command
	Failure             *Failure
	MissionAccomplished bool
	AttackIntelligence  string
}

// Input is one reflection's evidence.
type Input struct {
	Goal     string
	Task     graph.TaskNode
	Report   executor.Report
	Snapshot graph.Snapshot
}

// Reflector drives one LLM tier.
type Reflector struct {
	ask Asker
}

func New(ask Asker) *Reflector { return &Reflector{ask: ask} }

var replySchema = llm.MustSchema(`{
	"type": "object",
	"required": ["thought", "audit"],
	"properties": {
		"thought": {"type": "string"},
		"audit": {
			"type": "object",
			"required": ["verdict"],
			"properties": {
				"verdict": {"enum": ["passed", "failed", "inconclusive"]},
				"completion_check": {"type": "string"},
				"logic_issues": {"type": "array", "items": {"type": "string"}}
			}
		},
		"causal_operations": {"type": "array", "items": {"type": "object"}},
		"hypothesis_updates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "assessment"],
				"properties": {
					"id": {"type": "string"},
					"assessment": {"enum": ["supported", "weakened", "refuted"]}
				}
			}
		},
		"failure": {
			"type": "object",
			"required": ["level", "rationale"],
			"properties": {
				"level": {"enum": ["L0", "L1", "L2", "L3", "L4", "L5"]},
				"rationale": {"type": "string"}
			}
		},
		"mission_accomplished": {"type": "boolean"},
		"attack_intelligence": {"type": "string"}
	}
}`)

const systemPrompt = `You are the auditor of an autonomous security assessment agent.
An operator just finished working on one subtask. Judge the run on the
recorded actions and observations, not on the operator's claims.

Respond with ONLY a JSON object:
{
  "thought": "your review",
  "audit": {"verdict": "passed|failed|inconclusive", "completion_check": "how the criteria were or were not met", "logic_issues": ["..."]},
  "causal_operations": [ ... ADD_CAUSAL_NODE / ADD_CAUSAL_EDGE / UPDATE_NODE / DEPRECATE_NODE commands ... ],
  "hypothesis_updates": [{"id": "...", "assessment": "supported|weakened|refuted"}],
  "failure": {"level": "L0-L5", "rationale": "..."},
  "mission_accomplished": false,
  "attack_intelligence": "transferable technique notes, if any"
}

Causal commands:
- {"command":"ADD_CAUSAL_NODE","variant":"key_fact|evidence|hypothesis|vulnerability","fields":{"description":"...","confidence":0.8,"source_action_id":"..."}}
- {"command":"ADD_CAUSAL_EDGE","source":"...","target":"...","relation":"supports|contradicts|validates|exploits|reveals|mitigates","confidence":0.8}

Rules:
- verdict passed requires evidence in the observations that the completion
  criteria were met.
- Commit only staged findings the observations actually support; tie each to
  its source action via source_action_id.
- failure is required when the verdict is failed. Levels: L0 transient
  environment, L1 tool transport, L2 wrong tool use, L3 flawed reasoning,
  L4 goal infeasible, L5 unrecoverable.
- mission_accomplished true only if the overall mission goal is now proven
  complete.`

type reply struct {
	Thought           string          `json:"thought"`
	Audit             Audit           `json:"audit"`
	CausalOperations  json.RawMessage `json:"causal_operations"`
	HypothesisUpdates []struct {
		ID         string `json:"id"`
		Assessment string `json:"assessment"`
	} `json:"hypothesis_updates"`
	Failure *struct {
		Level     string `json:"level"`
		Rationale string `json:"rationale"`
	} `json:"failure"`
	MissionAccomplished bool   `json:"mission_accomplished"`
	AttackIntelligence  string `json:"attack_intelligence"`
}

// Reflect audits one subtask run.
func (r *Reflector) Reflect(ctx context.Context, in Input) (Outcome, error) {
	var rep reply
	msgs := []llm.ChatMsg{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: renderPrompt(in)},
	}
	if err := r.ask.Ask(ctx, types.RoleReflector, msgs, replySchema, &rep); err != nil {
		return Outcome{}, err
	}

	cmds, err := graph.ParseCommands(rep.CausalOperations)
	if err != nil {
		return Outcome{}, types.WrapError(types.ErrValidation, "reflector", err)
	}
	cmds = dedupeAgainstGraph(cmds, in.Snapshot)
	cmds = append(cmds, hypothesisCommands(rep, in.Snapshot)...)

	out := Outcome{
		Thought:             rep.Thought,
		Audit:               rep.Audit,
		CausalUpdates:       cmds,
		MissionAccomplished: rep.MissionAccomplished,
		AttackIntelligence:  rep.AttackIntelligence,
	}
	if rep.Failure != nil {
		lvl, perr := types.ParseFailureLevel(rep.Failure.Level)
		if perr != nil {
			return Outcome{}, types.WrapError(types.ErrValidation, "reflector", perr)
		}
		out.Failure = &Failure{Level: lvl, Rationale: rep.Failure.Rationale}
	}
	if out.Audit.Verdict == VerdictFailed && out.Failure == nil {
		// The audit must attribute its own failure; fall back to the
		// executor's hint.
		out.Failure = &Failure{Level: in.Report.SuggestedLevel, Rationale: in.Report.FailureHint}
		if out.Failure.Rationale == "" {
			out.Failure.Rationale = "audit rejected the completion claim"
			out.Failure.Level = types.FailureReasoning
		}
	}
	return out, nil
}

// dedupeAgainstGraph drops ADD_CAUSAL_NODE commands whose variant and
// normalized description already exist as an active node, so re-discovered
// facts do not pile up.
func dedupeAgainstGraph(cmds []graph.Command, snap graph.Snapshot) []graph.Command {
	seen := make(map[string]struct{}, len(snap.Causal))
	for _, n := range snap.Causal {
		if !n.Deprecated {
			seen[descKey(n.Variant, n.Description)] = struct{}{}
		}
	}
	out := cmds[:0]
	for _, c := range cmds {
		if c.Tag == graph.CmdAddCausalNode {
			key := descKey(c.AddCausalNode.Variant, c.AddCausalNode.Fields.Description)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}

func descKey(v graph.CausalVariant, desc string) string {
	return string(v) + "|" + strings.Join(strings.Fields(strings.ToLower(desc)), " ")
}

// hypothesisCommands turns audit assessments into clamped confidence updates
// on existing hypothesis nodes.
func hypothesisCommands(rep reply, snap graph.Snapshot) []graph.Command {
	var out []graph.Command
	for _, hu := range rep.HypothesisUpdates {
		n, ok := snap.CausalNodeByID(hu.ID)
		if !ok || n.Deprecated {
			continue
		}
		var delta float64
		switch hu.Assessment {
		case "supported":
			delta = deltaSupported
		case "weakened":
			delta = deltaWeakened
		case "refuted":
			delta = deltaRefuted
		default:
			continue
		}
		conf := n.Confidence + delta
		if conf < confidenceFloor {
			conf = confidenceFloor
		}
		if conf > confidenceCeil {
			conf = confidenceCeil
		}
		if conf == n.Confidence {
			continue
		}
		upd := graph.NodeUpdates{Confidence: &conf}
		if conf < n.Confidence {
			upd.Rationale = fmt.Sprintf("audit assessed hypothesis as %s", hu.Assessment)
		}
		out = append(out, graph.Command{
			Tag:        graph.CmdUpdateNode,
			UpdateNode: &graph.UpdateNode{ID: hu.ID, Updates: upd},
		})
	}
	return out
}

func renderPrompt(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mission: %s\n\n", in.Goal)
	fmt.Fprintf(&sb, "Subtask: %s\n", in.Task.Description)
	if in.Task.CompletionCriteria != "" {
		fmt.Fprintf(&sb, "Completion criteria: %s\n", in.Task.CompletionCriteria)
	}
	fmt.Fprintf(&sb, "\nOperator claim: completed=%v", in.Report.Completed)
	if in.Report.Summary != "" {
		fmt.Fprintf(&sb, " — %s", in.Report.Summary)
	}
	sb.WriteByte('\n')
	if in.Report.Halted {
		fmt.Fprintf(&sb, "Operator halted the subtask: %s\n", in.Report.FailureHint)
	} else if in.Report.FailureHint != "" {
		fmt.Fprintf(&sb, "Run ended early: %s (suggested %s)\n", in.Report.FailureHint, in.Report.SuggestedLevel)
	}

	sb.WriteString("\nRecorded actions:\n")
	actions := 0
	for _, n := range in.Snapshot.Tasks {
		if n.Kind != graph.KindAction || n.Parent != in.Task.ID {
			continue
		}
		actions++
		args, _ := json.Marshal(n.ToolArgs)
		fmt.Fprintf(&sb, "- [%s] %s %s -> %s\n  observation: %s\n", n.ID, n.ToolName, args, n.Status, n.Observation)
	}
	if actions == 0 {
		sb.WriteString("(none)\n")
	}

	if len(in.Report.Staged) > 0 {
		sb.WriteString("\nStaged findings awaiting your audit:\n")
		for _, s := range in.Report.Staged {
			fmt.Fprintf(&sb, "- %s: %s (confidence %.2f, source %s)\n", s.Variant, s.Description, s.Confidence, s.SourceActionID)
		}
	}

	sb.WriteString("\nActive hypotheses:\n")
	hyps := 0
	for _, n := range in.Snapshot.Causal {
		if n.Variant == graph.VariantHypothesis && !n.Deprecated {
			hyps++
			fmt.Fprintf(&sb, "- [%s] %s (confidence %.2f)\n", n.ID, n.Description, n.Confidence)
		}
	}
	if hyps == 0 {
		sb.WriteString("(none)\n")
	}
	sb.WriteString("\nAudit the run.")
	return sb.String()
}
