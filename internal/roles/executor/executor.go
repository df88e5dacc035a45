// Package executor implements the tactical reasoning role. One executor
// instance drives one subtask: a bounded loop of think, invoke tools through
// the tool host, observe. Every invocation is recorded as an action node
// under the subtask, and findings are staged for the reflector's audit
// rather than written to the belief graph directly.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/toolhost"
	"github.com/redgraph/redgraph/internal/types"
)

const (
	// MaxSteps bounds one subtask's think-act loop.
	MaxSteps = 8
	// repeatFailureThreshold ends the subtask when the same failing action
	// repeats this many times in a row.
	repeatFailureThreshold = 3
	// consecutiveFailureThreshold ends the subtask after this many steps in
	// a row where every tool call failed.
	consecutiveFailureThreshold = 3

	// historyByteBudget triggers compression of old turns.
	historyByteBudget = 24000
	// recentKeep turns survive compression verbatim.
	recentKeep = 6

	// HaltTool is the meta-tool the model may call to give up on a subtask
	// it judges unachievable. It never reaches the tool host.
	HaltTool = "halt_task"
)

// Asker is the LLM surface the executor needs. Satisfied by *llm.Client.
type Asker interface {
	Ask(ctx context.Context, role types.Role, messages []llm.ChatMsg, schema *jsonschema.Schema, out any) error
}

// EmitFunc publishes execution events. May be nil.
type EmitFunc func(kind types.EventKind, data map[string]any)

// Report is the executor's account of one subtask run. It is input to the
// reflector's audit; the executor never sets the subtask's final status.
type Report struct {
	TaskID  string
	Steps   int
	Summary string
	Staged  []graph.CausalNodeSpec

	Completed bool // executor's own claim, subject to audit
	Aborted   bool // context cancelled mid-run
	Halted    bool // model invoked halt_task

	// Set when the run ended without a completion claim.
	FailureHint    string
	SuggestedLevel types.FailureLevel
}

// Executor runs subtasks against one store and tool host.
type Executor struct {
	ask    Asker
	store  *graph.Store
	tools  toolhost.Host
	emit   EmitFunc
	logger *slog.Logger

	maxSteps int
}

// New builds an executor. emit and logger may be nil.
func New(ask Asker, store *graph.Store, tools toolhost.Host, emit EmitFunc, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ask: ask, store: store, tools: tools, emit: emit, logger: logger, maxSteps: MaxSteps}
}

var replySchema = llm.MustSchema(`{
	"type": "object",
	"required": ["thought"],
	"properties": {
		"thought": {"type": "string"},
		"execution_operations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool"],
				"properties": {
					"tool": {"type": "string"},
					"args": {"type": "object"}
				}
			}
		},
		"is_subtask_complete": {"type": "boolean"},
		"summary": {"type": "string"},
		"staged_causal_nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["variant", "description"],
				"properties": {
					"variant": {"type": "string"},
					"description": {"type": "string"},
					"confidence": {"type": "number"},
					"fields": {"type": "object"}
				}
			}
		}
	}
}`)

var summarySchema = llm.MustSchema(`{
	"type": "object",
	"required": ["summary"],
	"properties": {"summary": {"type": "string"}}
}`)

type toolOp struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type reply struct {
	Thought           string                 `json:"thought"`
	Operations        []toolOp               `json:"execution_operations"`
	IsSubtaskComplete bool                   `json:"is_subtask_complete"`
	Summary           string                 `json:"summary"`
	StagedNodes       []graph.CausalNodeSpec `json:"staged_causal_nodes"`
}

const systemPromptFmt = `You are the hands-on operator of an autonomous security assessment agent.
You work on exactly one subtask by invoking tools and reading their output.
You do not plan new subtasks and you do not modify the task graph.

Available tools:
%s
One extra meta-tool is always available:
- halt_task: give up on this subtask. args: {"reason": "why it cannot be done"}

Respond with ONLY a JSON object:
{
  "thought": "your tactical reasoning",
  "execution_operations": [{"tool": "tool_name", "args": { ... }}],
  "is_subtask_complete": false,
  "summary": "filled in when is_subtask_complete is true",
  "staged_causal_nodes": [{"variant": "key_fact|evidence|hypothesis|vulnerability", "description": "...", "confidence": 0.7}]
}

Rules:
- Issue at most a few operations per turn; read the observations before acting again.
- Record every concrete discovery as a staged causal node. Facts you do not
  record are lost when this subtask ends.
- Set is_subtask_complete true only once the completion criteria are met,
  with a summary of what was achieved and how.
- Do not repeat an action that already failed with the same arguments.`

// RunSubtask drives the subtask with the given id until it completes, fails,
// exhausts its step budget, or ctx is cancelled.
func (e *Executor) RunSubtask(ctx context.Context, taskID string) Report {
	rep := Report{TaskID: taskID}

	task, ok := e.store.Task(taskID)
	if !ok {
		rep.FailureHint = fmt.Sprintf("task %q not in graph", taskID)
		rep.SuggestedLevel = types.FailureFatal
		return rep
	}

	tools, err := e.tools.ListTools(ctx)
	if err != nil {
		rep.FailureHint = fmt.Sprintf("tool inventory unavailable: %v", err)
		rep.SuggestedLevel = types.FailureToolTransport
		return rep
	}
	system := fmt.Sprintf(systemPromptFmt, toolhost.RenderToolDoc(tools))

	history := []llm.ChatMsg{{Role: "user", Content: e.openingPrompt(task)}}

	var lastFailSig string
	repeatStreak := 0
	failedSteps := 0

	for step := 0; step < e.maxSteps; step++ {
		if ctx.Err() != nil {
			rep.Aborted = true
			return rep
		}
		history = e.compressHistory(ctx, history)

		var r reply
		msgs := append([]llm.ChatMsg{{Role: "system", Content: system}}, history...)
		if err := e.ask.Ask(ctx, types.RoleExecutor, msgs, replySchema, &r); err != nil {
			if types.KindOf(err) == types.ErrCancelled {
				rep.Aborted = true
				return rep
			}
			rep.Steps = step
			rep.FailureHint = fmt.Sprintf("executor reasoning failed: %v", err)
			switch types.KindOf(err) {
			case types.ErrValidation:
				// Exhausted correction retries: the model cannot produce a
				// usable reply, retrying the whole subtask will not help.
				rep.SuggestedLevel = types.FailureReasoning
			case types.ErrTransport:
				rep.SuggestedLevel = types.FailureToolTransport
			default:
				rep.SuggestedLevel = types.FailureTransient
			}
			return rep
		}
		rep.Steps = step + 1
		rep.Staged = append(rep.Staged, r.StagedNodes...)
		history = append(history, llm.ChatMsg{Role: "assistant", Content: assistantTurn(r)})

		if r.IsSubtaskComplete {
			rep.Completed = true
			rep.Summary = r.Summary
			if rep.Summary == "" {
				rep.Summary = r.Thought
			}
			return rep
		}
		if len(r.Operations) == 0 {
			history = append(history, llm.ChatMsg{Role: "user",
				Content: "You issued no operations and did not complete the subtask. Invoke a tool, complete, or halt."})
			continue
		}

		stepHadSuccess := false
		var observations []string
		for _, op := range r.Operations {
			if strings.EqualFold(op.Tool, HaltTool) {
				rep.Halted = true
				rep.Summary = r.Summary
				rep.FailureHint = haltReason(op.Args)
				rep.SuggestedLevel = types.FailureInfeasible
				return rep
			}
			res, runErr := e.runAction(ctx, taskID, op)
			if runErr != nil {
				if ctx.Err() != nil {
					rep.Aborted = true
					return rep
				}
				res = toolhost.Result{Output: runErr.Error(), IsError: true}
			}
			observations = append(observations, fmt.Sprintf("[%s] %s", op.Tool, res.Output))

			sig := actionSignature(op.Tool, op.Args)
			if res.IsError {
				if sig == lastFailSig {
					repeatStreak++
				} else {
					lastFailSig, repeatStreak = sig, 1
				}
				if repeatStreak >= repeatFailureThreshold {
					rep.FailureHint = fmt.Sprintf("repeated the same failing action %d times: %s", repeatStreak, op.Tool)
					rep.SuggestedLevel = types.FailureToolMisuse
					return rep
				}
			} else {
				stepHadSuccess = true
				lastFailSig, repeatStreak = "", 0
			}
		}
		if stepHadSuccess {
			failedSteps = 0
		} else {
			failedSteps++
			if failedSteps >= consecutiveFailureThreshold {
				rep.FailureHint = fmt.Sprintf("%d consecutive steps with every tool call failing", failedSteps)
				rep.SuggestedLevel = types.FailureToolTransport
				return rep
			}
		}
		history = append(history, llm.ChatMsg{Role: "user", Content: strings.Join(observations, "\n\n")})
	}

	rep.FailureHint = fmt.Sprintf("step budget of %d exhausted without completion", e.maxSteps)
	rep.SuggestedLevel = types.FailureReasoning
	return rep
}

// runAction records one tool invocation as an action node, performs it, and
// writes the outcome back.
func (e *Executor) runAction(ctx context.Context, taskID string, op toolOp) (toolhost.Result, error) {
	actionID := uuid.NewString()
	inProgress := graph.StatusInProgress
	res := e.store.Apply([]graph.Command{
		{Tag: graph.CmdAddNode, AddNode: &graph.AddNode{NodeData: graph.NodeData{
			ID:          actionID,
			Kind:        graph.KindAction,
			Parent:      taskID,
			Description: fmt.Sprintf("invoke %s", op.Tool),
			ToolName:    op.Tool,
			ToolArgs:    op.Args,
		}}},
		{Tag: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNode{
			ID: actionID, Updates: graph.NodeUpdates{Status: &inProgress},
		}},
	})
	if !res.OK {
		return toolhost.Result{}, types.Errorf(types.ErrInvariant, "executor",
			"record action: %s", res.Rejected[0].String())
	}

	out, err := e.tools.CallTool(ctx, op.Tool, op.Args)

	final := graph.StatusCompleted
	result := "success"
	if err != nil {
		final, result = graph.StatusFailed, fmt.Sprintf("error: %v", err)
		if ctx.Err() != nil {
			// Cancellation is not a tool failure; the in-flight action
			// finishes as aborted.
			final, result = graph.StatusAborted, "aborted"
		}
		out.Output = result
	} else if out.IsError {
		final, result = graph.StatusFailed, "tool reported failure"
	}
	upd := e.store.Apply([]graph.Command{{Tag: graph.CmdUpdateNode, UpdateNode: &graph.UpdateNode{
		ID: actionID,
		Updates: graph.NodeUpdates{
			Status:      &final,
			Result:      &result,
			Observation: &out.Output,
		},
	}}})
	if !upd.OK {
		e.logger.Error("action outcome rejected by store", "action", actionID, "rejection", upd.Rejected[0].String())
	}
	if e.emit != nil {
		e.emit(types.EventStepCompleted, map[string]any{
			"task_id":   taskID,
			"action_id": actionID,
			"tool":      op.Tool,
			"status":    string(final),
			"truncated": out.Truncated,
		})
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

func (e *Executor) openingPrompt(task graph.TaskNode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subtask: %s\n", task.Description)
	if task.CompletionCriteria != "" {
		fmt.Fprintf(&sb, "Completion criteria: %s\n", task.CompletionCriteria)
	}
	snap := e.store.Snapshot()
	fmt.Fprintf(&sb, "\nRelevant findings so far:\n%s\n", snap.RelevantCausalContext(task.ID, 6000))
	sb.WriteString("\nBegin.")
	return sb.String()
}

// compressHistory keeps the opening prompt and the newest turns verbatim and
// asks the model to fold everything between into one summary turn.
func (e *Executor) compressHistory(ctx context.Context, history []llm.ChatMsg) []llm.ChatMsg {
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	if total <= historyByteBudget || len(history) <= recentKeep+1 {
		return history
	}
	head, middle, tail := history[0], history[1:len(history)-recentKeep], history[len(history)-recentKeep:]

	var sb strings.Builder
	sb.WriteString("Summarize the following execution transcript. Preserve every concrete finding, credential, path, and error cause. Be brief about everything else.\n\n")
	for _, m := range middle {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	err := e.ask.Ask(ctx, types.RoleExecutor, []llm.ChatMsg{{Role: "user", Content: sb.String()}}, summarySchema, &out)
	if err != nil {
		e.logger.Warn("history compression failed, truncating instead", "error", err)
		return append([]llm.ChatMsg{head}, tail...)
	}
	compressed := llm.ChatMsg{Role: "user", Content: "Summary of earlier steps:\n" + out.Summary}
	return append([]llm.ChatMsg{head, compressed}, tail...)
}

func assistantTurn(r reply) string {
	b, err := json.Marshal(r)
	if err != nil {
		return r.Thought
	}
	return string(b)
}

func haltReason(args map[string]any) string {
	if s, ok := args["reason"].(string); ok && s != "" {
		return s
	}
	return "executor judged the subtask unachievable"
}

// actionSignature normalizes a tool invocation for repeat detection: the
// tool name lowercased, arguments re-marshalled with sorted keys, and string
// values whitespace-collapsed.
func actionSignature(tool string, args map[string]any) string {
	b, err := json.Marshal(normalizeValue(args))
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	return strings.ToLower(strings.TrimSpace(tool)) + ":" + string(b)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.Join(strings.Fields(t), " ")
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
