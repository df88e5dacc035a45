// Package scheduler drives the plan-execute-reflect loop for one operation
// and manages the set of live operations. The scheduler owns all lifecycle
// decisions: roles propose, the graph store disposes, and the scheduler
// routes what remains — retries, re-plans, stalls, and termination.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redgraph/redgraph/internal/broker"
	"github.com/redgraph/redgraph/internal/checkpoint"
	"github.com/redgraph/redgraph/internal/gate"
	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/oplog"
	"github.com/redgraph/redgraph/internal/rag"
	"github.com/redgraph/redgraph/internal/roles/executor"
	"github.com/redgraph/redgraph/internal/roles/planner"
	"github.com/redgraph/redgraph/internal/roles/reflector"
	"github.com/redgraph/redgraph/internal/types"
)

const (
	// maxAutoRetries bounds L0/L1 reopen-and-retry per task before the
	// failure escalates to a re-plan.
	maxAutoRetries = 2
	// maxPlanRejections bounds consecutive store rejections of plan batches
	// before the operation fails.
	maxPlanRejections = 3
	// maxPlanErrors bounds consecutive planner call failures.
	maxPlanErrors = 3
	// recentFailureWindow shown to the planner.
	recentFailureWindow = 5
	// maxConsecutiveInconclusive audits on distinct tasks before the loop
	// stops dispatching and asks the planner to rethink the approach.
	maxConsecutiveInconclusive = 3

	heartbeatInterval = 15 * time.Second
)

// PlannerRole, ExecutorRole, and ReflectorRole are the reasoning surfaces
// the loop drives. Satisfied by the role packages; faked in tests.
type PlannerRole interface {
	Plan(ctx context.Context, in planner.Input) (planner.Decision, error)
}

type ExecutorRole interface {
	RunSubtask(ctx context.Context, taskID string) executor.Report
}

type ReflectorRole interface {
	Reflect(ctx context.Context, in reflector.Input) (reflector.Outcome, error)
}

// Deps wires an operation's collaborators. The factories run once per
// operation so each role binds to that operation's store and event topic;
// llmEmit routes the role's model-call events onto the operation's broker.
type Deps struct {
	NewPlanner   func(llmEmit llm.EmitFunc) PlannerRole
	NewExecutor  func(store *graph.Store, emit executor.EmitFunc, llmEmit llm.EmitFunc) ExecutorRole
	NewReflector func(llmEmit llm.EmitFunc) ReflectorRole

	Retriever   rag.Retriever     // may be nil
	Checkpoints *checkpoint.Store // may be nil
	LogDir      string            // oplog directory, "" disables
	Logger      *slog.Logger
}

// Operation is one live mission.
type Operation struct {
	ID      string
	Goal    string
	Options types.Options

	Broker *broker.Broker
	Store  *graph.Store
	Gate   *gate.Gate

	mu         sync.Mutex
	status     types.OperationStatus
	statusNote string
	totalSteps int

	cancel context.CancelFunc
	done   chan struct{}
	log    *oplog.Log
}

// Status returns the current lifecycle state and its note.
func (op *Operation) Status() (types.OperationStatus, string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status, op.statusNote
}

func (op *Operation) setStatus(s types.OperationStatus, note string) {
	op.mu.Lock()
	op.status = s
	op.statusNote = note
	op.mu.Unlock()
}

// Done closes when the loop has fully exited.
func (op *Operation) Done() <-chan struct{} { return op.done }

func (op *Operation) addSteps(n int) int {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.totalSteps += n
	return op.totalSteps
}

// loop is the per-operation driver.
type loop struct {
	op        *Operation
	deps      Deps
	planner   PlannerRole
	executor  ExecutorRole
	reflector ReflectorRole
	logger    *slog.Logger

	inconclusiveStreak   int
	lastInconclusiveTask string
}

type dispatchOutcome int

const (
	dispatchDrained dispatchOutcome = iota // every launched branch settled
	dispatchReplan                         // a failure needs planner attention
	dispatchMission                        // mission accomplished mid-execution
	dispatchFatal                          // L5, abort the operation
	dispatchAborted                        // context cancelled
	dispatchBudget                         // operation step budget exhausted
)

type runResult struct {
	taskID string
	report executor.Report
}

func (l *loop) emit(kind types.EventKind, role types.Role, data map[string]any) {
	ev := l.op.Broker.Publish(kind, role, data)
	l.op.log.Event(ev)
}

func (l *loop) phase(p types.Phase, detail string) {
	l.emit(types.EventPhaseChanged, "", map[string]any{"phase": string(p), "detail": detail})
	l.op.log.Phase(p, detail)
}

// run executes the loop to termination and records the final status.
func (l *loop) run(ctx context.Context) {
	defer close(l.op.done)
	status, note := l.drive(ctx)
	l.op.setStatus(status, note)
	metricOpsFinished.WithLabelValues(string(status)).Inc()
	switch status {
	case types.OpSucceeded:
		l.emit(types.EventMissionAccomplished, "", map[string]any{"note": note})
	case types.OpAborted, types.OpFailed:
		l.emit(types.EventOperationAborted, "", map[string]any{"status": string(status), "note": note})
	case types.OpStalled:
		l.emit(types.EventInterventionRequired, "", map[string]any{
			"reason": "operation stalled: no runnable tasks remain",
			"note":   note,
		})
	}
	l.checkpointNow()
	l.op.log.Close()
}

func (l *loop) drive(ctx context.Context) (types.OperationStatus, string) {
	guidance := ""
	first := true
	planRejections := 0
	planErrors := 0
	stallRetried := false

	for {
		if ctx.Err() != nil {
			return types.OpAborted, "cancelled"
		}

		l.phase(types.PhasePlanning, "")
		decision, err := l.plan(ctx, first, guidance)
		if err != nil {
			if types.KindOf(err) == types.ErrCancelled || ctx.Err() != nil {
				return types.OpAborted, "cancelled during planning"
			}
			planErrors++
			l.op.log.Error("plan", err)
			if planErrors >= maxPlanErrors {
				return types.OpFailed, fmt.Sprintf("planner failed %d times: %v", planErrors, err)
			}
			continue
		}
		planErrors = 0
		l.op.log.Thought(types.RolePlanner, decision.Thought)

		if decision.GoalAchieved {
			if ok, note := l.declareMission(); !ok {
				// The planner declared victory the graph does not support;
				// push back instead of terminating on a claim.
				guidance = note
				first = false
				continue
			}
			return types.OpSucceeded, "planner declared the goal achieved"
		}

		cmds, verdict := l.review(ctx, decision)
		switch verdict {
		case reviewAborted:
			return types.OpAborted, "cancelled during intervention"
		case reviewRejected:
			guidance = cmds.guidance
			first = false
			continue
		}

		if len(cmds.commands) > 0 {
			res := l.op.Store.Apply(cmds.commands)
			if !res.OK {
				planRejections++
				metricGraphRejections.Add(float64(len(res.Rejected)))
				guidance = fmt.Sprintf("your previous batch was rejected: %s", res.Rejected[0].String())
				l.op.log.Error("apply", fmt.Errorf("%s", res.Rejected[0].String()))
				if planRejections >= maxPlanRejections {
					return types.OpFailed, fmt.Sprintf("plan rejected %d times: %s", planRejections, res.Rejected[0].String())
				}
				first = false
				continue
			}
		}
		planRejections = 0
		guidance = ""
		first = false
		l.checkpointNow()

		l.phase(types.PhaseExecuting, "")
		outcome, ranAny, hint := l.dispatch(ctx)
		switch outcome {
		case dispatchAborted:
			return types.OpAborted, "cancelled during execution"
		case dispatchFatal:
			return types.OpFailed, hint
		case dispatchBudget:
			return types.OpFailed, hint
		case dispatchMission:
			l.declareMission()
			return types.OpSucceeded, hint
		case dispatchReplan:
			guidance = hint
			stallRetried = false
			continue
		}

		if l.op.Store.MissionAccomplished() {
			return types.OpSucceeded, "mission flag set on root"
		}
		if ranAny {
			stallRetried = false
			continue
		}

		// Nothing was runnable and nothing ran: either the plan is complete
		// and the planner must decide, or the operation is stuck. Either way
		// the planner gets exactly one repair round before the operation
		// parks as stalled.
		if stallRetried {
			return types.OpStalled, "no runnable tasks and re-planning produced none"
		}
		stallRetried = true
		allTerminal, hasTasks := l.op.Store.TopLevelTasksTerminal()
		if hasTasks && allTerminal {
			guidance = "every planned task is terminal; declare the goal achieved or plan further work"
			continue
		}
		guidance = "the graph has no runnable tasks: pending tasks are blocked by failed or deprecated dependencies; repair the plan"
	}
}

func (l *loop) plan(ctx context.Context, first bool, guidance string) (planner.Decision, error) {
	snap := l.op.Store.Snapshot()
	background := rag.Context(ctx, l.deps.Retriever, l.op.Goal, 5, l.logger)
	return l.planner.Plan(ctx, planner.Input{
		Goal:           l.op.Goal,
		Snapshot:       snap,
		RecentFailures: snap.RecentFailures(recentFailureWindow),
		Guidance:       guidance,
		Background:     background,
		First:          first,
	})
}

// declareMission marks the root accomplished and completed. Returns false
// with planner guidance when the transition is rejected.
func (l *loop) declareMission() (bool, string) {
	accomplished := true
	completed := graph.StatusCompleted
	res := l.op.Store.Apply([]graph.Command{{
		Tag: graph.CmdUpdateNode,
		UpdateNode: &graph.UpdateNode{ID: graph.RootID, Updates: graph.NodeUpdates{
			MissionAccomplished: &accomplished,
			Status:              &completed,
		}},
	}})
	if !res.OK {
		return false, fmt.Sprintf("goal_achieved rejected: %s", res.Rejected[0].String())
	}
	return true, ""
}

type reviewVerdict int

const (
	reviewApproved reviewVerdict = iota
	reviewRejected
	reviewAborted
)

type reviewedBatch struct {
	commands []graph.Command
	guidance string
}

// review runs the intervention gate over a plan batch.
func (l *loop) review(ctx context.Context, d planner.Decision) (reviewedBatch, reviewVerdict) {
	decision := l.op.Gate.Submit(ctx, d.Thought, d.RawCommands)
	switch decision.Action {
	case types.InterventionApprove:
		return reviewedBatch{commands: d.Commands}, reviewApproved
	case types.InterventionModify:
		cmds, err := graph.ParseCommands(decision.Commands)
		if err != nil {
			// A malformed human edit falls back to rejecting with the parse
			// error as guidance.
			return reviewedBatch{guidance: fmt.Sprintf("modified batch invalid: %v", err)}, reviewRejected
		}
		return reviewedBatch{commands: cmds}, reviewApproved
	default:
		if ctx.Err() != nil {
			return reviewedBatch{}, reviewAborted
		}
		g := decision.Guidance
		if g == "" {
			g = "the operator rejected the proposed batch"
		}
		return reviewedBatch{guidance: g}, reviewRejected
	}
}

// dispatch runs ready subtasks in parallel up to the operation's limit,
// reflecting on each completion, until every launched branch settles or a
// failure demands planner attention.
func (l *loop) dispatch(ctx context.Context) (outcome dispatchOutcome, ranAny bool, hint string) {
	results := make(chan runResult)
	inFlight := 0
	var replanHint string
	needReplan := false

	launchReady := func() {
		if needReplan {
			// Settle what is running but start nothing new once a re-plan
			// is pending.
			return
		}
		// Tasks reopened after a transient failure come back as ready and
		// relaunch within the same round.
		for _, id := range l.op.Store.ReadyTasks() {
			if inFlight >= l.op.Options.MaxParallel {
				break
			}
			if !l.markInProgress(id) {
				continue
			}
			inFlight++
			ranAny = true
			metricSubtaskRuns.Inc()
			go func(taskID string) {
				results <- runResult{taskID: taskID, report: l.executor.RunSubtask(ctx, taskID)}
			}(id)
		}
	}

	drainAbort := func() {
		for inFlight > 0 {
			<-results
			inFlight--
		}
	}

	for {
		launchReady()
		if inFlight == 0 {
			if needReplan {
				return dispatchReplan, ranAny, replanHint
			}
			return dispatchDrained, ranAny, ""
		}

		select {
		case <-ctx.Done():
			drainAbort()
			l.abortInProgress()
			return dispatchAborted, ranAny, ""
		case r := <-results:
			inFlight--
			total := l.op.addSteps(r.report.Steps)
			if total > l.op.Options.StepBudget {
				drainAbort()
				l.abortInProgress()
				return dispatchBudget, ranAny, fmt.Sprintf("step budget of %d exhausted", l.op.Options.StepBudget)
			}
			if r.report.Aborted {
				drainAbort()
				l.abortInProgress()
				return dispatchAborted, ranAny, ""
			}

			disposition := l.settle(ctx, r)
			switch disposition.kind {
			case settleFatal:
				drainAbort()
				l.abortInProgress()
				return dispatchFatal, ranAny, disposition.note
			case settleMission:
				drainAbort()
				return dispatchMission, ranAny, disposition.note
			case settleReplan:
				needReplan = true
				if replanHint == "" {
					replanHint = disposition.note
				}
			case settleAborted:
				drainAbort()
				l.abortInProgress()
				return dispatchAborted, ranAny, ""
			}
		}
	}
}

type settleKind int

const (
	settleContinue settleKind = iota
	settleReplan
	settleMission
	settleFatal
	settleAborted
)

type settlement struct {
	kind settleKind
	note string
}

// settle reflects on one finished run and applies the verdict. Each run is
// reflected exactly once; retried tasks are new runs.
func (l *loop) settle(ctx context.Context, r runResult) settlement {
	l.phase(types.PhaseReflecting, r.taskID)
	task, _ := l.op.Store.Task(r.taskID)

	out, err := l.reflector.Reflect(ctx, reflector.Input{
		Goal:     l.op.Goal,
		Task:     task,
		Report:   r.report,
		Snapshot: l.op.Store.Snapshot(),
	})
	if err != nil {
		if types.KindOf(err) == types.ErrCancelled || ctx.Err() != nil {
			return settlement{kind: settleAborted}
		}
		// Audit unavailable: fail the run as transient so a retry gets a
		// working reflector rather than trusting an unaudited claim.
		l.op.log.Error("reflect", err)
		out = reflector.Outcome{
			Audit: reflector.Audit{Verdict: reflector.VerdictFailed, CompletionCheck: "audit unavailable"},
			Failure: &reflector.Failure{
				Level:     types.FailureTransient,
				Rationale: fmt.Sprintf("reflection failed: %v", err),
			},
		}
	}
	l.op.log.Thought(types.RoleReflector, out.Thought)
	metricAuditVerdicts.WithLabelValues(string(out.Audit.Verdict)).Inc()

	if len(out.CausalUpdates) > 0 {
		if res := l.op.Store.Apply(out.CausalUpdates); !res.OK {
			// Findings are advisory; a rejected causal batch never blocks
			// the task verdict.
			metricGraphRejections.Add(float64(len(res.Rejected)))
			l.op.log.Error("causal", fmt.Errorf("%s", res.Rejected[0].String()))
		}
	}

	switch out.Audit.Verdict {
	case reflector.VerdictPassed:
		l.inconclusiveStreak, l.lastInconclusiveTask = 0, ""
		l.finishTask(r.taskID, graph.StatusCompleted, nil)
	case reflector.VerdictInconclusive:
		// An undecidable audit fails the task but does not demand planner
		// attention on its own; only a streak of inconclusive results on
		// distinct tasks triggers a re-plan.
		f := out.Failure
		if f == nil {
			f = &reflector.Failure{Level: types.FailureReasoning, Rationale: "audit inconclusive: " + out.Audit.CompletionCheck}
		}
		l.finishTask(r.taskID, graph.StatusFailed, f)
		if r.taskID != l.lastInconclusiveTask {
			l.lastInconclusiveTask = r.taskID
			l.inconclusiveStreak++
		}
		if l.inconclusiveStreak >= maxConsecutiveInconclusive {
			l.inconclusiveStreak, l.lastInconclusiveTask = 0, ""
			return settlement{kind: settleReplan, note: fmt.Sprintf(
				"%d consecutive inconclusive audits on distinct tasks", maxConsecutiveInconclusive)}
		}
	default:
		l.inconclusiveStreak, l.lastInconclusiveTask = 0, ""
		f := out.Failure
		if f == nil {
			f = &reflector.Failure{Level: types.FailureReasoning, Rationale: "audit did not pass the run"}
		}
		l.finishTask(r.taskID, graph.StatusFailed, f)

		switch f.Level {
		case types.FailureTransient, types.FailureToolTransport:
			if task.Retries < maxAutoRetries {
				if err := l.op.Store.ReopenForRetry(r.taskID); err != nil {
					l.op.log.Error("retry", err)
				}
			} else {
				return settlement{kind: settleReplan, note: fmt.Sprintf(
					"task %s failed %s after %d retries: %s", r.taskID, f.Level, task.Retries, f.Rationale)}
			}
		case types.FailureToolMisuse, types.FailureReasoning, types.FailureInfeasible:
			return settlement{kind: settleReplan, note: fmt.Sprintf(
				"task %s failed %s: %s", r.taskID, f.Level, f.Rationale)}
		case types.FailureFatal:
			return settlement{kind: settleFatal, note: fmt.Sprintf(
				"task %s failed %s: %s", r.taskID, f.Level, f.Rationale)}
		}
	}

	l.checkpointNow()
	if out.MissionAccomplished {
		return settlement{kind: settleMission, note: "audit confirmed mission accomplished"}
	}
	return settlement{kind: settleContinue}
}

func (l *loop) markInProgress(id string) bool {
	st := graph.StatusInProgress
	res := l.op.Store.Apply([]graph.Command{{
		Tag:        graph.CmdUpdateNode,
		UpdateNode: &graph.UpdateNode{ID: id, Updates: graph.NodeUpdates{Status: &st}},
	}})
	return res.OK
}

func (l *loop) finishTask(id string, st graph.Status, f *reflector.Failure) {
	upd := graph.NodeUpdates{Status: &st}
	if f != nil {
		lvl := f.Level.String()
		upd.FailureLevel = &lvl
		upd.FailureRationale = &f.Rationale
	}
	res := l.op.Store.Apply([]graph.Command{{
		Tag:        graph.CmdUpdateNode,
		UpdateNode: &graph.UpdateNode{ID: id, Updates: upd},
	}})
	if !res.OK {
		l.op.log.Error("finish", fmt.Errorf("task %s -> %s: %s", id, st, res.Rejected[0].String()))
	}
}

// abortInProgress marks every task still in progress aborted.
func (l *loop) abortInProgress() {
	snap := l.op.Store.Snapshot()
	aborted := graph.StatusAborted
	for _, n := range snap.Tasks {
		if n.Kind == graph.KindRoot || n.Status != graph.StatusInProgress {
			continue
		}
		l.op.Store.Apply([]graph.Command{{
			Tag:        graph.CmdUpdateNode,
			UpdateNode: &graph.UpdateNode{ID: n.ID, Updates: graph.NodeUpdates{Status: &aborted}},
		}})
	}
}

func (l *loop) checkpointNow() {
	if l.deps.Checkpoints == nil {
		return
	}
	data, err := l.op.Store.Serialize()
	if err != nil {
		l.op.log.Error("checkpoint", err)
		return
	}
	status, _ := l.op.Status()
	err = l.deps.Checkpoints.SaveState(checkpoint.Meta{
		ID:      l.op.ID,
		Goal:    l.op.Goal,
		Options: l.op.Options,
		Status:  status,
	}, data, l.op.Gate.Pending())
	if err != nil {
		l.op.log.Error("checkpoint", err)
	}
}
