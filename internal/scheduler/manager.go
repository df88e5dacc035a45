package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/redgraph/redgraph/internal/broker"
	"github.com/redgraph/redgraph/internal/checkpoint"
	"github.com/redgraph/redgraph/internal/gate"
	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/oplog"
	"github.com/redgraph/redgraph/internal/types"
)

// AbortGrace is how long Abort waits for a clean loop exit before reporting
// the operation as force-stopped.
const AbortGrace = 10 * time.Second

// Manager owns the set of live operations and enforces the concurrency cap.
type Manager struct {
	deps   Deps
	maxOps int64
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu  sync.Mutex
	ops map[string]*Operation
}

// NewManager builds a manager admitting at most maxOps concurrent
// operations.
func NewManager(deps Deps, maxOps int) *Manager {
	if maxOps <= 0 {
		maxOps = 4
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		maxOps: int64(maxOps),
		sem:    semaphore.NewWeighted(int64(maxOps)),
		logger: deps.Logger,
		ops:    make(map[string]*Operation),
	}
}

// Start admits a new operation and launches its loop. Over capacity it
// fails fast with a budget error rather than queueing.
func (m *Manager) Start(goal string, opts types.Options) (*Operation, error) {
	if goal == "" {
		return nil, types.Errorf(types.ErrValidation, "manager", "empty goal")
	}
	if !m.sem.TryAcquire(1) {
		return nil, types.Errorf(types.ErrBudget, "manager", "at capacity: %d operations running", m.maxOps)
	}

	opts = opts.Normalize()
	id := uuid.NewString()
	b := broker.New(broker.DefaultReplayLimit)

	op := &Operation{
		ID:      id,
		Goal:    goal,
		Options: opts,
		Broker:  b,
		status:  types.OpRunning,
		done:    make(chan struct{}),
	}
	op.Store = graph.NewStore(id, goal, func(kind types.EventKind, data map[string]any) {
		b.Publish(kind, "", data)
	})
	op.Gate = gate.New(opts.HITL, func(kind types.EventKind, data map[string]any) {
		// The loop blocks inside the gate while a request waits, so the
		// pending set has to hit the checkpoint here, not on the next
		// checkpointNow — and before the event goes out, so a client reacting
		// to it always finds the request persisted.
		if m.deps.Checkpoints != nil {
			switch kind {
			case types.EventInterventionRequired, types.EventInterventionResolved:
				m.savePending(op)
			}
		}
		b.Publish(kind, "", data)
	})
	if m.deps.LogDir != "" {
		log, err := oplog.Open(m.deps.LogDir, id)
		if err != nil {
			m.logger.Warn("operation log unavailable", "op", id, "error", err)
		} else {
			op.log = log
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	op.cancel = cancel

	m.mu.Lock()
	m.ops[id] = op
	m.mu.Unlock()
	metricOpsStarted.Inc()

	llmEmit := func(kind types.EventKind, role types.Role, data map[string]any) {
		b.Publish(kind, role, data)
	}
	l := &loop{
		op:        op,
		deps:      m.deps,
		planner:   m.deps.NewPlanner(llmEmit),
		executor:  m.deps.NewExecutor(op.Store, func(kind types.EventKind, data map[string]any) { b.Publish(kind, types.RoleExecutor, data) }, llmEmit),
		reflector: m.deps.NewReflector(llmEmit),
		logger:    m.logger.With("op", id),
	}
	go m.heartbeat(ctx, op)
	if m.deps.Checkpoints != nil {
		go m.persistEvents(op)
	}
	go func() {
		defer m.sem.Release(1)
		l.run(ctx)
		cancel()
	}()
	return op, nil
}

// savePending checkpoints the current pending-intervention set. A nil graph
// snapshot leaves the last persisted graph in place.
func (m *Manager) savePending(op *Operation) {
	status, _ := op.Status()
	err := m.deps.Checkpoints.SaveState(checkpoint.Meta{
		ID:      op.ID,
		Goal:    op.Goal,
		Options: op.Options,
		Status:  status,
	}, nil, op.Gate.Pending())
	if err != nil {
		m.logger.Warn("pending intervention persistence failed", "op", op.ID, "error", err)
	}
}

// persistEvents copies the operation's event stream onto the checkpoint
// tail until the stream closes.
func (m *Manager) persistEvents(op *Operation) {
	ch, cancel := op.Broker.Subscribe(0)
	defer cancel()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Event == types.EventOverflow {
				continue
			}
			if err := m.deps.Checkpoints.AppendEvent(op.ID, ev); err != nil {
				m.logger.Warn("event persistence failed", "op", op.ID, "error", err)
			}
		case <-op.Done():
			// Drain whatever is already queued, then stop.
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if ev.Event != types.EventOverflow {
						m.deps.Checkpoints.AppendEvent(op.ID, ev)
					}
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, op *Operation) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-op.Done():
			return
		case <-t.C:
			status, _ := op.Status()
			op.Broker.Publish(types.EventHeartbeat, "", map[string]any{"status": string(status)})
		}
	}
}

// Get returns a live operation by id.
func (m *Manager) Get(id string) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	return op, ok
}

// List returns every managed operation.
func (m *Manager) List() []*Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	return out
}

// Abort cancels an operation and waits up to AbortGrace for a clean exit.
// Aborting an already-terminal operation is a no-op reporting success.
func (m *Manager) Abort(id string) error {
	op, ok := m.Get(id)
	if !ok {
		return types.Errorf(types.ErrValidation, "manager", "unknown operation %q", id)
	}
	if status, _ := op.Status(); status.Terminal() {
		return nil
	}
	op.cancel()
	select {
	case <-op.Done():
		return nil
	case <-time.After(AbortGrace):
		op.setStatus(types.OpAborted, "force-stopped after grace period")
		return types.Errorf(types.ErrFatal, "manager", "operation %q did not stop within %s", id, AbortGrace)
	}
}

// SubmitIntervention resolves a pending gate request. Stale or duplicate
// resolutions report a validation error.
func (m *Manager) SubmitIntervention(opID, requestID string, d gate.Decision) error {
	op, ok := m.Get(opID)
	if !ok {
		return types.Errorf(types.ErrValidation, "manager", "unknown operation %q", opID)
	}
	if !op.Gate.Resolve(requestID, d) {
		return types.Errorf(types.ErrValidation, "manager", "no pending intervention %q", requestID)
	}
	return nil
}

// InjectTask adds a human-authored task to a running operation's graph.
func (m *Manager) InjectTask(opID string, nd graph.NodeData) error {
	op, ok := m.Get(opID)
	if !ok {
		return types.Errorf(types.ErrValidation, "manager", "unknown operation %q", opID)
	}
	if status, _ := op.Status(); status.Terminal() {
		return types.Errorf(types.ErrInvariant, "manager", "operation %q is %s", opID, status)
	}
	if nd.ID == "" {
		nd.ID = uuid.NewString()
	}
	nd.Kind = graph.KindTask
	res := op.Store.Apply([]graph.Command{{Tag: graph.CmdAddNode, AddNode: &graph.AddNode{NodeData: nd}}})
	if !res.OK {
		return types.Errorf(types.ErrValidation, "manager", "inject rejected: %s", res.Rejected[0].String())
	}
	return nil
}

// Snapshot returns an operation's current graph state.
func (m *Manager) Snapshot(opID string) (graph.Snapshot, error) {
	op, ok := m.Get(opID)
	if !ok {
		return graph.Snapshot{}, types.Errorf(types.ErrValidation, "manager", "unknown operation %q", opID)
	}
	return op.Store.Snapshot(), nil
}

// MarshalStatus renders an operation record for API responses.
func MarshalStatus(op *Operation) json.RawMessage {
	status, note := op.Status()
	b, _ := json.Marshal(map[string]any{
		"id":      op.ID,
		"goal":    op.Goal,
		"status":  string(status),
		"note":    note,
		"options": op.Options,
	})
	return b
}
