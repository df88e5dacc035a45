// Package server exposes the runtime over HTTP: operation lifecycle,
// graph snapshots, intervention resolution, and a server-sent-events
// stream of each operation's topic.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redgraph/redgraph/internal/gate"
	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/scheduler"
	"github.com/redgraph/redgraph/internal/types"
)

// Server wires the manager to the HTTP surface.
type Server struct {
	manager *scheduler.Manager
	logger  *slog.Logger
}

// New builds a Server. logger may be nil.
func New(m *scheduler.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: m, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/operations", func(r chi.Router) {
		r.Post("/", s.createOperation)
		r.Get("/", s.listOperations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getOperation)
			r.Delete("/", s.abortOperation)
			r.Get("/graph", s.getGraph)
			r.Get("/events", s.streamEvents)
			r.Post("/tasks", s.injectTask)
			r.Get("/interventions", s.listInterventions)
			r.Post("/interventions/{requestID}", s.resolveIntervention)
		})
	})
	return r
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.ErrValidation:
		code = http.StatusBadRequest
	case types.ErrBudget:
		code = http.StatusTooManyRequests
	case types.ErrInvariant:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
		"kind":  string(types.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal    string        `json:"goal"`
		Options types.Options `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.WrapError(types.ErrValidation, "server: decode request", err))
		return
	}
	op, err := s.manager.Start(req.Goal, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("operation started", "op", op.ID, "goal", op.Goal)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(scheduler.MarshalStatus(op))
}

func (s *Server) listOperations(w http.ResponseWriter, _ *http.Request) {
	ops := s.manager.List()
	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		out = append(out, scheduler.MarshalStatus(op))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown operation"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(scheduler.MarshalStatus(op))
}

func (s *Server) abortOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Abort(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "aborted"})
}

// getGraph returns the operation's graph state. The optional which query
// parameter selects one side: "task" keeps the execution DAG, "causal" keeps
// the belief graph; omitted returns both.
func (s *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch which := r.URL.Query().Get("which"); which {
	case "":
	case "task":
		snap.Causal = nil
		snap.CausalEdges = nil
	case "causal":
		snap.Tasks = nil
	default:
		s.writeError(w, types.Errorf(types.ErrValidation, "server", "unknown graph %q", which))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) injectTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var nd graph.NodeData
	if err := json.NewDecoder(r.Body).Decode(&nd); err != nil {
		s.writeError(w, types.WrapError(types.ErrValidation, "server: decode task", err))
		return
	}
	if err := s.manager.InjectTask(id, nd); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) listInterventions(w http.ResponseWriter, r *http.Request) {
	op, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown operation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": op.Gate.Pending()})
}

func (s *Server) resolveIntervention(w http.ResponseWriter, r *http.Request) {
	var d gate.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.writeError(w, types.WrapError(types.ErrValidation, "server: decode decision", err))
		return
	}
	switch d.Action {
	case types.InterventionApprove, types.InterventionModify, types.InterventionReject:
	default:
		s.writeError(w, types.Errorf(types.ErrValidation, "server", "unknown action %q", d.Action))
		return
	}
	err := s.manager.SubmitIntervention(chi.URLParam(r, "id"), chi.URLParam(r, "requestID"), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// streamEvents serves the operation topic as server-sent events. from_seq
// replays retained history before live delivery; a dropped-events marker
// appears as its own SSE event when the client lags past the queue bound.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	op, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown operation"})
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	var fromSeq uint64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, types.Errorf(types.ErrValidation, "server", "bad from_seq %q", v))
			return
		}
		fromSeq = n
	}

	ch, cancel := op.Broker.Subscribe(fromSeq)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Event, payload)
			flusher.Flush()
		}
	}
}
