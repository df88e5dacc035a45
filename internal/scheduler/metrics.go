package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redgraph_operations_started_total",
		Help: "Operations accepted by the manager.",
	})
	metricOpsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redgraph_operations_finished_total",
		Help: "Operations that reached a terminal status.",
	}, []string{"status"})
	metricSubtaskRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redgraph_subtask_runs_total",
		Help: "Subtask executor runs launched, including retries.",
	})
	metricAuditVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redgraph_audit_verdicts_total",
		Help: "Reflector audit verdicts by outcome.",
	}, []string{"verdict"})
	metricGraphRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redgraph_graph_rejections_total",
		Help: "Mutation commands rejected by the graph store.",
	})
)
