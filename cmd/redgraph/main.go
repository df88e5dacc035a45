// Command redgraph runs the autonomous assessment runtime, either as a
// long-lived HTTP service or as a one-shot console run for a single goal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/redgraph/redgraph/internal/checkpoint"
	"github.com/redgraph/redgraph/internal/config"
	"github.com/redgraph/redgraph/internal/graph"
	"github.com/redgraph/redgraph/internal/llm"
	"github.com/redgraph/redgraph/internal/rag"
	"github.com/redgraph/redgraph/internal/roles/executor"
	"github.com/redgraph/redgraph/internal/roles/planner"
	"github.com/redgraph/redgraph/internal/roles/reflector"
	"github.com/redgraph/redgraph/internal/scheduler"
	"github.com/redgraph/redgraph/internal/server"
	"github.com/redgraph/redgraph/internal/toolhost"
	"github.com/redgraph/redgraph/internal/types"
	"github.com/redgraph/redgraph/internal/ui"
)

func main() {
	_ = godotenv.Load(".env")

	var (
		configPath = flag.String("config", "", "path to config.yaml")
		serve      = flag.Bool("serve", false, "run the HTTP service instead of a one-shot goal")
		hitl       = flag.Bool("hitl", false, "pause every plan for operator review (one-shot mode)")
		output     = flag.String("output", "default", "console verbosity: simple, default, debug")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redgraph: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	checkpoints, err := checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoints"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "redgraph: %v\n", err)
		os.Exit(1)
	}
	defer checkpoints.Close()

	llmClient := llm.NewFromEnv(nil)
	tools := toolhost.New(cfg.ToolHostURL, cfg.ToolTimeout.Std())
	var retriever rag.Retriever = rag.Noop{}
	if cfg.RetrieverURL != "" {
		retriever = rag.NewHTTP(cfg.RetrieverURL, logger)
	}

	deps := scheduler.Deps{
		NewPlanner: func(llmEmit llm.EmitFunc) scheduler.PlannerRole {
			return planner.New(llmClient.WithEmit(llmEmit))
		},
		NewExecutor: func(store *graph.Store, emit executor.EmitFunc, llmEmit llm.EmitFunc) scheduler.ExecutorRole {
			return executor.New(llmClient.WithEmit(llmEmit), store, tools, emit, logger)
		},
		NewReflector: func(llmEmit llm.EmitFunc) scheduler.ReflectorRole {
			return reflector.New(llmClient.WithEmit(llmEmit))
		},
		Retriever:    retriever,
		Checkpoints:  checkpoints,
		LogDir:       filepath.Join(cfg.DataDir, "oplogs"),
		Logger:       logger,
	}
	manager := scheduler.NewManager(deps, cfg.MaxOperations)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nredgraph: shutting down")
		cancel()
	}()

	if *serve {
		runServe(ctx, cfg, manager, logger)
		return
	}

	goal := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: redgraph [flags] <goal>   or   redgraph -serve")
		os.Exit(2)
	}
	os.Exit(runOnce(ctx, cfg, manager, goal, *hitl, types.OutputMode(*output)))
}

func runServe(ctx context.Context, cfg config.Config, manager *scheduler.Manager, logger *slog.Logger) {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(manager, logger).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), scheduler.AbortGrace)
		defer cancel()
		for _, op := range manager.List() {
			manager.Abort(op.ID)
		}
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "redgraph: %v\n", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, cfg config.Config, manager *scheduler.Manager, goal string, hitl bool, mode types.OutputMode) int {
	opts := cfg.Defaults
	opts.HITL = hitl
	opts.OutputMode = mode

	op, err := manager.Start(goal, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redgraph: %v\n", err)
		return 1
	}

	events, unsubscribe := op.Broker.Subscribe(0)
	console := ui.New(events, mode)
	consoleDone := make(chan struct{})
	go func() {
		console.Run(ctx)
		close(consoleDone)
	}()

	select {
	case <-op.Done():
	case <-ctx.Done():
		manager.Abort(op.ID)
	}
	// Closing the subscription ends the console even when the operation
	// parked (stalled) without a terminal event.
	unsubscribe()
	select {
	case <-consoleDone:
	case <-time.After(time.Second):
	}

	status, note := op.Status()
	fmt.Printf("\n%s", renderSummary(op, status, note))
	if status == types.OpSucceeded {
		return 0
	}
	return 1
}

func renderSummary(op *scheduler.Operation, status types.OperationStatus, note string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "operation %s: %s", op.ID, status)
	if note != "" {
		fmt.Fprintf(&sb, " (%s)", note)
	}
	sb.WriteByte('\n')
	snap := op.Store.Snapshot()
	if summary := snap.CausalSummary(4000); summary != "" {
		sb.WriteString("\nFindings:\n")
		sb.WriteString(summary)
	}
	return sb.String()
}
