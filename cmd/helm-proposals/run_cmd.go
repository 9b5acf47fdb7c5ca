package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/approval"
	"github.com/Mindburn-Labs/helm/proposals/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/config"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/observability"
	"github.com/Mindburn-Labs/helm/proposals/pkg/orchestrator"
	"github.com/Mindburn-Labs/helm/proposals/pkg/sandbox"
)

var proposalTypes = []string{"deploy", "scale", "config", "report"}

// runRunCmd implements `helm-proposals run`.
//
// Starts an orchestrator, submits generated proposals across every tier,
// votes on the approval requests they open, drains results until all
// proposals completed or -duration elapsed, then prints the stats snapshot.
//
// Exit codes:
//
//	0 = run finished
//	2 = configuration or runtime error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		count      int
		duration   time.Duration
		checkpoint string
		execName   string
		module     string
		archive    bool
	)

	cmd.StringVar(&configPath, "config", "", "Path to YAML configuration")
	cmd.IntVar(&count, "proposals", 100, "Number of proposals to submit")
	cmd.DurationVar(&duration, "duration", 5*time.Second, "Upper bound on the run")
	cmd.StringVar(&checkpoint, "checkpoint", "", "Checkpoint the chain to this DSN (sqlite file by default)")
	cmd.StringVar(&execName, "executor", "synthetic", "Executor: synthetic or wasm")
	cmd.StringVar(&module, "module", "", "Module content hash for the wasm executor")
	cmd.BoolVar(&archive, "archive", false, "Archive the chain to the artifact store")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, cfg.Telemetry, observability.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	defer func() { _ = telemetry.Shutdown(context.WithoutCancel(ctx)) }()

	store, err := artifacts.Open(ctx, cfg.Artifacts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: artifacts: %v\n", err)
		return 2
	}

	var payload map[string]any
	var exec contracts.Executor
	switch execName {
	case "synthetic":
		exec = syntheticExecutor(time.Millisecond)
	case "wasm":
		if module == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --module is required with --executor wasm")
			return 2
		}
		sb, err := sandbox.New(ctx, store, cfg.Sandbox, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: sandbox: %v\n", err)
			return 2
		}
		defer func() { _ = sb.Close(context.WithoutCancel(ctx)) }()
		exec = sb
		payload = map[string]any{sandbox.ModuleKey: module}
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown executor %q\n", execName)
		return 2
	}

	o, err := orchestrator.New(cfg, orchestrator.Options{
		Executor:  exec,
		Logger:    logger,
		Telemetry: telemetry,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	o.Start(runCtx)

	submitted := submitGenerated(runCtx, o, count, payload, logger)
	completed := drain(runCtx, o, submitted)
	if err := o.Close(time.Second); err != nil {
		logger.WarnContext(ctx, "close", "error", err)
	}
	logger.InfoContext(ctx, "run finished", "submitted", submitted, "completed", completed)

	if checkpoint != "" {
		if err := saveCheckpoint(ctx, o.Chain(), cfg.Chain.CheckpointDriver, checkpoint); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: checkpoint: %v\n", err)
			return 2
		}
	}
	if archive {
		hash, err := o.Chain().Archive(ctx, store)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		logger.InfoContext(ctx, "chain archived", "hash", hash, "backend", cfg.Artifacts.Backend)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o.Stats()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// syntheticExecutor accepts every proposal after latency.
func syntheticExecutor(latency time.Duration) contracts.Executor {
	return contracts.ExecutorFunc(func(ctx context.Context, p *contracts.Proposal) (*contracts.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
		return &contracts.Result{
			ProposalID: p.ID,
			Output:     map[string]any{"type": p.Type, "accepted": true},
		}, nil
	})
}

// submitGenerated submits n proposals cycling through tiers, types and
// impacts, and approves every request they open. It returns how many were
// admitted.
func submitGenerated(ctx context.Context, o *orchestrator.Orchestrator, n int, payload map[string]any, logger *slog.Logger) int {
	tiers := contracts.Priorities()
	admitted := 0
	for i := range n {
		p, err := contracts.NewProposal(contracts.ProposalSpec{
			Type:     proposalTypes[i%len(proposalTypes)],
			Priority: tiers[i%len(tiers)],
			Payload:  payload,
			Impact:   float64(i%10) / 10,
		})
		if err != nil {
			logger.ErrorContext(ctx, "build proposal", "error", err)
			continue
		}
		rcpt, err := o.SubmitProposal(ctx, p)
		if err != nil {
			logger.WarnContext(ctx, "proposal not admitted", "proposal_id", p.ID, "error", err)
			continue
		}
		admitted++
		if rcpt.ApprovalRequestID != "" {
			approveAll(ctx, o, rcpt.ApprovalRequestID, logger)
		}
	}
	return admitted
}

// approveAll casts as many approving votes as the request's level needs.
func approveAll(ctx context.Context, o *orchestrator.Orchestrator, requestID string, logger *slog.Logger) {
	req, ok := o.Approval(requestID)
	if !ok {
		return
	}
	for i := range req.Required {
		got, err := o.Approve(ctx, requestID, fmt.Sprintf("cli:approver-%d", i+1), true, "generated run")
		if err != nil {
			logger.WarnContext(ctx, "vote failed", "request_id", requestID, "error", err)
			return
		}
		if got.State == approval.StateApproved {
			return
		}
	}
}

// drain reads results until want arrived or ctx is done.
func drain(ctx context.Context, o *orchestrator.Orchestrator, want int) int {
	got := 0
	for got < want {
		select {
		case <-ctx.Done():
			return got
		case <-o.Results():
			got++
		}
	}
	return got
}

func saveCheckpoint(ctx context.Context, log *chain.Log, dialect chain.Dialect, dsn string) error {
	store, err := chain.Open(ctx, dialect, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return log.Checkpoint(ctx, store)
}
