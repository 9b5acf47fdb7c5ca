// Package orchestrator composes the admission queue, approval gate, lazy
// evaluator, speculative cache, throttler and worker pool into the
// proposal evaluation core, with batch and sharded execution entry points.
//
// Flow for a submitted proposal:
//
//	firewall → queue → approval gate → lazy → speculative → throttle → execute (sharded)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/admission"
	"github.com/Mindburn-Labs/helm/proposals/pkg/approval"
	"github.com/Mindburn-Labs/helm/proposals/pkg/batch"
	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/config"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/firewall"
	"github.com/Mindburn-Labs/helm/proposals/pkg/lazy"
	"github.com/Mindburn-Labs/helm/proposals/pkg/observability"
	"github.com/Mindburn-Labs/helm/proposals/pkg/pipeline"
	"github.com/Mindburn-Labs/helm/proposals/pkg/shard"
	"github.com/Mindburn-Labs/helm/proposals/pkg/speculative"
	"github.com/Mindburn-Labs/helm/proposals/pkg/throttle"
)

// retention is how long terminal batches and resolved approval requests
// stay queryable.
const retention = 10 * time.Minute

// Options carries the injected collaborators. Executor is required; the
// rest default from the configuration.
type Options struct {
	Executor     contracts.Executor
	LoadProvider contracts.LoadProvider
	Chain        *chain.Log
	Logger       *slog.Logger
	Telemetry    *observability.Provider
	Firewall     *firewall.Firewall
	Nodes        []shard.NodeSpec
}

// Orchestrator is the composed core. All methods are safe for concurrent
// use.
type Orchestrator struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	chain     *chain.Log
	executor  contracts.Executor

	queue     *admission.Queue
	pool      *pipeline.Pool
	batcher   *batch.Batcher
	sharder   *shard.Sharder
	throttler *throttle.Throttler
	lazy      *lazy.Evaluator
	spec      *speculative.Executor // nil when speculation is disabled
	approvals *approval.Gateway
	firewall  *firewall.Firewall // nil admits every type
	closers   []io.Closer
	closeOnce sync.Once

	lastRefresh atomic.Int64

	mu         sync.Mutex
	gates      map[string]*gate // by proposal id
	byRequest  map[string]string
	prefetched map[string]*contracts.Result
}

// New wires every component from cfg. It fails with
// contracts.ErrNoExecutorConfigured when opts.Executor is nil, and with the
// component's construction error for unknown policies or strategies.
func New(cfg config.Config, opts Options) (*Orchestrator, error) {
	if opts.Executor == nil {
		return nil, contracts.ErrNoExecutorConfigured
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	component := func(name string) *slog.Logger { return logger.With("component", name) }

	log := opts.Chain
	if log == nil {
		hasher, err := chain.ParseHasher(cfg.Chain.Hasher)
		if err != nil {
			return nil, err
		}
		log = chain.New(chain.WithHasher(hasher))
	}

	o := &Orchestrator{
		cfg:        cfg,
		logger:     component("orchestrator"),
		telemetry:  opts.Telemetry,
		chain:      log,
		executor:   opts.Executor,
		gates:      make(map[string]*gate),
		byRequest:  make(map[string]string),
		prefetched: make(map[string]*contracts.Result),
	}

	qopts := []admission.Option{admission.WithRecorder(log), admission.WithLogger(component("admission"))}
	for p, n := range cfg.TierCapacities() {
		qopts = append(qopts, admission.WithTierCapacity(p, n))
	}
	o.queue = admission.New(cfg.Queue.Capacity, qopts...)

	nodes := opts.Nodes
	if len(nodes) == 0 {
		nodes = cfg.Shard.Nodes
	}
	if len(nodes) == 0 {
		nodes = []shard.NodeSpec{localNode(cfg)}
	}
	var err error
	o.sharder, err = shard.New(cfg.Shard.Strategy,
		shard.WithConfig(cfg.Shard.Config),
		shard.WithRecorder(log),
		shard.WithLogger(component("shard")),
		shard.WithNodes(nodes...),
	)
	if err != nil {
		return nil, err
	}

	provider := opts.LoadProvider
	if provider == nil && cfg.Throttle.RedisAddr != "" {
		rp := throttle.NewRedisLoadProviderFromAddr(cfg.Throttle.RedisAddr, "", 0, cfg.Throttle.RedisKey)
		provider = rp
		o.closers = append(o.closers, rp)
	}
	topts := []throttle.Option{throttle.WithRecorder(log), throttle.WithLogger(component("throttle"))}
	if provider != nil {
		topts = append(topts, throttle.WithProvider(provider))
	}
	if o.throttler, err = throttle.New(cfg.Throttle.Config, topts...); err != nil {
		return nil, err
	}

	if o.lazy, err = lazy.New(cfg.Lazy, lazy.WithRecorder(log), lazy.WithLogger(component("lazy"))); err != nil {
		return nil, err
	}

	if cfg.Speculative.Enabled {
		est := speculative.NewEstimator(cfg.Speculative.Reputation)
		o.spec = speculative.NewExecutor(cfg.Speculative.Config, est, opts.Executor,
			speculative.WithRecorder(log),
			speculative.WithLogger(component("speculative")),
		)
	}

	o.firewall = opts.Firewall
	if o.firewall == nil && cfg.Firewall.Enabled {
		if o.firewall, err = firewall.FromRules(cfg.Firewall.Rules); err != nil {
			return nil, err
		}
	}

	o.approvals = approval.NewGateway(cfg.Approval.Config,
		approval.WithRecorder(log),
		approval.WithLogger(component("approval")),
	)
	o.approvals.OnResolve(o.onResolve)

	sharded := contracts.ExecutorFunc(o.execute)
	o.batcher = batch.New(cfg.Batch,
		batch.WithExecutor(sharded),
		batch.WithRecorder(log),
		batch.WithLogger(component("batch")),
	)

	o.pool = pipeline.New(o.queue, cfg.Pipeline,
		pipeline.WithStages(
			pipeline.StageFunc("approval", o.approvalStage),
			pipeline.StageFunc("lazy", o.lazyStage),
			pipeline.StageFunc("speculative", o.speculativeStage),
			pipeline.StageFunc("throttle", o.throttleStage),
		),
		pipeline.WithExecutor(sharded),
		pipeline.WithRecorder(log),
		pipeline.WithLogger(component("pipeline")),
		pipeline.WithMaintenance(o.maintain),
	)
	o.pool.OnFailure(o.onFailure)

	if err := o.telemetry.ObserveGauges(map[string]func() int64{
		"helm.proposals.queue.depth":        func() int64 { return int64(o.queue.Len()) },
		"helm.proposals.approvals.pending":  func() int64 { return int64(o.approvals.PendingCount()) },
		"helm.proposals.throttle.level":     func() int64 { return int64(o.throttler.State().Level) },
		"helm.proposals.chain.length":       func() int64 { return int64(o.chain.Len()) },
		"helm.proposals.lazy.deferred":      func() int64 { return int64(len(o.lazy.Deferred())) },
		"helm.proposals.pipeline.completed": func() int64 { return int64(o.pool.Stats().Completed) },
	}); err != nil {
		return nil, err
	}
	return o, nil
}

// localNode is the single node used when none are configured.
func localNode(cfg config.Config) shard.NodeSpec {
	return shard.NodeSpec{
		ID:            "local",
		Capacity:      cfg.Shard.ShardSize*cfg.Shard.MaxParallel + cfg.Pipeline.Workers + cfg.Batch.MaxConcurrentBatches,
		MaxConcurrent: cfg.Shard.MaxParallel + cfg.Pipeline.Workers + cfg.Batch.MaxConcurrentBatches,
	}
}

// Start launches the worker pool. Calling Start on a running orchestrator
// is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.pool.Start(ctx)
	o.logger.InfoContext(ctx, "orchestrator started", "workers", o.cfg.Pipeline.Workers)
}

// Stop signals the workers and waits up to timeout. It reports whether
// every worker exited in time. A stopped orchestrator can be started again.
func (o *Orchestrator) Stop(timeout time.Duration) bool {
	ok := o.pool.Stop(timeout)
	o.logger.Info("orchestrator stopped", "clean", ok)
	return ok
}

// Close stops the pool, waits up to timeout for in-flight speculations and
// releases owned connections. Further calls return nil.
func (o *Orchestrator) Close(timeout time.Duration) error {
	var errs []error
	o.closeOnce.Do(func() {
		o.Stop(timeout)
		if o.spec != nil && !o.spec.WaitTimeout(timeout) {
			o.logger.Warn("speculations still running at close")
		}
		for _, c := range o.closers {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}

// Results is the pipeline result stream.
func (o *Orchestrator) Results() <-chan pipeline.Result { return o.pool.Results() }

// OnResult registers a completion callback.
func (o *Orchestrator) OnResult(cb pipeline.ResultCallback) { o.pool.OnResult(cb) }

// Chain exposes the audit log, e.g. for checkpointing.
func (o *Orchestrator) Chain() *chain.Log { return o.chain }

// Sharder exposes the node table for operators.
func (o *Orchestrator) Sharder() *shard.Sharder { return o.sharder }

// Throttler exposes the load state; Update feeds samples directly.
func (o *Orchestrator) Throttler() *throttle.Throttler { return o.throttler }

// admit runs the firewall.
func (o *Orchestrator) admit(p *contracts.Proposal) error {
	if p == nil {
		return fmt.Errorf("orchestrator: nil proposal")
	}
	if o.firewall == nil {
		return nil
	}
	if err := o.firewall.Check(p); err != nil {
		o.record("proposal.blocked", map[string]any{"proposal_id": p.ID, "type": p.Type})
		return err
	}
	return nil
}

// execute runs one proposal through the sharder, serving a validated
// speculative result when one was claimed for it.
func (o *Orchestrator) execute(ctx context.Context, p *contracts.Proposal) (*contracts.Result, error) {
	o.mu.Lock()
	res, ok := o.prefetched[p.ID]
	delete(o.prefetched, p.ID)
	o.mu.Unlock()
	if ok {
		return res, nil
	}

	pr, err := o.sharder.ExecuteParallel(ctx, []*contracts.Proposal{p}, o.executor)
	if err != nil {
		return nil, err
	}
	for _, sh := range pr.Shards {
		if len(sh.Errors) > 0 {
			return nil, sh.Errors[0]
		}
	}
	if len(pr.Results) == 0 {
		return nil, nil
	}
	return pr.Results[0], nil
}

// maintain runs from idle pipeline workers.
func (o *Orchestrator) maintain(ctx context.Context, now time.Time) {
	o.batcher.CheckDeadlines(now)
	o.approvals.CheckTimeouts(ctx)
	o.batcher.Prune(now.Add(-retention))
	o.approvals.Prune(now.Add(-retention))

	last := o.lastRefresh.Load()
	if now.UnixNano()-last < int64(o.cfg.Throttle.PollInterval) {
		return
	}
	if !o.lastRefresh.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if _, err := o.throttler.Refresh(ctx); err != nil {
		o.logger.WarnContext(ctx, "load refresh failed", "error", err)
	}
}

// onFailure drops per-proposal state for permanently failed items.
func (o *Orchestrator) onFailure(ctx context.Context, e *admission.Entry, err error) {
	o.mu.Lock()
	delete(o.prefetched, e.Proposal.ID)
	if g, ok := o.gates[e.Proposal.ID]; ok {
		delete(o.gates, e.Proposal.ID)
		delete(o.byRequest, g.requestID)
	}
	o.mu.Unlock()
	o.logger.WarnContext(ctx, "proposal failed permanently", "proposal_id", e.Proposal.ID, "retries", e.Retries, "error", err)
}

func (o *Orchestrator) record(eventType string, payload map[string]any) {
	if _, err := o.chain.Append(eventType, payload); err != nil {
		o.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}
