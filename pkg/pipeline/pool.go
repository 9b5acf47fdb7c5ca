// Package pipeline runs admitted proposals through an ordered list of
// stages on a fixed pool of workers.
//
// Workers poll the admission queue without blocking and sleep for an idle
// backoff when it is empty. Stop is cooperative: workers notice the stop
// signal between dequeues, and those still busy when the timeout runs out
// are abandoned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/admission"
	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// ExecuteStage is the stage name reported for executor failures.
const ExecuteStage = "execute"

// Queue is the admission side the pool consumes.
type Queue interface {
	Enqueue(e *admission.Entry) error
	Dequeue() (*admission.Entry, bool)
}

// Config sizes the pool.
type Config struct {
	Workers             int           `yaml:"workers"`
	MaxRetries          int           `yaml:"max_retries"`
	IdleBackoff         time.Duration `yaml:"idle_backoff"`
	ResultBuffer        int           `yaml:"result_buffer"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		MaxRetries:          3,
		IdleBackoff:         5 * time.Millisecond,
		ResultBuffer:        1024,
		MaintenanceInterval: 10 * time.Millisecond,
	}
}

// Result is emitted for every proposal that clears all stages.
type Result struct {
	Proposal *contracts.Proposal `json:"proposal"`
	Output   *contracts.Result   `json:"output"`
	Retries  int                 `json:"retries"`
	Worker   int                 `json:"worker"`
}

// ResultCallback observes completed items. Errors are logged.
type ResultCallback func(ctx context.Context, r Result) error

// FailureCallback observes permanently failed items.
type FailureCallback func(ctx context.Context, e *admission.Entry, err error)

// MaintenanceFunc runs periodically from idle workers.
type MaintenanceFunc func(ctx context.Context, now time.Time)

// Pool is the worker pool.
type Pool struct {
	cfg      Config
	queue    Queue
	stages   []Stage
	executor contracts.Executor
	results  chan Result
	recorder chain.Recorder
	logger   *slog.Logger
	maintain MaintenanceFunc

	cbMu       sync.RWMutex
	onResult   []ResultCallback
	onFailure  []FailureCallback
	lastMaint  atomic.Int64
	lifecycle  sync.Mutex
	running    bool
	stop       chan struct{}
	done       []chan struct{}
	cancelRun  context.CancelFunc
	processed  atomic.Uint64
	completed  atomic.Uint64
	filtered   atomic.Uint64
	retried    atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	cbErrors   atomic.Uint64
	abandoned  atomic.Uint64
	starts     atomic.Uint64
	activeLoop atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithStages sets the ordered stage list.
func WithStages(stages ...Stage) Option {
	return func(p *Pool) { p.stages = append(p.stages, stages...) }
}

// WithExecutor sets the terminal executor. Without one, items that clear
// every stage complete with an empty output.
func WithExecutor(e contracts.Executor) Option {
	return func(p *Pool) { p.executor = e }
}

// WithRecorder records item outcomes.
func WithRecorder(r chain.Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMaintenance installs a hook that idle workers run at most once per
// MaintenanceInterval.
func WithMaintenance(fn MaintenanceFunc) Option {
	return func(p *Pool) { p.maintain = fn }
}

// New creates a stopped pool consuming q.
func New(q Queue, cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = def.IdleBackoff
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = def.ResultBuffer
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		results:  make(chan Result, cfg.ResultBuffer),
		recorder: chain.Discard,
		logger:   slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Results is the bounded result sink. When it is full new results are
// dropped and counted.
func (p *Pool) Results() <-chan Result { return p.results }

// OnResult registers a completion callback.
func (p *Pool) OnResult(cb ResultCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onResult = append(p.onResult, cb)
}

// OnFailure registers a permanent-failure callback.
func (p *Pool) OnFailure(cb FailureCallback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onFailure = append(p.onFailure, cb)
}

// Running reports whether workers are started.
func (p *Pool) Running() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.running
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make([]chan struct{}, p.cfg.Workers)
	for i := range done {
		done[i] = make(chan struct{})
		go p.worker(runCtx, i, stop, done[i])
	}
	p.stop, p.done, p.cancelRun = stop, done, cancel
	p.running = true
	p.starts.Add(1)
	p.logger.InfoContext(ctx, "pipeline started", "workers", p.cfg.Workers)
}

// Stop signals the workers and waits up to timeout, split evenly across
// them. It reports whether every worker drained; the rest are abandoned and
// their context is cancelled. Calling Stop on a stopped pool returns true.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.lifecycle.Lock()
	if !p.running {
		p.lifecycle.Unlock()
		return true
	}
	stop, done, cancel := p.stop, p.done, p.cancelRun
	p.running = false
	p.stop, p.done, p.cancelRun = nil, nil, nil
	p.lifecycle.Unlock()

	close(stop)
	per := timeout / time.Duration(len(done))
	abandoned := 0
	for _, d := range done {
		if !waitDone(d, per) {
			abandoned++
		}
	}
	cancel()
	if abandoned > 0 {
		p.abandoned.Add(uint64(abandoned))
		p.logger.Warn("pipeline stop timed out, workers abandoned", "abandoned", abandoned, "timeout", timeout)
		return false
	}
	p.logger.Info("pipeline stopped")
	return true
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (p *Pool) worker(ctx context.Context, id int, stop <-chan struct{}, done chan<- struct{}) {
	p.activeLoop.Add(1)
	defer func() {
		p.activeLoop.Add(-1)
		close(done)
	}()

	idle := time.NewTimer(p.cfg.IdleBackoff)
	defer idle.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}

		p.runMaintenance(ctx)

		e, ok := p.queue.Dequeue()
		if !ok {
			idle.Reset(p.cfg.IdleBackoff)
			select {
			case <-stop:
				return
			case <-idle.C:
			}
			continue
		}
		p.process(ctx, id, e)
	}
}

func (p *Pool) runMaintenance(ctx context.Context) {
	if p.maintain == nil {
		return
	}
	now := time.Now()
	last := p.lastMaint.Load()
	if now.UnixNano()-last < int64(p.cfg.MaintenanceInterval) {
		return
	}
	if !p.lastMaint.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("maintenance panicked", "panic", r)
		}
	}()
	p.maintain(ctx, now)
}

// process runs one entry through the remaining stages and the executor.
func (p *Pool) process(ctx context.Context, worker int, e *admission.Entry) {
	p.processed.Add(1)
	cur := e.Proposal
	for i := e.Stage; i < len(p.stages); i++ {
		stage := p.stages[i]
		next, err := runStage(ctx, stage, cur)
		if err != nil {
			e.Proposal, e.Stage = cur, i
			p.fail(ctx, e, &contracts.StageError{Stage: stage.Name(), Err: err})
			return
		}
		if next == nil {
			p.filter(cur, stage.Name())
			return
		}
		cur = next
	}

	var out *contracts.Result
	if p.executor != nil {
		start := time.Now()
		res, err := runExecutor(ctx, p.executor, cur)
		if err != nil {
			e.Proposal, e.Stage = cur, len(p.stages)
			p.fail(ctx, e, &contracts.StageError{Stage: ExecuteStage, Err: err})
			return
		}
		if res == nil {
			p.filter(cur, ExecuteStage)
			return
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		out = res
	} else {
		out = &contracts.Result{ProposalID: cur.ID}
	}
	if out.ProposalID == "" {
		out.ProposalID = cur.ID
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = time.Now().UTC()
	}

	p.completed.Add(1)
	p.record("pipeline.completed", map[string]any{
		"proposal_id": cur.ID,
		"retries":     e.Retries,
		"speculative": out.Speculative,
	})
	r := Result{Proposal: cur, Output: out, Retries: e.Retries, Worker: worker}
	select {
	case p.results <- r:
	default:
		p.dropped.Add(1)
		p.logger.Warn("result sink full, result dropped", "proposal_id", cur.ID)
	}
	p.fireResult(ctx, r)
}

func (p *Pool) filter(prop *contracts.Proposal, stage string) {
	p.filtered.Add(1)
	p.record("pipeline.filtered", map[string]any{"proposal_id": prop.ID, "stage": stage})
}

// fail retries e at the next lower tier, or gives up once MaxRetries is
// spent or the lower tier is full.
func (p *Pool) fail(ctx context.Context, e *admission.Entry, err error) {
	id := e.Proposal.ID
	var se *contracts.StageError
	stage := ""
	if errors.As(err, &se) {
		stage = se.Stage
	}
	if e.Retries < p.cfg.MaxRetries {
		retry := &admission.Entry{
			Proposal: e.Proposal,
			Tier:     e.Tier.Lower(),
			Stage:    e.Stage,
			Retries:  e.Retries + 1,
		}
		qerr := p.queue.Enqueue(retry)
		if qerr == nil {
			p.retried.Add(1)
			p.logger.WarnContext(ctx, "stage failed, retrying", "proposal_id", id, "stage", stage, "retries", retry.Retries, "error", err)
			p.record("pipeline.retry", map[string]any{
				"proposal_id": id,
				"stage":       stage,
				"retries":     retry.Retries,
				"tier":        retry.Tier.String(),
			})
			return
		}
		err = fmt.Errorf("%w (retry not admitted: %v)", err, qerr)
	}

	p.failed.Add(1)
	p.logger.ErrorContext(ctx, "proposal failed permanently", "proposal_id", id, "stage", stage, "retries", e.Retries, "error", err)
	p.record("pipeline.failed", map[string]any{
		"proposal_id": id,
		"stage":       stage,
		"retries":     e.Retries,
		"error":       err.Error(),
	})
	p.cbMu.RLock()
	cbs := append([]FailureCallback(nil), p.onFailure...)
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.cbErrors.Add(1)
					p.logger.Error("failure callback panicked", "proposal_id", id, "panic", r)
				}
			}()
			cb(ctx, e, err)
		}()
	}
}

func (p *Pool) fireResult(ctx context.Context, r Result) {
	p.cbMu.RLock()
	cbs := append([]ResultCallback(nil), p.onResult...)
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					p.cbErrors.Add(1)
					p.logger.Error("result callback panicked", "proposal_id", r.Proposal.ID, "panic", rec)
				}
			}()
			if err := cb(ctx, r); err != nil {
				p.cbErrors.Add(1)
				p.logger.Error("result callback failed", "proposal_id", r.Proposal.ID, "error", err)
			}
		}()
	}
}

func (p *Pool) record(eventType string, payload map[string]any) {
	if _, err := p.recorder.Append(eventType, payload); err != nil {
		p.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers        int    `json:"workers"`
	Running        bool   `json:"running"`
	ActiveLoops    int64  `json:"active_loops"`
	Starts         uint64 `json:"starts"`
	Processed      uint64 `json:"processed"`
	Completed      uint64 `json:"completed"`
	Filtered       uint64 `json:"filtered"`
	Retried        uint64 `json:"retried"`
	Failed         uint64 `json:"failed"`
	ResultsDropped uint64 `json:"results_dropped"`
	CallbackErrors uint64 `json:"callback_errors"`
	Abandoned      uint64 `json:"abandoned"`
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:        p.cfg.Workers,
		Running:        p.Running(),
		ActiveLoops:    p.activeLoop.Load(),
		Starts:         p.starts.Load(),
		Processed:      p.processed.Load(),
		Completed:      p.completed.Load(),
		Filtered:       p.filtered.Load(),
		Retried:        p.retried.Load(),
		Failed:         p.failed.Load(),
		ResultsDropped: p.dropped.Load(),
		CallbackErrors: p.cbErrors.Load(),
		Abandoned:      p.abandoned.Load(),
	}
}
