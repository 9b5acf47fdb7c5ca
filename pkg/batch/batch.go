// Package batch groups proposals into size- and time-bounded batches and
// evaluates them against an executor.
//
// One batch is open at a time. It is sealed (READY) when it reaches
// MaxSize, on Flush, or once its deadline has passed and CheckDeadlines is
// called. There are no timer goroutines: the pipeline maintenance hook
// drives CheckDeadlines.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// ErrBatchNotFound is returned for unknown batch ids.
var ErrBatchNotFound = fmt.Errorf("batch %w", contracts.ErrNotFound)

// State is the batch lifecycle state.
type State string

const (
	StateCollecting State = "COLLECTING"
	StateReady      State = "READY"
	StateEvaluating State = "EVALUATING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Config bounds batch size, age and evaluation concurrency.
type Config struct {
	MaxSize              int           `yaml:"max_size"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
}

// DefaultConfig returns the batcher defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 32, Timeout: 100 * time.Millisecond, MaxConcurrentBatches: 4}
}

// Batch is a snapshot of one batch. The Batcher owns the live value.
type Batch struct {
	ID          string                `json:"id"`
	Proposals   []*contracts.Proposal `json:"proposals"`
	Priority    contracts.Priority    `json:"priority"`
	State       State                 `json:"state"`
	CreatedAt   time.Time             `json:"created_at"`
	Deadline    time.Time             `json:"deadline"`
	SealedAt    time.Time             `json:"sealed_at,omitempty"`
	CompletedAt time.Time             `json:"completed_at,omitempty"`
}

func (b *Batch) snapshot() *Batch {
	c := *b
	c.Proposals = slices.Clone(b.Proposals)
	return &c
}

// ItemError is the failure of one proposal inside a batch.
type ItemError struct {
	ProposalID string `json:"proposal_id"`
	Err        error  `json:"-"`
	Message    string `json:"error"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("proposal %s: %v", e.ProposalID, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// BatchResult reports partial success of one evaluation.
type BatchResult struct {
	BatchID   string              `json:"batch_id"`
	State     State               `json:"state"`
	Results   []*contracts.Result `json:"results"`
	Errors    []ItemError         `json:"errors,omitempty"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Duration  time.Duration       `json:"duration"`
}

// Batcher owns the batch registry.
type Batcher struct {
	cfg      Config
	executor contracts.Executor
	sem      *semaphore.Weighted
	recorder chain.Recorder
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	open      *Batch
	batches   map[string]*Batch
	order     []string
	submitted uint64
	inFlight  int
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithExecutor sets the per-proposal executor.
func WithExecutor(e contracts.Executor) Option {
	return func(b *Batcher) { b.executor = e }
}

// WithRecorder records batch transitions.
func WithRecorder(r chain.Recorder) Option {
	return func(b *Batcher) { b.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

// WithClock overrides the time source used for deadlines.
func WithClock(clock func() time.Time) Option {
	return func(b *Batcher) { b.clock = clock }
}

// New creates a Batcher.
func New(cfg Config, opts ...Option) *Batcher {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	b := &Batcher{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		recorder: chain.Discard,
		logger:   slog.Default().With("component", "batch"),
		clock:    time.Now,
		batches:  make(map[string]*Batch),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit adds p to a batch and returns the batch id. CRITICAL proposals
// get a singleton batch that is READY immediately.
func (b *Batcher) Submit(p *contracts.Proposal) (string, error) {
	if p == nil {
		return "", fmt.Errorf("batch: nil proposal")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted++

	if p.Priority == contracts.PriorityCritical {
		bt := b.newBatchLocked()
		bt.Proposals = append(bt.Proposals, p)
		bt.Priority = p.Priority
		b.sealLocked(bt, "critical")
		return bt.ID, nil
	}

	if b.open == nil {
		b.open = b.newBatchLocked()
	}
	bt := b.open
	bt.Proposals = append(bt.Proposals, p)
	if p.Priority.Higher(bt.Priority) {
		bt.Priority = p.Priority
	}
	if len(bt.Proposals) >= b.cfg.MaxSize {
		b.sealLocked(bt, "size")
	}
	return bt.ID, nil
}

func (b *Batcher) newBatchLocked() *Batch {
	now := b.clock().UTC()
	bt := &Batch{
		ID:        uuid.New().String(),
		Priority:  contracts.PriorityLow,
		State:     StateCollecting,
		CreatedAt: now,
		Deadline:  now.Add(b.cfg.Timeout),
	}
	b.batches[bt.ID] = bt
	b.order = append(b.order, bt.ID)
	b.record("batch.created", map[string]any{"batch_id": bt.ID})
	return bt
}

// sealLocked moves a collecting batch to READY.
func (b *Batcher) sealLocked(bt *Batch, reason string) {
	bt.State = StateReady
	bt.SealedAt = b.clock().UTC()
	if b.open == bt {
		b.open = nil
	}
	b.record("batch.ready", map[string]any{
		"batch_id": bt.ID,
		"size":     len(bt.Proposals),
		"reason":   reason,
	})
}

// Flush seals the open batch if it has members.
func (b *Batcher) Flush() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil || len(b.open.Proposals) == 0 {
		return "", false
	}
	id := b.open.ID
	b.sealLocked(b.open, "flush")
	return id, true
}

// CheckDeadlines seals the open batch if its deadline has passed and
// returns the ids sealed.
func (b *Batcher) CheckDeadlines(now time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil || len(b.open.Proposals) == 0 || now.Before(b.open.Deadline) {
		return nil
	}
	id := b.open.ID
	b.sealLocked(b.open, "deadline")
	return []string{id}
}

// Evaluate runs every proposal of a batch through the executor. It blocks
// while MaxConcurrentBatches evaluations are in flight.
func (b *Batcher) Evaluate(ctx context.Context, id string) (*BatchResult, error) {
	b.mu.Lock()
	bt, ok := b.batches[id]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	switch bt.State {
	case StateEvaluating, StateCompleted, StateFailed:
		b.mu.Unlock()
		return nil, fmt.Errorf("batch %s is %s: %w", id, bt.State, contracts.ErrBatchAlreadyDispatched)
	}
	if b.executor == nil {
		b.mu.Unlock()
		return nil, contracts.ErrNoExecutorConfigured
	}
	if bt.State == StateCollecting {
		b.sealLocked(bt, "evaluate")
	}
	bt.State = StateEvaluating
	proposals := slices.Clone(bt.Proposals)
	b.record("batch.evaluating", map[string]any{"batch_id": id, "size": len(proposals)})
	b.mu.Unlock()

	start := b.clock()
	res := &BatchResult{BatchID: id}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		res.State = StateFailed
		b.finish(bt, res, start)
		return res, fmt.Errorf("batch %s: waiting for evaluation slot: %w", id, err)
	}
	b.mu.Lock()
	b.inFlight++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
		b.sem.Release(1)
	}()

	cancelled := false
	for _, p := range proposals {
		if err := ctx.Err(); err != nil {
			cancelled = true
			res.addError(p.ID, err)
			continue
		}
		out, err := execute(ctx, b.executor, p)
		if err != nil {
			res.addError(p.ID, err)
			continue
		}
		res.Succeeded++
		if out != nil {
			if out.ProposalID == "" {
				out.ProposalID = p.ID
			}
			res.Results = append(res.Results, out)
		}
	}

	res.State = StateCompleted
	if cancelled || res.Failed == len(proposals) {
		res.State = StateFailed
	}
	b.finish(bt, res, start)
	return res, nil
}

func (r *BatchResult) addError(id string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, ItemError{ProposalID: id, Err: err, Message: err.Error()})
}

func (b *Batcher) finish(bt *Batch, res *BatchResult, start time.Time) {
	res.Duration = b.clock().Sub(start)
	b.mu.Lock()
	defer b.mu.Unlock()
	bt.State = res.State
	bt.CompletedAt = b.clock().UTC()
	eventType := "batch.completed"
	if res.State == StateFailed {
		eventType = "batch.failed"
	}
	b.record(eventType, map[string]any{
		"batch_id":  bt.ID,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	})
	if res.Failed > 0 {
		b.logger.Warn("batch finished with errors", "batch_id", bt.ID, "state", res.State, "failed", res.Failed, "succeeded", res.Succeeded)
	}
}

func execute(ctx context.Context, exec contracts.Executor, p *contracts.Proposal) (res *contracts.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, p)
}

// EvaluateAllReady checks deadlines, then evaluates every READY batch
// concurrently (still bounded by MaxConcurrentBatches). Results are in
// batch creation order.
func (b *Batcher) EvaluateAllReady(ctx context.Context) ([]*BatchResult, error) {
	b.CheckDeadlines(b.clock())

	b.mu.Lock()
	var ready []string
	for _, id := range b.order {
		if bt := b.batches[id]; bt != nil && bt.State == StateReady {
			ready = append(ready, id)
		}
	}
	b.mu.Unlock()

	results := make([]*BatchResult, len(ready))
	errs := make([]error, len(ready))
	var g errgroup.Group
	for i, id := range ready {
		g.Go(func() error {
			res, err := b.Evaluate(ctx, id)
			if errors.Is(err, contracts.ErrBatchAlreadyDispatched) {
				return nil
			}
			results[i], errs[i] = res, err
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*BatchResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// Get returns a snapshot of a batch.
func (b *Batcher) Get(id string) (*Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.batches[id]
	if !ok {
		return nil, false
	}
	return bt.snapshot(), true
}

// Prune forgets terminal batches completed before cutoff and returns how
// many were removed.
func (b *Batcher) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	b.order = slices.DeleteFunc(b.order, func(id string) bool {
		bt := b.batches[id]
		if bt.State.Terminal() && bt.CompletedAt.Before(cutoff) {
			delete(b.batches, id)
			removed++
			return true
		}
		return false
	})
	return removed
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Submitted     uint64        `json:"submitted"`
	OpenSize      int           `json:"open_size"`
	InFlight      int           `json:"in_flight"`
	ByState       map[State]int `json:"by_state"`
	MaxSize       int           `json:"max_size"`
	MaxConcurrent int           `json:"max_concurrent_batches"`
}

// Stats returns batch counts by state.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Submitted:     b.submitted,
		InFlight:      b.inFlight,
		ByState:       make(map[State]int),
		MaxSize:       b.cfg.MaxSize,
		MaxConcurrent: b.cfg.MaxConcurrentBatches,
	}
	if b.open != nil {
		s.OpenSize = len(b.open.Proposals)
	}
	for _, bt := range b.batches {
		s.ByState[bt.State]++
	}
	return s
}

func (b *Batcher) record(eventType string, payload map[string]any) {
	if _, err := b.recorder.Append(eventType, payload); err != nil {
		b.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}
