// Package speculative pre-executes proposals that are likely to be
// approved and caches the results until they are validated or discarded.
package speculative

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// State is the lifecycle of a cache entry.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateValidated State = "VALIDATED"
	StateDiscarded State = "DISCARDED"
	StateFailed    State = "FAILED"
)

// Config tunes speculation.
type Config struct {
	Threshold float64       `yaml:"threshold"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
	// Wait bounds how long Await blocks on a speculation still in flight.
	Wait      time.Duration `yaml:"wait"`
}

// DefaultConfig returns the speculation defaults.
func DefaultConfig() Config {
	return Config{Threshold: 0.7, CacheSize: 256, Timeout: 30 * time.Second, Wait: time.Second}
}

// Entry is a snapshot of one cached speculation.
type Entry struct {
	ProposalID  string            `json:"proposal_id"`
	Type        string            `json:"type"`
	State       State             `json:"state"`
	Score       float64           `json:"score"`
	Result      *contracts.Result `json:"result,omitempty"`
	Err         error             `json:"-"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
}

type entry struct {
	Entry
	used uint64
	done chan struct{} // closed when run returns
}

// Executor runs speculations on its own goroutines.
type Executor struct {
	cfg       Config
	estimator *Estimator
	exec      contracts.Executor
	recorder  chain.Recorder
	logger    *slog.Logger

	wg        sync.WaitGroup
	mu        sync.Mutex
	entries   map[string]*entry
	inflight  map[chan struct{}]struct{} // done channels of live runs
	tick      uint64
	started   uint64
	belowBar  uint64
	cacheFull uint64
	evicted   uint64
	validated uint64
	discarded uint64
	failed    uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder records speculation outcomes.
func WithRecorder(r chain.Recorder) Option {
	return func(x *Executor) { x.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// NewExecutor creates a speculative executor around exec. A nil estimator
// gets a fresh one.
func NewExecutor(cfg Config, est *Estimator, exec contracts.Executor, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Wait < 0 {
		cfg.Wait = 0
	}
	if est == nil {
		est = NewEstimator(nil)
	}
	x := &Executor{
		cfg:       cfg,
		estimator: est,
		exec:      exec,
		recorder:  chain.Discard,
		logger:    slog.Default().With("component", "speculative"),
		entries:   make(map[string]*entry),
		inflight:  make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Estimator returns the likelihood estimator.
func (x *Executor) Estimator() *Estimator { return x.estimator }

// Speculate starts executing p in the background if its score clears the
// threshold and the cache has room. It reports whether a run was started.
func (x *Executor) Speculate(ctx context.Context, p *contracts.Proposal) bool {
	if x.exec == nil || p == nil {
		return false
	}
	score := x.estimator.Score(p)

	x.mu.Lock()
	if score < x.cfg.Threshold {
		x.belowBar++
		x.mu.Unlock()
		return false
	}
	if _, exists := x.entries[p.ID]; exists {
		x.mu.Unlock()
		return false
	}
	if len(x.entries) >= x.cfg.CacheSize && !x.evictLocked() {
		x.cacheFull++
		x.mu.Unlock()
		x.logger.Debug("speculation cache full", "proposal_id", p.ID)
		return false
	}
	e := &entry{Entry: Entry{
		ProposalID: p.ID,
		Type:       p.Type,
		State:      StatePending,
		Score:      score,
		CreatedAt:  time.Now().UTC(),
	}, done: make(chan struct{})}
	x.touchLocked(e)
	x.entries[p.ID] = e
	x.inflight[e.done] = struct{}{}
	x.started++
	x.wg.Add(1)
	x.mu.Unlock()

	x.record("speculation.started", map[string]any{"proposal_id": p.ID, "score": score})
	go x.run(context.WithoutCancel(ctx), p, e)
	return true
}

func (x *Executor) touchLocked(e *entry) {
	x.tick++
	e.used = x.tick
}

// evictLocked drops the least recently used entry that is neither in
// flight nor validated, falling back to the oldest validated one.
func (x *Executor) evictLocked() bool {
	var victim, validated *entry
	for _, e := range x.entries {
		switch e.State {
		case StatePending, StateRunning:
			continue
		case StateValidated:
			if validated == nil || e.used < validated.used {
				validated = e
			}
		default:
			if victim == nil || e.used < victim.used {
				victim = e
			}
		}
	}
	if victim == nil {
		victim = validated
	}
	if victim == nil {
		return false
	}
	delete(x.entries, victim.ProposalID)
	x.evicted++
	return true
}

func (x *Executor) run(ctx context.Context, p *contracts.Proposal, tracked *entry) {
	defer x.wg.Done()
	defer func() {
		x.mu.Lock()
		delete(x.inflight, tracked.done)
		x.mu.Unlock()
		close(tracked.done)
	}()
	if x.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.cfg.Timeout)
		defer cancel()
	}

	x.mu.Lock()
	if e := x.entries[p.ID]; e != nil && e.State == StatePending {
		e.State = StateRunning
	}
	x.mu.Unlock()

	res, err := x.execute(ctx, p)
	if err == nil && res == nil {
		err = fmt.Errorf("executor produced no result")
	}

	x.mu.Lock()
	e := x.entries[p.ID]
	if e == nil || e.State != StateRunning {
		// Discarded or evicted while running.
		x.mu.Unlock()
		return
	}
	e.CompletedAt = time.Now().UTC()
	if err != nil {
		e.State, e.Err, e.Reason = StateFailed, err, err.Error()
		x.failed++
	} else {
		if res.ProposalID == "" {
			res.ProposalID = p.ID
		}
		e.State, e.Result = StateCompleted, res
	}
	state := e.State
	x.mu.Unlock()

	if err != nil {
		x.logger.Warn("speculation failed", "proposal_id", p.ID, "error", err)
	}
	x.record("speculation.finished", map[string]any{"proposal_id": p.ID, "state": string(state)})
}

func (x *Executor) execute(ctx context.Context, p *contracts.Proposal) (res *contracts.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return x.exec.Execute(ctx, p)
}

// ValidateResult consumes a COMPLETED speculation: the entry becomes
// VALIDATED and its result is returned once. Any other state returns false.
func (x *Executor) ValidateResult(id string) (*contracts.Result, bool) {
	x.mu.Lock()
	e := x.entries[id]
	if e == nil || e.State != StateCompleted {
		x.mu.Unlock()
		return nil, false
	}
	e.State = StateValidated
	x.touchLocked(e)
	x.validated++
	res := *e.Result
	res.Speculative = true
	typ := e.Type
	x.mu.Unlock()

	x.estimator.Record(typ, true)
	x.record("speculation.validated", map[string]any{"proposal_id": id})
	return &res, true
}

// Await claims id's speculation like ValidateResult, first waiting up to
// Config.Wait for one still PENDING or RUNNING. A speculation that does not
// finish in time is discarded as superseded, so a caller that falls back to
// executing directly never races a late result.
func (x *Executor) Await(ctx context.Context, id string) (*contracts.Result, bool) {
	x.mu.Lock()
	var done chan struct{}
	if e := x.entries[id]; e != nil && (e.State == StatePending || e.State == StateRunning) {
		done = e.done
	}
	x.mu.Unlock()

	if done != nil {
		timer := time.NewTimer(x.cfg.Wait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			x.DiscardResult(id, "superseded")
			return nil, false
		case <-ctx.Done():
			x.DiscardResult(id, "superseded")
			return nil, false
		}
	}
	return x.ValidateResult(id)
}

// DiscardResult marks a speculation DISCARDED and feeds a negative outcome
// back into the estimator. VALIDATED and DISCARDED entries are final.
func (x *Executor) DiscardResult(id, reason string) bool {
	x.mu.Lock()
	e := x.entries[id]
	if e == nil || e.State == StateValidated || e.State == StateDiscarded {
		x.mu.Unlock()
		return false
	}
	e.State, e.Reason = StateDiscarded, reason
	x.touchLocked(e)
	x.discarded++
	typ := e.Type
	x.mu.Unlock()

	x.estimator.Record(typ, false)
	x.record("speculation.discarded", map[string]any{"proposal_id": id, "reason": reason})
	return true
}

// Lookup returns a snapshot of an entry.
func (x *Executor) Lookup(id string) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e := x.entries[id]
	if e == nil {
		return Entry{}, false
	}
	return e.Entry, true
}

// Wait blocks until every started speculation has finished.
func (x *Executor) Wait() { x.wg.Wait() }

// WaitTimeout is Wait bounded by timeout. It reports whether every
// speculation finished in time and leaves nothing blocked behind it.
func (x *Executor) WaitTimeout(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		var done chan struct{}
		x.mu.Lock()
		for ch := range x.inflight {
			done = ch
			break
		}
		x.mu.Unlock()
		if done == nil {
			return true
		}
		select {
		case <-done:
		case <-timer.C:
			return false
		}
	}
}

// Stats is a snapshot of speculation counters.
type Stats struct {
	Size           int           `json:"size"`
	Capacity       int           `json:"capacity"`
	Started        uint64        `json:"started"`
	BelowThreshold uint64        `json:"below_threshold"`
	CacheFull      uint64        `json:"cache_full"`
	Evicted        uint64        `json:"evicted"`
	Validated      uint64        `json:"validated"`
	Discarded      uint64        `json:"discarded"`
	Failed         uint64        `json:"failed"`
	ByState        map[State]int `json:"by_state"`
}

// Stats returns cache counters.
func (x *Executor) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := Stats{
		Size:           len(x.entries),
		Capacity:       x.cfg.CacheSize,
		Started:        x.started,
		BelowThreshold: x.belowBar,
		CacheFull:      x.cacheFull,
		Evicted:        x.evicted,
		Validated:      x.validated,
		Discarded:      x.discarded,
		Failed:         x.failed,
		ByState:        make(map[State]int),
	}
	for _, e := range x.entries {
		s.ByState[e.State]++
	}
	return s
}

func (x *Executor) record(eventType string, payload map[string]any) {
	if _, err := x.recorder.Append(eventType, payload); err != nil {
		x.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}
