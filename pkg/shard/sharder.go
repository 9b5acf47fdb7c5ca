// Package shard distributes proposals across a fleet of logical capacity
// nodes. Nodes are accounting units only: a shard reserves capacity units
// and a concurrency slot on one node for as long as it runs.
package shard

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

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// Strategy picks a node among the eligible ones.
type Strategy string

const (
	LeastUtilized    Strategy = "LEAST_UTILIZED"
	RoundRobin       Strategy = "ROUND_ROBIN"
	PriorityAware    Strategy = "PRIORITY_AWARE"
	ResourceAffinity Strategy = "RESOURCE_AFFINITY"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case LeastUtilized, RoundRobin, PriorityAware, ResourceAffinity:
		return true
	}
	return false
}

// Config sizes parallel execution.
type Config struct {
	ShardSize   int `yaml:"shard_size"`
	MaxParallel int `yaml:"max_parallel"`
}

// DefaultConfig returns the sharder defaults.
func DefaultConfig() Config {
	return Config{ShardSize: 8, MaxParallel: 4}
}

// ShardSpec carries the placement hints of a shard.
type ShardSpec struct {
	Priority contracts.Priority
	Resource string
}

// Shard is a group of proposals bound to one node.
type Shard struct {
	ID        string                `json:"id"`
	NodeID    string                `json:"node_id"`
	Proposals []*contracts.Proposal `json:"proposals"`
	Units     int                   `json:"units"`
	Priority  contracts.Priority    `json:"priority"`
	Resource  string                `json:"resource,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// ItemError is the failure of one proposal inside a shard.
type ItemError struct {
	ProposalID string `json:"proposal_id"`
	Err        error  `json:"-"`
	Message    string `json:"error"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("proposal %s: %v", e.ProposalID, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// ShardResult is the outcome of one shard.
type ShardResult struct {
	ShardID  string              `json:"shard_id"`
	NodeID   string              `json:"node_id"`
	Results  []*contracts.Result `json:"results"`
	Errors   []ItemError         `json:"errors,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// ParallelResult joins every shard of ExecuteParallel, in shard order.
type ParallelResult struct {
	Shards  []*ShardResult      `json:"shards"`
	Results []*contracts.Result `json:"results"`
	Failed  int                 `json:"failed"`
}

// Sharder owns the node table.
type Sharder struct {
	strategy Strategy
	cfg      Config
	recorder chain.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	nodes    map[string]*Node
	rr       int
	created  uint64
	executed uint64
	failures uint64
	rejected uint64
}

// Option configures a Sharder.
type Option func(*Sharder)

// WithConfig sets shard size and parallelism.
func WithConfig(cfg Config) Option {
	return func(s *Sharder) { s.cfg = cfg }
}

// WithNodes registers nodes at construction.
func WithNodes(specs ...NodeSpec) Option {
	return func(s *Sharder) {
		for _, spec := range specs {
			if err := s.AddNode(spec); err != nil {
				s.logger.Warn("skipping node", "node_id", spec.ID, "error", err)
			}
		}
	}
}

// WithRecorder records shard lifecycle events.
func WithRecorder(r chain.Recorder) Option {
	return func(s *Sharder) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sharder) { s.logger = l }
}

// New creates a Sharder. Unknown strategies fail with
// contracts.ErrUnknownStrategy.
func New(strategy Strategy, opts ...Option) (*Sharder, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("shard: %w: %q", contracts.ErrUnknownStrategy, strategy)
	}
	s := &Sharder{
		strategy: strategy,
		cfg:      DefaultConfig(),
		recorder: chain.Discard,
		logger:   slog.Default().With("component", "shard"),
		nodes:    make(map[string]*Node),
	}
	for _, opt := range opts {
		opt(s)
	}
	def := DefaultConfig()
	if s.cfg.ShardSize <= 0 {
		s.cfg.ShardSize = def.ShardSize
	}
	if s.cfg.MaxParallel <= 0 {
		s.cfg.MaxParallel = def.MaxParallel
	}
	return s, nil
}

// Strategy returns the configured strategy.
func (s *Sharder) Strategy() Strategy { return s.strategy }

// AddNode registers an ONLINE node.
func (s *Sharder) AddNode(spec NodeSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("shard: node id is required")
	}
	if spec.Capacity <= 0 || spec.MaxConcurrent <= 0 {
		return fmt.Errorf("shard: node %s: capacity and max_concurrent must be positive", spec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[spec.ID]; exists {
		return fmt.Errorf("shard: node %s already registered", spec.ID)
	}
	s.nodes[spec.ID] = &Node{
		ID:            spec.ID,
		Capacity:      spec.Capacity,
		MaxConcurrent: spec.MaxConcurrent,
		Status:        NodeOnline,
		Tags:          slices.Clone(spec.Tags),
	}
	s.record("shard.node_added", map[string]any{"node_id": spec.ID, "capacity": spec.Capacity})
	return nil
}

// RemoveNode unregisters an idle node.
func (s *Sharder) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("shard: node %s: %w", id, contracts.ErrNotFound)
	}
	if n.Active > 0 {
		return fmt.Errorf("shard: node %s has %d running shards", id, n.Active)
	}
	delete(s.nodes, id)
	s.record("shard.node_removed", map[string]any{"node_id": id})
	return nil
}

// SetNodeStatus changes a node's status. Running shards finish normally.
func (s *Sharder) SetNodeStatus(id string, status NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("shard: node %s: %w", id, contracts.ErrNotFound)
	}
	n.Status = status
	s.record("shard.node_status", map[string]any{"node_id": id, "status": string(status)})
	return nil
}

// Nodes returns snapshots of every node, ordered by id.
func (s *Sharder) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.sortedLocked() {
		out = append(out, n.snapshot())
	}
	return out
}

func (s *Sharder) sortedLocked() []*Node {
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// selectLocked applies the strategy to the nodes able to take units.
func (s *Sharder) selectLocked(units int, spec ShardSpec) *Node {
	var eligible []*Node
	for _, n := range s.sortedLocked() {
		if n.canTake(units) {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	switch s.strategy {
	case RoundRobin:
		return s.roundRobinLocked(eligible)
	case PriorityAware:
		if spec.Priority == contracts.PriorityCritical || spec.Priority == contracts.PriorityHigh {
			return leastUtilized(eligible)
		}
		return s.roundRobinLocked(eligible)
	case ResourceAffinity:
		if spec.Resource != "" {
			var tagged []*Node
			for _, n := range eligible {
				if n.HasTag(spec.Resource) {
					tagged = append(tagged, n)
				}
			}
			if len(tagged) > 0 {
				return leastUtilized(tagged)
			}
		}
		return leastUtilized(eligible)
	default:
		return leastUtilized(eligible)
	}
}

func (s *Sharder) roundRobinLocked(eligible []*Node) *Node {
	n := eligible[s.rr%len(eligible)]
	s.rr++
	return n
}

func leastUtilized(nodes []*Node) *Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Utilization() < best.Utilization() {
			best = n
		}
	}
	return best
}

// CreateShard binds proposals to a node chosen by the strategy. It fails
// with contracts.ErrNoCapacity when no ONLINE node has the spare units and
// a free concurrency slot.
func (s *Sharder) CreateShard(proposals []*contracts.Proposal, spec ShardSpec) (*Shard, error) {
	if len(proposals) == 0 {
		return nil, fmt.Errorf("shard: empty shard")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(proposals, spec)
}

func (s *Sharder) createLocked(proposals []*contracts.Proposal, spec ShardSpec) (*Shard, error) {
	units := len(proposals)
	n := s.selectLocked(units, spec)
	if n == nil {
		s.rejected++
		s.logger.Warn("no node capacity for shard", "units", units, "priority", spec.Priority.String())
		return nil, fmt.Errorf("shard: %d units at %s: %w", units, spec.Priority, contracts.ErrNoCapacity)
	}
	sh := &Shard{
		ID:        uuid.New().String(),
		NodeID:    n.ID,
		Proposals: slices.Clone(proposals),
		Units:     units,
		Priority:  spec.Priority,
		Resource:  spec.Resource,
		CreatedAt: time.Now().UTC(),
	}
	s.created++
	s.record("shard.created", map[string]any{"shard_id": sh.ID, "node_id": n.ID, "units": units})
	return sh, nil
}

// reserveLocked claims the shard's units and a concurrency slot.
func (s *Sharder) reserveLocked(sh *Shard) error {
	n, ok := s.nodes[sh.NodeID]
	if !ok {
		s.rejected++
		return fmt.Errorf("shard %s: node %s is gone: %w", sh.ID, sh.NodeID, contracts.ErrNoCapacity)
	}
	if !n.canTake(sh.Units) {
		s.rejected++
		return fmt.Errorf("shard %s: node %s: %w", sh.ID, sh.NodeID, contracts.ErrNoCapacity)
	}
	n.Allocated += sh.Units
	n.Active++
	return nil
}

func (s *Sharder) release(sh *Shard, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++
	if failed {
		s.failures++
	}
	if n, ok := s.nodes[sh.NodeID]; ok {
		n.Allocated -= sh.Units
		n.Active--
		if failed {
			n.Failed++
		} else {
			n.Completed++
		}
	}
}

// ExecuteShard reserves the shard's capacity, runs its proposals serially
// and releases the reservation on every exit path. Executor panics are
// recovered into item errors.
func (s *Sharder) ExecuteShard(ctx context.Context, sh *Shard, exec contracts.Executor) (*ShardResult, error) {
	if exec == nil {
		return nil, contracts.ErrNoExecutorConfigured
	}
	s.mu.Lock()
	err := s.reserveLocked(sh)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.run(ctx, sh, exec), nil
}

// run executes a reserved shard.
func (s *Sharder) run(ctx context.Context, sh *Shard, exec contracts.Executor) (res *ShardResult) {
	start := time.Now()
	res = &ShardResult{ShardID: sh.ID, NodeID: sh.NodeID}
	defer func() {
		if r := recover(); r != nil {
			res.Errors = append(res.Errors, itemError("", fmt.Errorf("shard panic: %v", r)))
		}
		res.Duration = time.Since(start)
		failed := len(res.Errors) > 0 && len(res.Results) == 0
		s.release(sh, failed)
		s.record("shard.executed", map[string]any{
			"shard_id":  sh.ID,
			"node_id":   sh.NodeID,
			"succeeded": len(res.Results),
			"failed":    len(res.Errors),
		})
	}()

	for _, p := range sh.Proposals {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, itemError(p.ID, err))
			continue
		}
		out, err := safeExecute(ctx, exec, p)
		if err != nil {
			res.Errors = append(res.Errors, itemError(p.ID, err))
			continue
		}
		if out != nil {
			if out.ProposalID == "" {
				out.ProposalID = p.ID
			}
			res.Results = append(res.Results, out)
		}
	}
	return res
}

func itemError(id string, err error) ItemError {
	return ItemError{ProposalID: id, Err: err, Message: err.Error()}
}

func safeExecute(ctx context.Context, exec contracts.Executor, p *contracts.Proposal) (res *contracts.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, p)
}

// ExecuteParallel splits proposals into shards of ShardSize and runs at
// most MaxParallel of them at once. Placement and reservation happen
// atomically per shard; a shard that finds no capacity fails with
// contracts.ErrNoCapacity without affecting its siblings.
func (s *Sharder) ExecuteParallel(ctx context.Context, proposals []*contracts.Proposal, exec contracts.Executor) (*ParallelResult, error) {
	if exec == nil {
		return nil, contracts.ErrNoExecutorConfigured
	}
	chunks := chunk(proposals, s.cfg.ShardSize)
	shardResults := make([]*ShardResult, len(chunks))
	errs := make([]error, len(chunks))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxParallel)
	for i, c := range chunks {
		g.Go(func() error {
			spec := ShardSpec{Priority: highest(c)}
			if r, ok := c[0].Payload["resource"].(string); ok {
				spec.Resource = r
			}
			s.mu.Lock()
			sh, err := s.createLocked(c, spec)
			if err == nil {
				err = s.reserveLocked(sh)
			}
			s.mu.Unlock()
			if err != nil {
				errs[i] = err
				return nil
			}
			shardResults[i] = s.run(ctx, sh, exec)
			return nil
		})
	}
	_ = g.Wait()

	out := &ParallelResult{}
	for i, r := range shardResults {
		if r == nil {
			out.Failed += len(chunks[i])
			continue
		}
		out.Shards = append(out.Shards, r)
		out.Results = append(out.Results, r.Results...)
		out.Failed += len(r.Errors)
	}
	return out, errors.Join(errs...)
}

func chunk(proposals []*contracts.Proposal, size int) [][]*contracts.Proposal {
	var out [][]*contracts.Proposal
	for size < len(proposals) {
		proposals, out = proposals[size:], append(out, proposals[:size:size])
	}
	if len(proposals) > 0 {
		out = append(out, proposals)
	}
	return out
}

func highest(proposals []*contracts.Proposal) contracts.Priority {
	best := contracts.PriorityLow
	for _, p := range proposals {
		if p.Priority.Higher(best) {
			best = p.Priority
		}
	}
	return best
}

// Stats is a snapshot of fleet accounting.
type Stats struct {
	Strategy           Strategy `json:"strategy"`
	Nodes              int      `json:"nodes"`
	Online             int      `json:"online"`
	Capacity           int      `json:"capacity"`
	Allocated          int      `json:"allocated"`
	Active             int      `json:"active"`
	ShardsCreated      uint64   `json:"shards_created"`
	ShardsExecuted     uint64   `json:"shards_executed"`
	ShardFailures      uint64   `json:"shard_failures"`
	CapacityRejections uint64   `json:"capacity_rejections"`
	Utilization        float64  `json:"utilization"`
}

// Stats returns fleet totals.
func (s *Sharder) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Strategy:           s.strategy,
		Nodes:              len(s.nodes),
		ShardsCreated:      s.created,
		ShardsExecuted:     s.executed,
		ShardFailures:      s.failures,
		CapacityRejections: s.rejected,
	}
	for _, n := range s.nodes {
		if n.Status == NodeOnline {
			st.Online++
		}
		st.Capacity += n.Capacity
		st.Allocated += n.Allocated
		st.Active += n.Active
	}
	if st.Capacity > 0 {
		st.Utilization = float64(st.Allocated) / float64(st.Capacity)
	}
	return st
}

func (s *Sharder) record(eventType string, payload map[string]any) {
	if _, err := s.recorder.Append(eventType, payload); err != nil {
		s.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}
