// Package admission implements the bounded, multi-tier admission queue.
//
// Each priority tier is an independent FIFO backed by a buffered channel.
// Enqueue and Dequeue never block: a full tier rejects immediately with
// contracts.ErrAdmissionFull and never spills into a neighbouring tier.
package admission

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// DefaultTierCapacity is used for tiers without an explicit capacity.
const DefaultTierCapacity = 256

// fullThreshold is the aggregate fill ratio at which Status reports FULL.
const fullThreshold = 0.9

// Status is a coarse fill indicator, for observability only.
type Status string

const (
	StatusEmpty  Status = "EMPTY"
	StatusActive Status = "ACTIVE"
	StatusFull   Status = "FULL"
)

// Entry is a proposal owned by the queue or a pipeline worker.
type Entry struct {
	Proposal   *contracts.Proposal
	Tier       contracts.Priority
	EnqueuedAt time.Time
	Stage      int
	Retries    int
}

// NewEntry wraps p at its own tier.
func NewEntry(p *contracts.Proposal) *Entry {
	return &Entry{Proposal: p, Tier: p.Priority}
}

type tier struct {
	items    chan *Entry
	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// Queue is the priority admission queue.
type Queue struct {
	tiers    [contracts.NumPriorities]*tier
	capacity int
	recorder chain.Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithTierCapacity overrides the capacity of one tier.
func WithTierCapacity(p contracts.Priority, capacity int) Option {
	return func(q *Queue) {
		if p.Valid() && capacity > 0 {
			q.tiers[p] = &tier{items: make(chan *Entry, capacity)}
		}
	}
}

// WithRecorder records admissions and drops.
func WithRecorder(r chain.Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the enqueue timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// New creates a queue where every tier holds capacity entries.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultTierCapacity
	}
	q := &Queue{
		recorder: chain.Discard,
		logger:   slog.Default().With("component", "admission"),
		clock:    time.Now,
	}
	for i := range q.tiers {
		q.tiers[i] = &tier{items: make(chan *Entry, capacity)}
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, t := range q.tiers {
		q.capacity += cap(t.items)
	}
	return q
}

// Submit enqueues p at its own tier.
func (q *Queue) Submit(p *contracts.Proposal) error {
	return q.Enqueue(NewEntry(p))
}

// Enqueue pushes e into e.Tier without blocking.
func (q *Queue) Enqueue(e *Entry) error {
	if e == nil || e.Proposal == nil {
		return fmt.Errorf("admission: nil entry")
	}
	if !e.Tier.Valid() {
		return fmt.Errorf("admission: invalid tier %d", int(e.Tier))
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.clock().UTC()
	}
	t := q.tiers[e.Tier]
	select {
	case t.items <- e:
		t.enqueued.Add(1)
		q.record("queue.enqueued", e)
		return nil
	default:
		t.dropped.Add(1)
		q.logger.Warn("admission tier full", "tier", e.Tier.String(), "proposal_id", e.Proposal.ID)
		q.record("queue.dropped", e)
		return fmt.Errorf("admission: tier %s: %w", e.Tier, contracts.ErrAdmissionFull)
	}
}

// Dequeue returns the oldest entry of the highest non-empty tier.
// It returns (nil, false) when every tier is empty.
func (q *Queue) Dequeue() (*Entry, bool) {
	for _, t := range q.tiers {
		select {
		case e := <-t.items:
			t.dequeued.Add(1)
			return e, true
		default:
		}
	}
	return nil, false
}

// Len is the aggregate depth.
func (q *Queue) Len() int {
	n := 0
	for _, t := range q.tiers {
		n += len(t.items)
	}
	return n
}

// Capacity is the aggregate capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Status derives EMPTY, ACTIVE or FULL from the aggregate fill ratio.
func (q *Queue) Status() Status {
	n := q.Len()
	switch {
	case n == 0:
		return StatusEmpty
	case float64(n) >= fullThreshold*float64(q.capacity):
		return StatusFull
	default:
		return StatusActive
	}
}

// TierStats are the counters of one tier.
type TierStats struct {
	Tier     contracts.Priority `json:"tier"`
	Depth    int                `json:"depth"`
	Capacity int                `json:"capacity"`
	Enqueued uint64             `json:"enqueued"`
	Dequeued uint64             `json:"dequeued"`
	Dropped  uint64             `json:"dropped"`
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Status   Status      `json:"status"`
	Depth    int         `json:"depth"`
	Capacity int         `json:"capacity"`
	Dropped  uint64      `json:"dropped"`
	Tiers    []TierStats `json:"tiers"`
}

// Stats returns counters for every tier.
func (q *Queue) Stats() Stats {
	s := Stats{Status: q.Status(), Capacity: q.capacity}
	for i, t := range q.tiers {
		ts := TierStats{
			Tier:     contracts.Priority(i),
			Depth:    len(t.items),
			Capacity: cap(t.items),
			Enqueued: t.enqueued.Load(),
			Dequeued: t.dequeued.Load(),
			Dropped:  t.dropped.Load(),
		}
		s.Depth += ts.Depth
		s.Dropped += ts.Dropped
		s.Tiers = append(s.Tiers, ts)
	}
	return s
}

func (q *Queue) record(eventType string, e *Entry) {
	_, err := q.recorder.Append(eventType, map[string]any{
		"proposal_id": e.Proposal.ID,
		"tier":        e.Tier.String(),
		"retries":     e.Retries,
	})
	if err != nil {
		q.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}
