package orchestrator

import (
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/admission"
	"github.com/Mindburn-Labs/helm/proposals/pkg/approval"
	"github.com/Mindburn-Labs/helm/proposals/pkg/batch"
	"github.com/Mindburn-Labs/helm/proposals/pkg/firewall"
	"github.com/Mindburn-Labs/helm/proposals/pkg/lazy"
	"github.com/Mindburn-Labs/helm/proposals/pkg/pipeline"
	"github.com/Mindburn-Labs/helm/proposals/pkg/shard"
	"github.com/Mindburn-Labs/helm/proposals/pkg/speculative"
	"github.com/Mindburn-Labs/helm/proposals/pkg/throttle"
)

// ChainStats summarizes the audit log.
type ChainStats struct {
	Length   int    `json:"length"`
	Head     string `json:"head"`
	Verified bool   `json:"verified"`
	Break    string `json:"break,omitempty"`
}

// Snapshot aggregates every component's counters.
type Snapshot struct {
	Queue       admission.Stats    `json:"queue"`
	Pipeline    pipeline.Stats     `json:"pipeline"`
	Batch       batch.Stats        `json:"batch"`
	Shard       shard.Stats        `json:"shard"`
	Throttle    throttle.Stats     `json:"throttle"`
	Lazy        lazy.Stats         `json:"lazy"`
	Speculative *speculative.Stats `json:"speculative,omitempty"`
	Approval    approval.Stats     `json:"approval"`
	Firewall    *firewall.Stats    `json:"firewall,omitempty"`
	Chain       ChainStats         `json:"chain"`
	Held        int                `json:"held"`
	TakenAt     time.Time          `json:"taken_at"`
}

// Stats returns a point-in-time snapshot. Components are read one at a
// time, so the snapshot is not atomic across components.
func (o *Orchestrator) Stats() Snapshot {
	ok, brk := o.chain.Verify()
	s := Snapshot{
		Queue:    o.queue.Stats(),
		Pipeline: o.pool.Stats(),
		Batch:    o.batcher.Stats(),
		Shard:    o.sharder.Stats(),
		Throttle: o.throttler.Stats(),
		Lazy:     o.lazy.Stats(),
		Approval: o.approvals.Stats(),
		Chain: ChainStats{
			Length:   o.chain.Len(),
			Head:     o.chain.Proof(),
			Verified: ok,
			Break:    brk,
		},
		TakenAt: time.Now().UTC(),
	}
	if o.spec != nil {
		st := o.spec.Stats()
		s.Speculative = &st
	}
	if o.firewall != nil {
		st := o.firewall.Stats()
		s.Firewall = &st
	}
	o.mu.Lock()
	s.Held = len(o.gates)
	o.mu.Unlock()
	return s
}
