package orchestrator

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm/proposals/pkg/approval"
	"github.com/Mindburn-Labs/helm/proposals/pkg/batch"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/observability"
	"github.com/Mindburn-Labs/helm/proposals/pkg/shard"
)

// systemApprover votes on behalf of the orchestrator itself.
const systemApprover = "system:orchestrator"

// SubmitReceipt describes how a submission was admitted.
type SubmitReceipt struct {
	ProposalID        string             `json:"proposal_id"`
	Priority          contracts.Priority `json:"priority"`
	ApprovalRequestID string             `json:"approval_request_id,omitempty"`
	Speculating       bool               `json:"speculating"`
}

// SubmitProposal admits p into the pipeline. Proposals at or above the
// approval threshold get an approval request and are held by the gate
// until it resolves. A full tier fails with contracts.ErrAdmissionFull.
func (o *Orchestrator) SubmitProposal(ctx context.Context, p *contracts.Proposal) (_ *SubmitReceipt, err error) {
	if err := o.admit(p); err != nil {
		return nil, err
	}
	ctx, finish := o.telemetry.TrackOperation(ctx, "proposal.submit",
		observability.ProposalOperation(p.ID, p.Type, p.Priority.String())...)
	defer func() { finish(err) }()

	rcpt := &SubmitReceipt{ProposalID: p.ID, Priority: p.Priority}
	if t := o.cfg.Approval.AutoThreshold; t > 0 && p.Impact >= t {
		req, err := o.approvals.CreateRequest(ctx, p.ID, levelForImpact(p.Impact))
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.gates[p.ID] = &gate{requestID: req.ID, proposal: p}
		o.byRequest[req.ID] = p.ID
		o.mu.Unlock()
		rcpt.ApprovalRequestID = req.ID
		observability.AddSpanEvent(ctx, "proposal.held", observability.AttrApprovalID.String(req.ID))
	}

	if o.spec != nil {
		rcpt.Speculating = o.spec.Speculate(ctx, p)
	}

	if err := o.queue.Submit(p); err != nil {
		if rcpt.ApprovalRequestID != "" {
			o.mu.Lock()
			o.dropGateLocked(p.ID)
			o.mu.Unlock()
			_, _ = o.approvals.AddApproval(ctx, rcpt.ApprovalRequestID, systemApprover,
				approval.Decision{Approve: false, Reason: "admission rejected"})
		}
		return nil, err
	}

	o.logger.DebugContext(ctx, "proposal submitted",
		"proposal_id", p.ID,
		"priority", p.Priority.String(),
		"held", rcpt.ApprovalRequestID != "",
		"speculating", rcpt.Speculating,
	)
	return rcpt, nil
}

// levelForImpact maps declared impact to the number of approvers.
func levelForImpact(impact float64) approval.Level {
	switch {
	case impact >= 0.95:
		return approval.LevelBoard
	case impact >= 0.9:
		return approval.LevelDual
	default:
		return approval.LevelSingle
	}
}

// ReleaseDeferred re-submits a proposal the lazy evaluator deferred. It
// will be evaluated on its next pass.
func (o *Orchestrator) ReleaseDeferred(id string) error {
	p, ok := o.lazy.Release(id)
	if !ok {
		return fmt.Errorf("deferred proposal %s: %w", id, contracts.ErrNotFound)
	}
	return o.queue.Submit(p)
}

// RequestApproval opens an approval request for an arbitrary resource.
func (o *Orchestrator) RequestApproval(ctx context.Context, resourceID string, level approval.Level) (*approval.Request, error) {
	return o.approvals.CreateRequest(ctx, resourceID, level)
}

// Approve records one approver's vote. Resolution releases or drops the
// proposal held behind the request.
func (o *Orchestrator) Approve(ctx context.Context, requestID, approverID string, approve bool, reason string) (_ *approval.Request, err error) {
	level := ""
	if req, ok := o.approvals.Get(requestID); ok {
		level = string(req.Level)
	}
	ctx, finish := o.telemetry.TrackOperation(ctx, "approval.vote",
		observability.ApprovalOperation(requestID, level, approverID)...)
	defer func() { finish(err) }()

	return o.approvals.AddApproval(ctx, requestID, approverID, approval.Decision{Approve: approve, Reason: reason})
}

// Approval returns a request snapshot.
func (o *Orchestrator) Approval(requestID string) (*approval.Request, bool) {
	return o.approvals.Get(requestID)
}

// onResolve releases or drops the proposal gated by req.
func (o *Orchestrator) onResolve(ctx context.Context, req *approval.Request, receipt *approval.Receipt) {
	o.mu.Lock()
	pid, ok := o.byRequest[req.ID]
	if !ok {
		o.mu.Unlock()
		return
	}
	g := o.gates[pid]
	var requeue bool
	switch req.State {
	case approval.StateApproved:
		g.approved = true
		requeue = g.parked
		g.parked = false
	case approval.StateRejected:
		if g.parked {
			o.dropGateLocked(pid)
		} else {
			g.rejected = true
		}
	}
	o.mu.Unlock()

	switch req.State {
	case approval.StateApproved:
		if requeue {
			if err := o.queue.Submit(g.proposal); err != nil {
				o.logger.ErrorContext(ctx, "approved proposal could not be re-enqueued", "proposal_id", pid, "error", err)
				o.mu.Lock()
				o.dropGateLocked(pid)
				o.mu.Unlock()
			}
		}
		o.record("proposal.released", map[string]any{"proposal_id": pid, "request_id": req.ID})
	case approval.StateRejected:
		if o.spec != nil {
			o.spec.DiscardResult(pid, "approval rejected")
		}
		o.record("proposal.rejected", map[string]any{
			"proposal_id": pid,
			"request_id":  req.ID,
			"receipt":     receipt.ContentHash,
		})
	}
}

// SubmitToBatch adds p to the open batch and returns the batch id.
func (o *Orchestrator) SubmitToBatch(_ context.Context, p *contracts.Proposal) (string, error) {
	if err := o.admit(p); err != nil {
		return "", err
	}
	return o.batcher.Submit(p)
}

// FlushBatch seals the open batch.
func (o *Orchestrator) FlushBatch() (string, bool) { return o.batcher.Flush() }

// EvaluateBatch evaluates one batch through the sharded executor.
func (o *Orchestrator) EvaluateBatch(ctx context.Context, id string) (_ *batch.BatchResult, err error) {
	size := 0
	if b, ok := o.batcher.Get(id); ok {
		size = len(b.Proposals)
	}
	ctx, finish := o.telemetry.TrackOperation(ctx, "batch.evaluate", observability.BatchOperation(id, size)...)
	defer func() { finish(err) }()
	return o.batcher.Evaluate(ctx, id)
}

// EvaluateAllReady seals expired batches and evaluates every READY batch.
func (o *Orchestrator) EvaluateAllReady(ctx context.Context) (_ []*batch.BatchResult, err error) {
	ctx, finish := o.telemetry.TrackOperation(ctx, "batch.evaluate_all")
	defer func() { finish(err) }()
	return o.batcher.EvaluateAllReady(ctx)
}

// Batch returns a batch snapshot.
func (o *Orchestrator) Batch(id string) (*batch.Batch, bool) { return o.batcher.Get(id) }

// ExecuteParallel shards proposals across nodes and runs them directly,
// bypassing the queue.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, proposals []*contracts.Proposal) (_ *shard.ParallelResult, err error) {
	for _, p := range proposals {
		if err := o.admit(p); err != nil {
			return nil, err
		}
	}
	ctx, finish := o.telemetry.TrackOperation(ctx, "shard.execute_parallel")
	defer func() { finish(err) }()
	return o.sharder.ExecuteParallel(ctx, proposals, o.executor)
}
