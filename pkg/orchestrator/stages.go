package orchestrator

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// gate tracks a proposal held for approval.
type gate struct {
	requestID string
	proposal  *contracts.Proposal
	approved  bool
	rejected  bool
	parked    bool // filtered by the gate; re-enqueued on approval
}

// approvalStage holds proposals whose approval request is unresolved.
func (o *Orchestrator) approvalStage(_ context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.gates[p.ID]
	switch {
	case !ok:
		return p, nil
	case g.approved:
		o.dropGateLocked(p.ID)
		return p, nil
	case g.rejected:
		o.dropGateLocked(p.ID)
		return nil, nil
	default:
		g.parked = true
		return nil, nil
	}
}

func (o *Orchestrator) dropGateLocked(proposalID string) {
	if g, ok := o.gates[proposalID]; ok {
		delete(o.byRequest, g.requestID)
		delete(o.gates, proposalID)
	}
}

// lazyStage drops proposals the evaluator defers.
func (o *Orchestrator) lazyStage(_ context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	if d := o.lazy.Decide(p); !d.Evaluate {
		return nil, nil
	}
	return p, nil
}

// speculativeStage claims p's pre-execution, waiting briefly for one still
// in flight. An unclaimed speculation is discarded, so the executor below
// runs at most once more.
func (o *Orchestrator) speculativeStage(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	if o.spec == nil {
		return p, nil
	}
	if res, ok := o.spec.Await(ctx, p.ID); ok {
		o.mu.Lock()
		o.prefetched[p.ID] = res
		o.mu.Unlock()
	}
	return p, nil
}

// throttleStage waits up to Throttle.Wait for the tier's budget share and
// then consults the rate limiter. Either refusal fails the stage with
// contracts.ErrThrottled, which retries the item at a lower tier.
func (o *Orchestrator) throttleStage(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	need := p.Priority.Requirement()
	if o.throttler.ShouldDefer(need) && !o.throttler.WaitForResources(ctx, need, o.cfg.Throttle.Wait) {
		return nil, fmt.Errorf("proposal %s needs %.2f at level %s: %w",
			p.ID, need, o.throttler.State().Level, contracts.ErrThrottled)
	}
	if !o.throttler.Allow() {
		return nil, fmt.Errorf("proposal %s: rate limited: %w", p.ID, contracts.ErrThrottled)
	}
	return p, nil
}
