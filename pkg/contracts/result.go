package contracts

import (
	"context"
	"time"
)

// Result is the outcome of executing a proposal.
type Result struct {
	ProposalID string         `json:"proposal_id"`
	Output     any            `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Duration   time.Duration  `json:"duration"`
	// Speculative is set when the result was served from a pre-execution cache.
	Speculative bool      `json:"speculative,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Executor runs a proposal. It is the sandboxed execution engine and is
// always supplied by the caller.
//
// A nil Result with a nil error means the executor chose to produce
// nothing for this proposal.
type Executor interface {
	Execute(ctx context.Context, p *Proposal) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, p *Proposal) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, p *Proposal) (*Result, error) {
	return f(ctx, p)
}
