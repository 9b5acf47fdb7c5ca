package pipeline

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// Stage is one step of the worker pipeline.
//
// Process returns the (possibly transformed) proposal to continue, nil with
// a nil error to filter the item out, or an error to abort this item.
type Stage interface {
	Name() string
	Process(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error)
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error)
}

// StageFunc adapts a function to a named Stage.
func StageFunc(name string, fn func(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error)) Stage {
	return stageFunc{name: name, fn: fn}
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Process(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
	return s.fn(ctx, p)
}

// runStage calls s and turns a panic into an error.
func runStage(ctx context.Context, s Stage, p *contracts.Proposal) (out *contracts.Proposal, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Process(ctx, p)
}

func runExecutor(ctx context.Context, exec contracts.Executor, p *contracts.Proposal) (res *contracts.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Execute(ctx, p)
}
