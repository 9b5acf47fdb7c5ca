package lazy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// criticalRule is a compiled CEL expression over a "proposal" map with the
// keys id, type, priority, impact, targets and payload.
type criticalRule struct {
	expr string
	prg  cel.Program
}

func compileRule(expr string) (*criticalRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("lazy: CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("lazy: compile critical rule: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("lazy: critical rule program: %w", err)
	}
	return &criticalRule{expr: expr, prg: prg}, nil
}

func (r *criticalRule) eval(p *contracts.Proposal) (bool, error) {
	targets := make([]any, len(p.Targets))
	for i, t := range p.Targets {
		targets[i] = t
	}
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"proposal": map[string]any{
			"id":       p.ID,
			"type":     p.Type,
			"priority": p.Priority.String(),
			"impact":   p.Impact,
			"targets":  targets,
			"payload":  payload,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", r.expr, err)
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned %T", r.expr, out.Value())
	}
	return hit, nil
}
