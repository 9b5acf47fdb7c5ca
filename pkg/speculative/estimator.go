package speculative

import (
	"sync"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

const (
	weightTier       = 0.30
	weightImpact     = 0.20
	weightTypeRate   = 0.35
	weightReputation = 0.15

	// DefaultReputation applies to proposal types without a configured factor.
	DefaultReputation = 0.5
)

type tally struct {
	approved uint64
	total    uint64
}

// Estimator predicts how likely a proposal is to be approved.
type Estimator struct {
	mu         sync.RWMutex
	history    map[string]*tally
	reputation map[string]float64
}

// NewEstimator creates an estimator with optional per-type reputation
// factors in 0..1.
func NewEstimator(reputation map[string]float64) *Estimator {
	rep := make(map[string]float64, len(reputation))
	for k, v := range reputation {
		rep[k] = min(max(v, 0), 1)
	}
	return &Estimator{history: make(map[string]*tally), reputation: rep}
}

// Score is 0.30*tier + 0.20*(1-impact) + 0.35*typeRate + 0.15*reputation.
func (e *Estimator) Score(p *contracts.Proposal) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rep, ok := e.reputation[p.Type]
	if !ok {
		rep = DefaultReputation
	}
	return weightTier*p.Priority.Weight() +
		weightImpact*(1-p.Impact) +
		weightTypeRate*e.rateLocked(p.Type) +
		weightReputation*rep
}

// Rate is the Laplace-smoothed approval rate of a proposal type.
func (e *Estimator) Rate(proposalType string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rateLocked(proposalType)
}

func (e *Estimator) rateLocked(proposalType string) float64 {
	t := e.history[proposalType]
	if t == nil {
		return 0.5
	}
	return float64(t.approved+1) / float64(t.total+2)
}

// Record feeds one outcome back into the per-type history.
func (e *Estimator) Record(proposalType string, approved bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.history[proposalType]
	if t == nil {
		t = &tally{}
		e.history[proposalType] = t
	}
	t.total++
	if approved {
		t.approved++
	}
}
