// Package lazy decides whether a proposal is worth evaluating at all.
//
// A criticality score in 0..1 is built from four weighted signals:
//
//	target in critical set  0.4
//	priority tier           0.3
//	declared impact         0.2
//	sensitive payload key   0.1
//
// and a policy turns the score into evaluate, skip or defer.
package lazy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// Policy selects how scores become decisions.
type Policy string

const (
	PolicyAlways       Policy = "ALWAYS"
	PolicyCriticalOnly Policy = "CRITICAL_ONLY"
	PolicyOnDemand     Policy = "ON_DEMAND"
	PolicyThreshold    Policy = "THRESHOLD"
)

const (
	weightTarget    = 0.4
	weightTier      = 0.3
	weightImpact    = 0.2
	weightSensitive = 0.1
)

// Config tunes the evaluator.
type Config struct {
	Policy          Policy        `yaml:"policy"`
	Threshold       float64       `yaml:"threshold"`
	CriticalCutoff  float64       `yaml:"critical_cutoff"`
	CriticalTargets []string      `yaml:"critical_targets"`
	SensitiveKeys   []string      `yaml:"sensitive_keys"`
	CriticalRule    string        `yaml:"critical_rule"`
	EstimatedCost   time.Duration `yaml:"estimated_cost"`
	MaxDeferred     int           `yaml:"max_deferred"`
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() Config {
	return Config{
		Policy:         PolicyAlways,
		Threshold:      0.5,
		CriticalCutoff: 0.7,
		SensitiveKeys:  []string{"password", "secret", "token", "credentials", "private_key"},
		EstimatedCost:  50 * time.Millisecond,
		MaxDeferred:    1024,
	}
}

// Decision is the verdict for one proposal.
type Decision struct {
	Evaluate       bool          `json:"evaluate"`
	Deferred       bool          `json:"deferred"`
	Score          float64       `json:"score"`
	Reason         string        `json:"reason"`
	EstimatedSaved time.Duration `json:"estimated_saved"`
}

// Evaluator applies the policy.
type Evaluator struct {
	cfg       Config
	critical  map[string]struct{}
	sensitive map[string]struct{}
	rule      *criticalRule
	recorder  chain.Recorder
	logger    *slog.Logger

	mu        sync.Mutex
	deferred  map[string]*contracts.Proposal
	order     []string
	released  map[string]struct{}
	evaluated uint64
	skipped   uint64
	deferrals uint64
	releases  uint64
	saved     time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithRecorder records skip, defer and release decisions.
func WithRecorder(r chain.Recorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New builds an evaluator. Unknown policies fail with
// contracts.ErrUnknownPolicy; an invalid CriticalRule fails to compile.
func New(cfg Config, opts ...Option) (*Evaluator, error) {
	switch cfg.Policy {
	case PolicyAlways, PolicyCriticalOnly, PolicyOnDemand, PolicyThreshold:
	case "":
		cfg.Policy = PolicyAlways
	default:
		return nil, fmt.Errorf("lazy: %w: %q", contracts.ErrUnknownPolicy, cfg.Policy)
	}
	if cfg.MaxDeferred <= 0 {
		cfg.MaxDeferred = DefaultConfig().MaxDeferred
	}
	e := &Evaluator{
		cfg:       cfg,
		critical:  normalizeSet(cfg.CriticalTargets),
		sensitive: normalizeSet(cfg.SensitiveKeys),
		recorder:  chain.Discard,
		logger:    slog.Default().With("component", "lazy"),
		deferred:  make(map[string]*contracts.Proposal),
		released:  make(map[string]struct{}),
	}
	if strings.TrimSpace(cfg.CriticalRule) != "" {
		rule, err := compileRule(cfg.CriticalRule)
		if err != nil {
			return nil, err
		}
		e.rule = rule
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// normalize folds s to NFC lower case so visually equal tags compare equal.
func normalize(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

func normalizeSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if n := normalize(it); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Score computes the criticality of p.
func (e *Evaluator) Score(p *contracts.Proposal) float64 {
	score := weightTier*p.Priority.Weight() + weightImpact*p.Impact
	if e.targetsCritical(p) {
		score += weightTarget
	}
	for key := range p.Payload {
		if _, ok := e.sensitive[normalize(key)]; ok {
			score += weightSensitive
			break
		}
	}
	return min(score, 1.0)
}

func (e *Evaluator) targetsCritical(p *contracts.Proposal) bool {
	for _, t := range p.Targets {
		if _, ok := e.critical[normalize(t)]; ok {
			return true
		}
	}
	if e.rule == nil {
		return false
	}
	hit, err := e.rule.eval(p)
	if err != nil {
		e.logger.Warn("critical rule evaluation failed", "proposal_id", p.ID, "error", err)
		return false
	}
	return hit
}

// Decide applies the policy to p. Proposals passed to Release are always
// evaluated on their next decision.
func (e *Evaluator) Decide(p *contracts.Proposal) Decision {
	score := e.Score(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.released[p.ID]; ok {
		delete(e.released, p.ID)
		e.evaluated++
		return Decision{Evaluate: true, Score: score, Reason: "released"}
	}

	var d Decision
	d.Score = score
	switch e.cfg.Policy {
	case PolicyAlways:
		d.Evaluate, d.Reason = true, "policy always"
	case PolicyCriticalOnly:
		if p.Priority == contracts.PriorityCritical || score >= e.cfg.CriticalCutoff {
			d.Evaluate, d.Reason = true, "critical"
		} else {
			d.Reason = fmt.Sprintf("score %.2f below critical cutoff %.2f", score, e.cfg.CriticalCutoff)
		}
	case PolicyThreshold:
		if score >= e.cfg.Threshold {
			d.Evaluate, d.Reason = true, "above threshold"
		} else {
			d.Reason = fmt.Sprintf("score %.2f below threshold %.2f", score, e.cfg.Threshold)
		}
	case PolicyOnDemand:
		switch {
		case p.Priority == contracts.PriorityCritical:
			d.Evaluate, d.Reason = true, "critical"
		case len(e.deferred) >= e.cfg.MaxDeferred:
			d.Evaluate, d.Reason = true, "deferred set full"
		default:
			if _, dup := e.deferred[p.ID]; !dup {
				e.order = append(e.order, p.ID)
			}
			e.deferred[p.ID] = p
			d.Deferred, d.Reason = true, "deferred until requested"
		}
	}

	switch {
	case d.Evaluate:
		e.evaluated++
	case d.Deferred:
		e.deferrals++
		d.EstimatedSaved = e.cfg.EstimatedCost
		e.saved += d.EstimatedSaved
		e.record("lazy.deferred", p.ID, score)
	default:
		e.skipped++
		d.EstimatedSaved = e.cfg.EstimatedCost
		e.saved += d.EstimatedSaved
		e.record("lazy.skipped", p.ID, score)
	}
	return d
}

// Release removes a deferred proposal and marks it for evaluation.
func (e *Evaluator) Release(id string) (*contracts.Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.deferred[id]
	if !ok {
		return nil, false
	}
	delete(e.deferred, id)
	for i, d := range e.order {
		if d == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.released[id] = struct{}{}
	e.releases++
	e.record("lazy.released", id, 0)
	return p, true
}

// Deferred lists deferred proposal ids, oldest first.
func (e *Evaluator) Deferred() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *Evaluator) record(eventType, id string, score float64) {
	payload := map[string]any{"proposal_id": id}
	if score > 0 {
		payload["score"] = score
	}
	if _, err := e.recorder.Append(eventType, payload); err != nil {
		e.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}

// Stats is a snapshot of evaluator counters.
type Stats struct {
	Policy         Policy        `json:"policy"`
	Evaluated      uint64        `json:"evaluated"`
	Skipped        uint64        `json:"skipped"`
	Deferred       uint64        `json:"deferred"`
	Released       uint64        `json:"released"`
	Pending        int           `json:"pending_deferred"`
	EstimatedSaved time.Duration `json:"estimated_saved"`
}

// Stats returns decision counters.
func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Policy:         e.cfg.Policy,
		Evaluated:      e.evaluated,
		Skipped:        e.skipped,
		Deferred:       e.deferrals,
		Released:       e.releases,
		Pending:        len(e.deferred),
		EstimatedSaved: e.saved,
	}
}
