// Package throttle maps external load samples to an admission budget.
//
// overall load = max(cpu, memory, io) selects one of five levels; each level
// scales the base budget and the admission rate by a fixed multiplier.
// Checks are advisory: a caller may see capacity and lose it before it
// dispatches.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// Level is the discrete throttle state.
type Level int

const (
	LevelNone Level = iota
	LevelLight
	LevelModerate
	LevelHeavy
	LevelCritical
)

var (
	levelNames  = [...]string{"NONE", "LIGHT", "MODERATE", "HEAVY", "CRITICAL"}
	multipliers = [...]float64{1.0, 0.75, 0.50, 0.25, 0.10}
)

// DefaultThresholds are the ascending overall-load boundaries of LIGHT,
// MODERATE, HEAVY and CRITICAL.
var DefaultThresholds = [4]float64{0.50, 0.70, 0.85, 0.95}

func (l Level) String() string {
	if l < LevelNone || l > LevelCritical {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// Multiplier is the budget fraction granted at this level.
func (l Level) Multiplier() float64 {
	if l < LevelNone || l > LevelCritical {
		return multipliers[LevelCritical]
	}
	return multipliers[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Budget is a set of resource amounts.
type Budget struct {
	CPU         float64 `yaml:"cpu" json:"cpu"`
	Memory      float64 `yaml:"memory" json:"memory"`
	IO          float64 `yaml:"io" json:"io"`
	Concurrency int     `yaml:"concurrency" json:"concurrency"`
}

// Config tunes the throttler.
type Config struct {
	Thresholds   [4]float64    `yaml:"thresholds"`
	Base         Budget        `yaml:"base"`
	Minimums     Budget        `yaml:"minimums"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// BaseRate is admissions per second at level NONE. Zero disables the
	// rate limiter.
	BaseRate float64 `yaml:"base_rate"`
	Burst    int     `yaml:"burst"`
}

// DefaultConfig returns the throttler defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:   DefaultThresholds,
		Base:         Budget{CPU: 8, Memory: 16384, IO: 1000, Concurrency: 16},
		Minimums:     Budget{CPU: 0.5, Memory: 512, IO: 50, Concurrency: 1},
		PollInterval: 10 * time.Millisecond,
	}
}

// State is the current throttle decision.
type State struct {
	Level      Level                 `json:"level"`
	Multiplier float64               `json:"multiplier"`
	Overall    float64               `json:"overall"`
	Load       contracts.LoadMetrics `json:"load"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Throttler holds the throttle state.
type Throttler struct {
	cfg      Config
	provider contracts.LoadProvider
	limiter  *rate.Limiter
	recorder chain.Recorder
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	state     State
	updates   uint64
	deferrals uint64
	changes   uint64
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithProvider sets the load source used by Refresh and WaitForResources.
func WithProvider(p contracts.LoadProvider) Option {
	return func(t *Throttler) { t.provider = p }
}

// WithRecorder records level changes.
func WithRecorder(r chain.Recorder) Option {
	return func(t *Throttler) { t.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Throttler) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Throttler) { t.clock = clock }
}

// New creates a throttler at level NONE.
func New(cfg Config, opts ...Option) (*Throttler, error) {
	if cfg.Thresholds == ([4]float64{}) {
		cfg.Thresholds = DefaultThresholds
	}
	for i := 1; i < len(cfg.Thresholds); i++ {
		if cfg.Thresholds[i] <= cfg.Thresholds[i-1] {
			return nil, fmt.Errorf("throttle: thresholds must be strictly ascending: %v", cfg.Thresholds)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	t := &Throttler{
		cfg:      cfg,
		recorder: chain.Discard,
		logger:   slog.Default().With("component", "throttle"),
		clock:    time.Now,
		state:    State{Level: LevelNone, Multiplier: LevelNone.Multiplier()},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.limiter = rate.NewLimiter(t.limitFor(LevelNone), max(cfg.Burst, 1))
	return t, nil
}

func (t *Throttler) limitFor(l Level) rate.Limit {
	if t.cfg.BaseRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(t.cfg.BaseRate * l.Multiplier())
}

// LevelFor maps an overall load to a level.
func (t *Throttler) LevelFor(overall float64) Level {
	level := LevelNone
	for _, threshold := range t.cfg.Thresholds {
		if overall >= threshold {
			level++
		}
	}
	return level
}

// Update ingests a sample and returns the new state.
func (t *Throttler) Update(m contracts.LoadMetrics) State {
	if m.ObservedAt.IsZero() {
		m.ObservedAt = t.clock().UTC()
	}
	overall := m.Overall()
	level := t.LevelFor(overall)

	t.mu.Lock()
	prev := t.state.Level
	t.state = State{
		Level:      level,
		Multiplier: level.Multiplier(),
		Overall:    overall,
		Load:       m,
		UpdatedAt:  t.clock().UTC(),
	}
	t.updates++
	changed := prev != level
	if changed {
		t.changes++
	}
	st := t.state
	t.mu.Unlock()

	if changed {
		t.limiter.SetLimit(t.limitFor(level))
		t.logger.Info("throttle level changed", "from", prev.String(), "to", level.String(), "overall", overall)
		if _, err := t.recorder.Append("throttle.level_changed", map[string]any{
			"from":    prev.String(),
			"to":      level.String(),
			"overall": overall,
		}); err != nil {
			t.logger.Error("chain append failed", "error", err)
		}
	}
	return st
}

// Refresh pulls a sample from the provider. Without a provider it returns
// the current state.
func (t *Throttler) Refresh(ctx context.Context) (State, error) {
	if t.provider == nil {
		return t.State(), nil
	}
	m, err := t.provider.Load(ctx)
	if err != nil {
		return t.State(), fmt.Errorf("throttle: load provider: %w", err)
	}
	return t.Update(m), nil
}

// State returns the current state.
func (t *Throttler) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// AvailableBudget scales the base budget by the current multiplier, never
// going below the configured minimums.
func (t *Throttler) AvailableBudget() Budget {
	mult := t.State().Multiplier
	base, floor := t.cfg.Base, t.cfg.Minimums
	return Budget{
		CPU:         math.Max(base.CPU*mult, floor.CPU),
		Memory:      math.Max(base.Memory*mult, floor.Memory),
		IO:          math.Max(base.IO*mult, floor.IO),
		Concurrency: max(int(math.Floor(float64(base.Concurrency)*mult)), floor.Concurrency),
	}
}

// ShouldDefer reports whether work needing requirement (a budget fraction)
// must wait at the current level.
func (t *Throttler) ShouldDefer(requirement float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if requirement > t.state.Multiplier {
		t.deferrals++
		return true
	}
	return false
}

// WaitForResources polls every PollInterval, refreshing from the provider,
// until requirement fits, timeout elapses or ctx is done. It reports
// whether capacity appeared.
func (t *Throttler) WaitForResources(ctx context.Context, requirement float64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(t.cfg.PollInterval)
	defer tick.Stop()

	for {
		if _, err := t.Refresh(ctx); err != nil {
			t.logger.WarnContext(ctx, "load refresh failed", "error", err)
		}
		if !t.ShouldDefer(requirement) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// Allow reports whether the rate limiter admits one more unit of work now.
func (t *Throttler) Allow() bool {
	return t.limiter.Allow()
}

// Stats is a snapshot of throttler counters.
type Stats struct {
	State        State  `json:"state"`
	Budget       Budget `json:"budget"`
	Updates      uint64 `json:"updates"`
	Deferrals    uint64 `json:"deferrals"`
	LevelChanges uint64 `json:"level_changes"`
}

// Stats returns the current state and counters.
func (t *Throttler) Stats() Stats {
	budget := t.AvailableBudget()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		State:        t.state,
		Budget:       budget,
		Updates:      t.updates,
		Deferrals:    t.deferrals,
		LevelChanges: t.changes,
	}
}
