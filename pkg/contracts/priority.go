package contracts

import (
	"fmt"
	"strings"
)

// Priority is the admission tier of a proposal. Lower values are served first.
type Priority int

// Priority constants.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// NumPriorities is the number of fixed admission tiers.
const NumPriorities = 4

var priorityNames = [NumPriorities]string{"CRITICAL", "HIGH", "NORMAL", "LOW"}

// Priorities lists every tier from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the fixed tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Lower returns the next lower tier. LOW stays LOW.
func (p Priority) Lower() Priority {
	if p >= PriorityLow {
		return PriorityLow
	}
	return p + 1
}

// Higher reports whether p is served before other.
func (p Priority) Higher(other Priority) bool {
	return p < other
}

// Weight maps the tier onto 0..1, CRITICAL being 1.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.75
	case PriorityNormal:
		return 0.5
	default:
		return 0.25
	}
}

// Requirement is the fraction of fleet resources the tier needs before the
// throttler lets it through.
func (p Priority) Requirement() float64 {
	switch p {
	case PriorityCritical:
		return 0.05
	case PriorityHigh:
		return 0.20
	case PriorityNormal:
		return 0.40
	default:
		return 0.60
	}
}

// ParsePriority parses a tier name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
