package contracts

import (
	"context"
	"math"
	"time"
)

// LoadMetrics is one external load sample, each field in 0..1.
type LoadMetrics struct {
	CPU        float64   `json:"cpu"`
	Memory     float64   `json:"memory"`
	IO         float64   `json:"io"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Overall is the dominant load component.
func (m LoadMetrics) Overall() float64 {
	return math.Max(m.CPU, math.Max(m.Memory, m.IO))
}

// LoadProvider supplies load samples. It is supplied by the caller.
type LoadProvider interface {
	Load(ctx context.Context) (LoadMetrics, error)
}

// LoadProviderFunc adapts a function to LoadProvider.
type LoadProviderFunc func(ctx context.Context) (LoadMetrics, error)

// Load implements LoadProvider.
func (f LoadProviderFunc) Load(ctx context.Context) (LoadMetrics, error) {
	return f(ctx)
}

// StaticLoad returns a provider that always reports m.
func StaticLoad(m LoadMetrics) LoadProvider {
	return LoadProviderFunc(func(context.Context) (LoadMetrics, error) {
		return m, nil
	})
}
