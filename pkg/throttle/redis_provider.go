package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// DefaultLoadKey is the hash read by RedisLoadProvider.
const DefaultLoadKey = "helm:proposals:load"

// RedisLoadProvider reads load samples from a Redis hash with the fields
// cpu, memory and io. Missing fields read as zero.
type RedisLoadProvider struct {
	client *redis.Client
	key    string
}

// NewRedisLoadProvider wraps an existing client.
func NewRedisLoadProvider(client *redis.Client, key string) *RedisLoadProvider {
	if key == "" {
		key = DefaultLoadKey
	}
	return &RedisLoadProvider{client: client, key: key}
}

// NewRedisLoadProviderFromAddr dials addr lazily.
func NewRedisLoadProviderFromAddr(addr, password string, db int, key string) *RedisLoadProvider {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})
	return NewRedisLoadProvider(rdb, key)
}

// Load implements contracts.LoadProvider.
func (p *RedisLoadProvider) Load(ctx context.Context) (contracts.LoadMetrics, error) {
	vals, err := p.client.HMGet(ctx, p.key, "cpu", "memory", "io").Result()
	if err != nil {
		return contracts.LoadMetrics{}, fmt.Errorf("redis load provider: %w", err)
	}
	if len(vals) != 3 {
		return contracts.LoadMetrics{}, fmt.Errorf("redis load provider: unexpected reply length %d", len(vals))
	}
	var fields [3]float64
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return contracts.LoadMetrics{}, fmt.Errorf("redis load provider: field %d has type %T", i, v)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return contracts.LoadMetrics{}, fmt.Errorf("redis load provider: field %d: %w", i, err)
		}
		fields[i] = f
	}
	return contracts.LoadMetrics{
		CPU:        fields[0],
		Memory:     fields[1],
		IO:         fields[2],
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Publish writes a sample, for load reporters sharing the same key.
func (p *RedisLoadProvider) Publish(ctx context.Context, m contracts.LoadMetrics) error {
	err := p.client.HSet(ctx, p.key,
		"cpu", strconv.FormatFloat(m.CPU, 'f', -1, 64),
		"memory", strconv.FormatFloat(m.Memory, 'f', -1, 64),
		"io", strconv.FormatFloat(m.IO, 'f', -1, 64),
	).Err()
	if err != nil {
		return fmt.Errorf("redis load provider: publish: %w", err)
	}
	return nil
}

// Close closes the client.
func (p *RedisLoadProvider) Close() error {
	return p.client.Close()
}
