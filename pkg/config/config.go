// Package config loads the orchestrator configuration: YAML file, then
// HELM_PROPOSALS_* environment overrides, then validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/proposals/pkg/approval"
	"github.com/Mindburn-Labs/helm/proposals/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/batch"
	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/firewall"
	"github.com/Mindburn-Labs/helm/proposals/pkg/lazy"
	"github.com/Mindburn-Labs/helm/proposals/pkg/observability"
	"github.com/Mindburn-Labs/helm/proposals/pkg/pipeline"
	"github.com/Mindburn-Labs/helm/proposals/pkg/sandbox"
	"github.com/Mindburn-Labs/helm/proposals/pkg/shard"
	"github.com/Mindburn-Labs/helm/proposals/pkg/speculative"
	"github.com/Mindburn-Labs/helm/proposals/pkg/throttle"
)

// CurrentVersion is written by Default.
const CurrentVersion = "1.0.0"

// SupportedVersions is the semver constraint a config file must satisfy.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const envPrefix = "HELM_PROPOSALS_"

// Config is the full orchestrator configuration.
type Config struct {
	Version     string               `yaml:"version"`
	Log         LogConfig            `yaml:"log"`
	Queue       QueueConfig          `yaml:"queue"`
	Pipeline    pipeline.Config      `yaml:"pipeline"`
	Batch       batch.Config         `yaml:"batch"`
	Shard       ShardConfig          `yaml:"shard"`
	Throttle    ThrottleConfig       `yaml:"throttle"`
	Lazy        lazy.Config          `yaml:"lazy"`
	Speculative SpeculativeConfig    `yaml:"speculative"`
	Approval    ApprovalConfig       `yaml:"approval"`
	Firewall    FirewallConfig       `yaml:"firewall"`
	Sandbox     sandbox.Config       `yaml:"sandbox"`
	Artifacts   artifacts.Options    `yaml:"artifacts"`
	Chain       ChainConfig          `yaml:"chain"`
	Telemetry   observability.Config `yaml:"telemetry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// QueueConfig sizes the admission queue. Tiers overrides the per-tier
// capacity by priority name.
type QueueConfig struct {
	Capacity int            `yaml:"capacity"`
	Tiers    map[string]int `yaml:"tiers"`
}

// ShardConfig picks the placement strategy and the node set.
type ShardConfig struct {
	shard.Config `yaml:",inline"`

	Strategy shard.Strategy   `yaml:"strategy"`
	Nodes    []shard.NodeSpec `yaml:"nodes"`
}

// ThrottleConfig adds an optional Redis load source. Wait bounds how long
// a pipeline worker waits for capacity before the item is retried.
type ThrottleConfig struct {
	throttle.Config `yaml:",inline"`

	Wait      time.Duration `yaml:"wait"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
}

// SpeculativeConfig adds the per-type reputation seed.
type SpeculativeConfig struct {
	speculative.Config `yaml:",inline"`

	Enabled    bool               `yaml:"enabled"`
	Reputation map[string]float64 `yaml:"reputation"`
}

// ApprovalConfig adds the impact threshold at or above which submissions
// are held for approval. Zero disables automatic requests.
type ApprovalConfig struct {
	approval.Config `yaml:",inline"`

	AutoThreshold float64 `yaml:"auto_threshold"`
}

// FirewallConfig is the admission allowlist. Disabled admits every type.
type FirewallConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []firewall.Rule `yaml:"rules"`
}

// ChainConfig selects the hash function and optional SQL checkpoint.
type ChainConfig struct {
	Hasher           string        `yaml:"hasher"`
	CheckpointDSN    string        `yaml:"checkpoint_dsn"`
	CheckpointDriver chain.Dialect `yaml:"checkpoint_driver"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version:  CurrentVersion,
		Log:      LogConfig{Level: "info", Format: "text"},
		Queue:    QueueConfig{Capacity: 1000},
		Pipeline: pipeline.DefaultConfig(),
		Batch:    batch.DefaultConfig(),
		Shard: ShardConfig{
			Strategy: shard.LeastUtilized,
			Config:   shard.DefaultConfig(),
		},
		Throttle:    ThrottleConfig{Config: throttle.DefaultConfig(), Wait: 50 * time.Millisecond},
		Lazy:        lazy.DefaultConfig(),
		Speculative: SpeculativeConfig{Enabled: true, Config: speculative.DefaultConfig()},
		Approval:    ApprovalConfig{Config: approval.DefaultConfig(), AutoThreshold: 0.8},
		Sandbox:     sandbox.DefaultConfig(),
		Artifacts:   artifacts.Options{Backend: artifacts.BackendMemory},
		Chain:       ChainConfig{Hasher: string(chain.SHA256), CheckpointDriver: chain.DialectSQLite},
		Telemetry:   observability.DefaultConfig(),
	}
}

// LoadFile reads path over the defaults. Keys absent from the file keep
// their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Load is LoadFile (when path is non-empty) plus ApplyEnv and Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from HELM_PROPOSALS_* variables.
func (c *Config) ApplyEnv() error {
	var errs []string
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v == "true" || v == "1"
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	integer("QUEUE_CAPACITY", &c.Queue.Capacity)
	integer("WORKERS", &c.Pipeline.Workers)
	integer("MAX_RETRIES", &c.Pipeline.MaxRetries)
	integer("BATCH_MAX_SIZE", &c.Batch.MaxSize)
	duration("BATCH_TIMEOUT", &c.Batch.Timeout)
	integer("MAX_CONCURRENT_BATCHES", &c.Batch.MaxConcurrentBatches)
	var strategy string
	str("SHARD_STRATEGY", &strategy)
	if strategy != "" {
		c.Shard.Strategy = shard.Strategy(strategy)
	}
	var policy string
	str("LAZY_POLICY", &policy)
	if policy != "" {
		c.Lazy.Policy = lazy.Policy(policy)
	}
	float("LAZY_THRESHOLD", &c.Lazy.Threshold)
	float("SPECULATIVE_THRESHOLD", &c.Speculative.Threshold)
	boolean("SPECULATIVE_ENABLED", &c.Speculative.Enabled)
	duration("SPECULATIVE_WAIT", &c.Speculative.Wait)
	float("APPROVAL_AUTO_THRESHOLD", &c.Approval.AutoThreshold)
	duration("APPROVAL_TIMEOUT", &c.Approval.Timeout)
	duration("THROTTLE_WAIT", &c.Throttle.Wait)
	str("REDIS_ADDR", &c.Throttle.RedisAddr)
	str("ARTIFACTS_BACKEND", (*string)(&c.Artifacts.Backend))
	str("ARTIFACTS_DIR", &c.Artifacts.Dir)
	str("ARTIFACTS_BUCKET", &c.Artifacts.Bucket)
	str("CHAIN_HASHER", &c.Chain.Hasher)
	str("CHECKPOINT_DSN", &c.Chain.CheckpointDSN)
	boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	if len(errs) > 0 {
		return fmt.Errorf("config env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the version gate and value ranges.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("config: invalid version %q: %w", c.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config: version %s not supported (want %s)", v, SupportedVersions)
	}

	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(c.Queue.Capacity > 0, "queue.capacity must be positive")
	for name, n := range c.Queue.Tiers {
		_, perr := contracts.ParsePriority(name)
		check(perr == nil, "queue.tiers: unknown priority %q", name)
		check(n > 0, "queue.tiers.%s must be positive", name)
	}
	check(c.Pipeline.Workers > 0, "pipeline.workers must be positive")
	check(c.Pipeline.MaxRetries >= 0, "pipeline.max_retries must not be negative")
	check(c.Batch.MaxSize > 0, "batch.max_size must be positive")
	check(c.Batch.Timeout > 0, "batch.timeout must be positive")
	check(c.Batch.MaxConcurrentBatches > 0, "batch.max_concurrent_batches must be positive")
	check(c.Throttle.Wait >= 0, "throttle.wait must not be negative")
	check(c.Shard.Strategy.Valid(), "shard.strategy %q unknown", c.Shard.Strategy)
	check(inUnit(c.Lazy.Threshold), "lazy.threshold must be in [0,1]")
	check(inUnit(c.Speculative.Threshold), "speculative.threshold must be in [0,1]")
	check(c.Speculative.CacheSize > 0, "speculative.cache_size must be positive")
	check(c.Speculative.Wait >= 0, "speculative.wait must not be negative")
	check(inUnit(c.Approval.AutoThreshold), "approval.auto_threshold must be in [0,1]")
	check(c.Approval.Timeout > 0, "approval.timeout must be positive")
	_, herr := chain.ParseHasher(c.Chain.Hasher)
	check(herr == nil, "chain.hasher %q unknown", c.Chain.Hasher)
	_, lerr := ParseLevel(c.Log.Level)
	check(lerr == nil, "log.level %q unknown", c.Log.Level)
	check(c.Log.Format == "" || c.Log.Format == "text" || c.Log.Format == "json", "log.format %q unknown", c.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TierCapacities resolves Queue.Tiers to priorities. Call after Validate.
func (c *Config) TierCapacities() map[contracts.Priority]int {
	out := make(map[contracts.Priority]int, len(c.Queue.Tiers))
	for name, n := range c.Queue.Tiers {
		if p, err := contracts.ParsePriority(name); err == nil {
			out[p] = n
		}
	}
	return out
}

// ParseLevel maps a level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := l.UnmarshalText([]byte(s))
	return l, err
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }
