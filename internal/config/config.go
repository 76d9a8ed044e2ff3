// Package config loads the layered configuration document described in
// §4.10: a versioned YAML document holding tiers, costs, TTLs, and
// thresholds, patched by a named environment overlay, then overlaid once
// more by a thin caarlos0/env pass for purely operational fields that have
// no business living in a versioned document.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v2"

	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Document is the root of the versioned YAML configuration.
type Document struct {
	Tiers           map[tier.Tier]map[tier.Provider]int64            `yaml:"tiers"`
	OperationCosts  map[tier.Provider]map[tier.Operation]int64        `yaml:"operation_costs"`
	CacheTTL        map[tier.Provider]map[tier.Operation]CacheTTL     `yaml:"cache_ttl"`
	RateLimits      map[tier.Provider]int64                           `yaml:"rate_limits"`
	Providers       map[tier.Provider]ProviderOptions                 `yaml:"providers"`
	Queue           QueueOptions                                      `yaml:"queue"`
	SingleFlight    SingleFlightOptions                                `yaml:"singleflight"`
	Prefetch        PrefetchOptions                                   `yaml:"prefetch"`
	Alerts          AlertsOptions                                     `yaml:"alerts"`
	Store           StoreOptions                                      `yaml:"store"`

	// CacheHitsCountAgainstRate resolves Open Question 1: default false, a
	// cache hit never consumes rate-limit or quota capacity.
	CacheHitsCountAgainstRate bool `yaml:"cache_hits_count_against_rate"`

	Environments map[string]Overlay `yaml:"environments"`
}

// CacheTTL holds the positive and negative TTL for one (provider, operation).
type CacheTTL struct {
	PositiveSeconds int64 `yaml:"positive_seconds"`
	NegativeSeconds int64 `yaml:"negative_seconds"`
}

func (c CacheTTL) Positive() time.Duration { return time.Duration(c.PositiveSeconds) * time.Second }
func (c CacheTTL) Negative() time.Duration { return time.Duration(c.NegativeSeconds) * time.Second }

// ProviderOptions holds per-provider operational knobs.
type ProviderOptions struct {
	// FailOpen controls the StoreUnavailable policy from §7: false (default,
	// fail-closed) rejects admission when the store cannot be reached;
	// true lets CallUpstream proceed without rate/quota bookkeeping.
	FailOpen       bool  `yaml:"fail_open"`
	CooldownFactor float64 `yaml:"cooldown_factor"`
	CooldownWindowSeconds int64 `yaml:"cooldown_window_seconds"`
}

// QueueOptions configures C6.
type QueueOptions struct {
	MaxDepthPerUser        int   `yaml:"max_depth_per_user"`
	DefaultDeadlineSeconds int64 `yaml:"default_deadline_seconds"`
	DrainIntervalMS        int64 `yaml:"drain_interval_ms"`
}

func (q QueueOptions) DrainInterval() time.Duration {
	if q.DrainIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(q.DrainIntervalMS) * time.Millisecond
}

// SingleFlightOptions configures C4/C5's distributed lease behavior.
type SingleFlightOptions struct {
	LeaseTTLSeconds       int64  `yaml:"lease_ttl_seconds"`
	PollSlackSeconds      int64  `yaml:"poll_slack_seconds"`
	PollIntervalMS        int64  `yaml:"poll_interval_ms"`
	// OnExpiryContention resolves Open Question 3: "proceed" (default) or
	// "reject".
	OnExpiryContention string `yaml:"on_expiry_contention"`
}

func (s SingleFlightOptions) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}
func (s SingleFlightOptions) PollSlack() time.Duration {
	return time.Duration(s.PollSlackSeconds) * time.Second
}
func (s SingleFlightOptions) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// PrefetchOptions configures C7.
type PrefetchOptions struct {
	IntervalSeconds    int64 `yaml:"interval_seconds"`
	LeaseTTLSeconds    int64 `yaml:"lease_ttl_seconds"`
	Concurrency        int   `yaml:"concurrency"`
}

func (p PrefetchOptions) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}
func (p PrefetchOptions) LeaseTTL() time.Duration {
	return time.Duration(p.LeaseTTLSeconds) * time.Second
}

// AlertsOptions configures C9's threshold evaluator.
type AlertsOptions struct {
	EvaluateIntervalSeconds int64             `yaml:"evaluate_interval_seconds"`
	Channel                 string            `yaml:"channel"`
	Thresholds              map[string]Threshold `yaml:"thresholds"`
}

func (a AlertsOptions) EvaluateInterval() time.Duration {
	return time.Duration(a.EvaluateIntervalSeconds) * time.Second
}

// Threshold is a single alert rule: fires when a metric's day-to-date
// aggregate across all providers exceeds Max.
type Threshold struct {
	Max float64 `yaml:"max"`
}

// StoreOptions configures the KV store connection.
type StoreOptions struct {
	HealthCheckIntervalSeconds int64 `yaml:"health_check_interval_seconds"`
}

// Overlay patches a subset of Document fields for a named environment
// (e.g. "staging", "production"). Only non-nil/non-zero fields are applied.
type Overlay struct {
	RateLimits     map[tier.Provider]int64 `yaml:"rate_limits"`
	Queue          *QueueOptions           `yaml:"queue"`
	SingleFlight   *SingleFlightOptions    `yaml:"singleflight"`
}

// Overrides holds purely operational fields resolved from the environment,
// never versioned alongside the business-rule document.
type Overrides struct {
	BindAddr   string `env:"GATEKEEPER_BIND_ADDR" envDefault:"0.0.0.0:8080"`
	RedisURL   string `env:"GATEKEEPER_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	LogLevel   string `env:"GATEKEEPER_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"GATEKEEPER_LOG_FORMAT" envDefault:"json"`
	Env        string `env:"GATEKEEPER_ENV" envDefault:"production"`
	CORSOrigins []string `env:"GATEKEEPER_CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// Config is the fully resolved configuration: the YAML document, after its
// environment overlay has been applied, plus the operational overrides.
type Config struct {
	Document
	Overrides
}

// Load reads path, validates it strictly (unknown keys are a load error),
// applies the environment overlay selected by Overrides.Env, and overlays
// the process-level env overrides last.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var doc Document
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	var overrides Overrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("config: parsing environment overrides: %w", err)
	}

	if overlay, ok := doc.Environments[overrides.Env]; ok {
		applyOverlay(&doc, overlay)
	}

	cfg := &Config{Document: doc, Overrides: overrides}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverlay(doc *Document, o Overlay) {
	for p, limit := range o.RateLimits {
		doc.RateLimits[p] = limit
	}
	if o.Queue != nil {
		doc.Queue = *o.Queue
	}
	if o.SingleFlight != nil {
		doc.SingleFlight = *o.SingleFlight
	}
}

// Validate checks that tier keys in tiers and provider keys in rate_limits
// and operation_costs are members of the fixed enumerations in pkg/tier;
// that each rate limit is in (0, 1,000,000]; that each operation cost is
// positive; that queue.max_depth_per_user is non-negative; and that
// singleflight.on_expiry_contention is empty, "proceed" or "reject". Other
// numeric fields (daily caps, cache TTLs, intervals, thresholds) and the
// provider keys of tiers, cache_ttl and providers are not checked.
func (c *Config) Validate() error {
	for t := range c.Tiers {
		if !t.Valid() {
			return fmt.Errorf("config: unknown tier %q in tiers", t)
		}
	}
	for p, limit := range c.RateLimits {
		if !p.Valid() {
			return fmt.Errorf("config: unknown provider %q in rate_limits", p)
		}
		if limit <= 0 || limit > 1_000_000 {
			return fmt.Errorf("config: rate_limits[%s] out of range: %d", p, limit)
		}
	}
	for p, ops := range c.OperationCosts {
		if !p.Valid() {
			return fmt.Errorf("config: unknown provider %q in operation_costs", p)
		}
		for op, cost := range ops {
			if cost <= 0 {
				return fmt.Errorf("config: operation_costs[%s][%s] must be positive: %d", p, op, cost)
			}
		}
	}
	if c.Queue.MaxDepthPerUser < 0 {
		return fmt.Errorf("config: queue.max_depth_per_user must be non-negative")
	}
	if c.SingleFlight.OnExpiryContention != "" &&
		c.SingleFlight.OnExpiryContention != "proceed" &&
		c.SingleFlight.OnExpiryContention != "reject" {
		return fmt.Errorf("config: singleflight.on_expiry_contention must be %q or %q", "proceed", "reject")
	}
	return nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string { return c.BindAddr }

// DailyCap resolves a (tier, provider) budget, defaulting to 0 (deny all)
// if unconfigured, which is the safe default for an unlisted provider.
func (c *Config) DailyCap(t tier.Tier, p tier.Provider) int64 {
	byProvider, ok := c.Tiers[t]
	if !ok {
		return 0
	}
	return byProvider[p]
}

// OperationCost resolves the weight of one (provider, operation) call.
func (c *Config) OperationCost(p tier.Provider, op tier.Operation) int64 {
	byOp, ok := c.OperationCosts[p]
	if !ok {
		return 1
	}
	if cost, ok := byOp[op]; ok {
		return cost
	}
	return 1
}

// CacheTTLFor resolves the positive/negative TTL for one (provider,
// operation), defaulting to a conservative 60s positive / 15s negative TTL
// when unconfigured rather than caching forever.
func (c *Config) CacheTTLFor(p tier.Provider, op tier.Operation) CacheTTL {
	byOp, ok := c.CacheTTL[p]
	if !ok {
		return CacheTTL{PositiveSeconds: 60, NegativeSeconds: 15}
	}
	ttl, ok := byOp[op]
	if !ok {
		return CacheTTL{PositiveSeconds: 60, NegativeSeconds: 15}
	}
	return ttl
}

// FailOpen resolves the StoreUnavailable policy for a provider, defaulting
// to fail-closed per §7 when the provider has no explicit entry.
func (c *Config) FailOpen(p tier.Provider) bool {
	return c.Providers[p].FailOpen
}

// AllowQueue reports whether the queue is enabled at all, per the
// configured depth cap.
func (c *Config) AllowQueue() bool {
	return c.Queue.MaxDepthPerUser > 0
}

// QueueDeadline resolves the default deadline a queued item is allowed to
// wait before the drainer expires it.
func (c *Config) QueueDeadline() time.Duration {
	if c.Queue.DefaultDeadlineSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Queue.DefaultDeadlineSeconds) * time.Second
}
