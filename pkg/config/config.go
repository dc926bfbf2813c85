// Package config loads world configuration from a YAML file with
// environment-variable overrides. Every knob has a default that yields
// a runnable in-memory world, so `Load("")` is always valid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultLogsRoot           = "logs"
	DefaultMintRatio          = 10
	DefaultScoringMax         = 1000
	DefaultAuctionInterval    = 100
	DefaultMaxDependencyDepth = 10
	DefaultMaxInvokeDepth     = 5
	DefaultInvokeDeadline     = 5 * time.Second
	DefaultHistoryCap         = 1000
	DefaultTraceDriver        = "sqlite"
	DefaultSnapshotBackend    = "fs"
)

// Duration wraps time.Duration so YAML can carry "5s" style values.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asInt int64
	if err := node.Decode(&asInt); err != nil {
		return fmt.Errorf("config: bad duration node: %w", err)
	}
	*d = Duration(asInt)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// GenesisPrincipal seeds one ledger entry at bootstrap.
type GenesisPrincipal struct {
	ID          string  `yaml:"id"`
	Balance     int64   `yaml:"balance"`
	HasStanding *bool   `yaml:"has_standing,omitempty"`
	CPUSeconds  float64 `yaml:"cpu_seconds,omitempty"`
}

// Standing reports the principal's standing flag, defaulting to true.
func (g GenesisPrincipal) Standing() bool {
	return g.HasStanding == nil || *g.HasStanding
}

// MintConfig tunes the auction and the CEL scorer.
type MintConfig struct {
	Ratio         int64  `yaml:"ratio"`
	ScoringMax    int64  `yaml:"scoring_max"`
	ScorerExpr    string `yaml:"scorer_expr,omitempty"`
	RemainderSink string `yaml:"remainder_sink,omitempty"`
	// AuctionInterval is measured in events: resolve every N events.
	AuctionInterval uint64 `yaml:"auction_interval"`
}

// LimiterConfig tunes the per-principal submit limiter.
type LimiterConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
	RedisAddr string  `yaml:"redis_addr,omitempty"`
}

// TraceConfig selects the invocation trace backend.
type TraceConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	DSN    string `yaml:"dsn,omitempty"`
}

// SnapshotConfig selects the checkpoint backend.
type SnapshotConfig struct {
	Backend    string `yaml:"backend"` // fs | s3 | gcs
	Path       string `yaml:"path,omitempty"`
	Bucket     string `yaml:"bucket,omitempty"`
	Prefix     string `yaml:"prefix,omitempty"`
	SigningKey string `yaml:"signing_key,omitempty"`
	EncryptKey string `yaml:"encrypt_key,omitempty"`
}

// Config is the full world configuration.
type Config struct {
	LogsRoot string `yaml:"logs_root"`
	RunID    string `yaml:"run_id,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	Genesis []GenesisPrincipal `yaml:"genesis,omitempty"`

	Mint    MintConfig    `yaml:"mint"`
	Limiter LimiterConfig `yaml:"limiter"`
	Traces  TraceConfig   `yaml:"traces"`

	MaxDependencyDepth int      `yaml:"max_dependency_depth"`
	MaxInvokeDepth     int      `yaml:"max_invoke_depth"`
	InvokeDeadline     Duration `yaml:"invoke_deadline"`
	DelegationHistory  int      `yaml:"delegation_history"`

	// DiskQuotas maps principal id to a byte ceiling. Principals absent
	// from the map are unlimited.
	DiskQuotas map[string]int64 `yaml:"disk_quotas,omitempty"`

	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogsRoot: DefaultLogsRoot,
		LogLevel: "info",
		Mint: MintConfig{
			Ratio:           DefaultMintRatio,
			ScoringMax:      DefaultScoringMax,
			AuctionInterval: DefaultAuctionInterval,
		},
		Traces:             TraceConfig{Driver: DefaultTraceDriver},
		MaxDependencyDepth: DefaultMaxDependencyDepth,
		MaxInvokeDepth:     DefaultMaxInvokeDepth,
		InvokeDeadline:     Duration(DefaultInvokeDeadline),
		DelegationHistory:  DefaultHistoryCap,
		Snapshot:           SnapshotConfig{Backend: DefaultSnapshotBackend},
	}
}

// Load reads the YAML file when path is non-empty, overlays environment
// variables, and validates. A missing file is an error; an empty path is
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays AGORA_* environment variables onto the loaded file.
func (c *Config) applyEnv() {
	overlayString(&c.LogsRoot, "AGORA_LOGS_ROOT")
	overlayString(&c.RunID, "AGORA_RUN_ID")
	overlayString(&c.LogLevel, "AGORA_LOG_LEVEL")
	overlayString(&c.Traces.Driver, "AGORA_TRACE_DRIVER")
	overlayString(&c.Traces.DSN, "AGORA_TRACE_DSN")
	overlayString(&c.Snapshot.Backend, "AGORA_SNAPSHOT_BACKEND")
	overlayString(&c.Snapshot.Bucket, "AGORA_SNAPSHOT_BUCKET")
	overlayString(&c.Snapshot.SigningKey, "AGORA_SNAPSHOT_SIGNING_KEY")
	overlayString(&c.Limiter.RedisAddr, "AGORA_REDIS_ADDR")
	overlayInt64(&c.Mint.Ratio, "AGORA_MINT_RATIO")
	overlayInt64(&c.Mint.ScoringMax, "AGORA_SCORING_MAX")
	overlayInt(&c.MaxInvokeDepth, "AGORA_MAX_INVOKE_DEPTH")
}

func overlayString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overlayInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overlayInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the kernel cannot honor.
func (c *Config) Validate() error {
	if c.Mint.Ratio <= 0 {
		return fmt.Errorf("config: mint.ratio must be positive, got %d", c.Mint.Ratio)
	}
	if c.Mint.ScoringMax <= 0 {
		return fmt.Errorf("config: mint.scoring_max must be positive, got %d", c.Mint.ScoringMax)
	}
	if c.MaxInvokeDepth <= 0 {
		return fmt.Errorf("config: max_invoke_depth must be positive, got %d", c.MaxInvokeDepth)
	}
	if c.MaxDependencyDepth <= 0 {
		return fmt.Errorf("config: max_dependency_depth must be positive, got %d", c.MaxDependencyDepth)
	}
	if c.InvokeDeadline <= 0 {
		return fmt.Errorf("config: invoke_deadline must be positive, got %s", c.InvokeDeadline.Std())
	}
	switch c.Traces.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown trace driver %q", c.Traces.Driver)
	}
	switch c.Snapshot.Backend {
	case "", "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.Snapshot.Backend)
	}
	seen := make(map[string]struct{}, len(c.Genesis))
	for _, g := range c.Genesis {
		if g.ID == "" {
			return fmt.Errorf("config: genesis principal with empty id")
		}
		if g.Balance < 0 {
			return fmt.Errorf("config: genesis principal %s has negative balance", g.ID)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("config: duplicate genesis principal %s", g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	for id, quota := range c.DiskQuotas {
		if quota < 0 {
			return fmt.Errorf("config: negative disk quota for %s", id)
		}
	}
	return nil
}

// DiskQuota adapts the quota map to the store's lookup shape.
func (c *Config) DiskQuota(principal string) (int64, bool) {
	q, ok := c.DiskQuotas[principal]
	return q, ok
}
