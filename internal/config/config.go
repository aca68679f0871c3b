/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the governance runtime's
// configuration surface (spec §6): a YAML file, overridden by environment
// variables, validated, and (optionally) hot-reloaded via fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"time"

	"gopkg.in/yaml.v3"

	cfgerrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// ServerConfig is the ingress HTTP surface (cmd/governor-api).
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// PolicyConfig configures the Policy Evaluation Engine (D).
type PolicyConfig struct {
	BundleDir      string        `yaml:"bundle_dir"`
	P99Target      time.Duration `yaml:"p99_target"`
	P99Ceiling     time.Duration `yaml:"p99_ceiling"`
	AutoAllowScore float64       `yaml:"auto_allow_score"`
}

// CacheConfig configures the Decision Cache (C).
type CacheConfig struct {
	L1Capacity int           `yaml:"l1_capacity"`
	TTLDefault time.Duration `yaml:"ttl_default"`
	RedisAddr  string        `yaml:"redis_addr"`
}

// VerificationConfig configures the Formal Verification Pipeline (E).
type VerificationConfig struct {
	WorkerCount       int           `yaml:"worker_count"`
	ObligationTimeout time.Duration `yaml:"obligation_timeout"`
	FailOpen          bool          `yaml:"fail_open"`
}

// BiasConfig holds the per-dimension bias thresholds the Synthesis
// Coordinator (F) uses for mitigation (spec §9 Open Question #4).
type BiasConfig struct {
	Demographic  float64 `yaml:"demographic"`
	Cultural     float64 `yaml:"cultural"`
	Linguistic   float64 `yaml:"linguistic"`
	Temporal     float64 `yaml:"temporal"`
	Confirmation float64 `yaml:"confirmation"`
}

// SynthesisConfig configures the Synthesis Coordinator (F).
type SynthesisConfig struct {
	EnsembleStrategy        string        `yaml:"ensemble_strategy"`
	MinModels               int           `yaml:"min_models"`
	ModelTimeout            time.Duration `yaml:"model_timeout"`
	ConstitutionalThreshold float64       `yaml:"constitutional_threshold"`
	ComplianceTarget        float64       `yaml:"compliance_target"`
	Bias                    BiasConfig    `yaml:"bias"`
}

// BanditConfig configures the Bandit Optimizer (G).
type BanditConfig struct {
	SafetyThreshold   float64       `yaml:"safety_threshold"`
	MinBaselineSamples int          `yaml:"min_baseline_samples"`
	Lambda             float64      `yaml:"lambda"`
	Alpha              float64      `yaml:"alpha"`
	UpdateFrequency    int          `yaml:"update_frequency"`
	BaselineWindow     int          `yaml:"baseline_window"`
	FallbackToBaseline bool         `yaml:"fallback_to_baseline"`
	SlidingWindow      bool         `yaml:"sliding_window"`
	WindowSize         int          `yaml:"window_size"`
}

// SandboxConfig configures the Sandbox Controller (H).
type SandboxConfig struct {
	Runtime           string        `yaml:"runtime"` // kernel-isolation | microvm
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Namespace         string        `yaml:"namespace"`
	Image             string        `yaml:"image"`
	ExpectedImageDigest string      `yaml:"expected_image_digest"`
	MemoryBytes         int64         `yaml:"memory_bytes"`
	CPUMillis           int64         `yaml:"cpu_millis"`
	WallClock           time.Duration `yaml:"wall_clock"`
	ColdStartP95Kernel  time.Duration `yaml:"cold_start_p95_kernel"`
	ColdStartP95MicroVM time.Duration `yaml:"cold_start_p95_microvm"`
}

// ReviewConfig configures the human-review sub-protocol (I).
type ReviewConfig struct {
	Deadline          time.Duration `yaml:"deadline"`
	RequiredApprovals int           `yaml:"required_approvals"`
	SlackWebhookURL   string        `yaml:"slack_webhook_url"`
	PostgresDSN       string        `yaml:"postgres_dsn"`
}

// AuditConfig configures the Audit Log (B).
type AuditConfig struct {
	RetentionSecurityDays       int    `yaml:"retention_security_days"`
	RetentionConstitutionalDays int    `yaml:"retention_constitutional_days"`
	PostgresDSN                 string `yaml:"postgres_dsn"`
	AlertRateLimitPerMinute     int    `yaml:"alert_rate_limit_per_minute"`
}

// LoggingConfig configures the ambient logging stack.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full configuration surface (spec §6).
type Config struct {
	ConstitutionalIdentifier string              `yaml:"constitutional_identifier" validate:"len=16,hexadecimal,lowercase"`
	Server                   ServerConfig        `yaml:"server"`
	Policy                   PolicyConfig        `yaml:"policy"`
	Cache                    CacheConfig         `yaml:"cache"`
	Verification             VerificationConfig  `yaml:"verification"`
	Synthesis                SynthesisConfig     `yaml:"synthesis"`
	Bandit                   BanditConfig        `yaml:"bandit"`
	Sandbox                  SandboxConfig       `yaml:"sandbox"`
	Review                   ReviewConfig        `yaml:"review"`
	Audit                    AuditConfig         `yaml:"audit"`
	Logging                  LoggingConfig       `yaml:"logging"`
}

func defaults() *Config {
	return &Config{
		ConstitutionalIdentifier: "0000000000000000",
		Server:                   ServerConfig{WebhookPort: "8080", MetricsPort: "9090"},
		Policy: PolicyConfig{
			BundleDir:      "./bundles",
			P99Target:      5 * time.Millisecond,
			P99Ceiling:     500 * time.Millisecond,
			AutoAllowScore: 0.95,
		},
		Cache: CacheConfig{
			L1Capacity: 10000,
			TTLDefault: 5 * time.Minute,
			RedisAddr:  "localhost:6379",
		},
		Verification: VerificationConfig{
			WorkerCount:       4,
			ObligationTimeout: 1 * time.Second,
			FailOpen:          false,
		},
		Synthesis: SynthesisConfig{
			EnsembleStrategy:        "confidence-weighted",
			MinModels:               2,
			ModelTimeout:            10 * time.Second,
			ConstitutionalThreshold: 0.9,
			ComplianceTarget:        0.95,
			Bias: BiasConfig{
				Demographic:  0.15,
				Cultural:     0.15,
				Linguistic:   0.15,
				Temporal:     0.15,
				Confirmation: 0.15,
			},
		},
		Bandit: BanditConfig{
			SafetyThreshold:    0.1,
			MinBaselineSamples: 30,
			Lambda:             1.0,
			Alpha:              1.0,
			UpdateFrequency:    10,
			BaselineWindow:     100,
			FallbackToBaseline: true,
			SlidingWindow:      false,
			WindowSize:         200,
		},
		Sandbox: SandboxConfig{
			Runtime:             "kernel-isolation",
			MaxConcurrent:       10,
			Namespace:           "default",
			MemoryBytes:         256 << 20,
			CPUMillis:           500,
			WallClock:           30 * time.Second,
			ColdStartP95Kernel:  100 * time.Millisecond,
			ColdStartP95MicroVM: 200 * time.Millisecond,
		},
		Review: ReviewConfig{
			Deadline:          24 * time.Hour,
			RequiredApprovals: 2,
		},
		Audit: AuditConfig{
			RetentionSecurityDays:       90,
			RetentionConstitutionalDays: 365,
			AlertRateLimitPerMinute:     10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads, defaults, env-overrides and validates a YAML config file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cfgerrors.FailedTo("read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cfgerrors.ParseError("config file", "YAML", err)
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("CONSTITUTIONAL_IDENTIFIER"); v != "" {
		cfg.ConstitutionalIdentifier = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BUNDLE_DIR"); v != "" {
		cfg.Policy.BundleDir = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("SANDBOX_RUNTIME"); v != "" {
		cfg.Sandbox.Runtime = v
	}
	if v := os.Getenv("AUDIT_POSTGRES_DSN"); v != "" {
		cfg.Audit.PostgresDSN = v
	}
	if v := os.Getenv("REVIEW_POSTGRES_DSN"); v != "" {
		cfg.Review.PostgresDSN = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Review.SlackWebhookURL = v
	}
	if v := os.Getenv("VERIFICATION_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfgerrors.ConfigurationError("VERIFICATION_WORKER_COUNT", err.Error())
		}
		cfg.Verification.WorkerCount = n
	}
	return nil
}

var structValidator = validator.New()

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return cfgerrors.ConfigurationError("constitutional_identifier", "must be exactly 16 lowercase hex characters")
	}
	if cfg.Policy.BundleDir == "" {
		return cfgerrors.ConfigurationError("policy.bundle_dir", "is required")
	}
	if cfg.Policy.AutoAllowScore < 0 || cfg.Policy.AutoAllowScore > 1 {
		return cfgerrors.ConfigurationError("policy.auto_allow_score", "must be between 0.0 and 1.0")
	}
	if cfg.Cache.L1Capacity <= 0 {
		return cfgerrors.ConfigurationError("cache.l1_capacity", "must be greater than 0")
	}
	if cfg.Verification.WorkerCount <= 0 {
		return cfgerrors.ConfigurationError("verification.worker_count", "must be greater than 0")
	}
	switch cfg.Synthesis.EnsembleStrategy {
	case "majority-vote", "weighted-average", "confidence-weighted", "constitutional-priority":
	default:
		return cfgerrors.ConfigurationError("synthesis.ensemble_strategy", fmt.Sprintf("unsupported strategy %q", cfg.Synthesis.EnsembleStrategy))
	}
	if cfg.Synthesis.MinModels < 2 {
		return cfgerrors.ConfigurationError("synthesis.min_models", "must be at least 2")
	}
	if cfg.Bandit.SafetyThreshold < 0 {
		return cfgerrors.ConfigurationError("bandit.safety_threshold", "must not be negative")
	}
	if cfg.Bandit.MinBaselineSamples <= 0 {
		return cfgerrors.ConfigurationError("bandit.min_baseline_samples", "must be greater than 0")
	}
	switch cfg.Sandbox.Runtime {
	case "kernel-isolation", "microvm":
	default:
		return cfgerrors.ConfigurationError("sandbox.runtime", fmt.Sprintf("unsupported runtime %q", cfg.Sandbox.Runtime))
	}
	if cfg.Sandbox.MaxConcurrent <= 0 {
		return cfgerrors.ConfigurationError("sandbox.max_concurrent", "must be greater than 0")
	}
	if cfg.Review.RequiredApprovals <= 0 {
		return cfgerrors.ConfigurationError("review.required_approvals", "must be greater than 0")
	}
	return nil
}
