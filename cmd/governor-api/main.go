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

// Command governor-api is the minimal ingress surface for the
// constitutional governance runtime: it exposes submit_candidate,
// query_decision and subscribe_progress over HTTP (spec.md §6) and wires
// every component into one Orchestrator. The edge layer itself (auth,
// rate limiting, gRPC/WebSocket transports) is explicitly out of scope
// (spec.md §1); this binary is a thin, operable reference ingress, not
// the edge layer the spec names as an external collaborator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/consilium-ai/governor/internal/config"
	"github.com/consilium-ai/governor/internal/metrics"
	"github.com/consilium-ai/governor/pkg/audit"
	"github.com/consilium-ai/governor/pkg/bandit"
	"github.com/consilium-ai/governor/pkg/cache"
	"github.com/consilium-ai/governor/pkg/identity"
	"github.com/consilium-ai/governor/pkg/orchestrator"
	"github.com/consilium-ai/governor/pkg/orchestrator/review"
	"github.com/consilium-ai/governor/pkg/policy"
	"github.com/consilium-ai/governor/pkg/sandbox"
	"github.com/consilium-ai/governor/pkg/synthesis"
	"github.com/consilium-ai/governor/pkg/verification"
)

func main() {
	configPath := flag.String("config", "config/governor.yaml", "path to the governance runtime config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "governor-api: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "governor-api: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	// client-go and the metrics clientset log through logr; bridge them
	// onto the same zap core as everything else.
	ctrl.SetLogger(zapr.NewLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build governance runtime", zap.Error(err))
	}
	defer app.Close()

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsSrv.StartAsync()

	srv := newServer(app, logger)
	go func() {
		if err := srv.ListenAndServe(cfg.Server.WebhookPort); err != nil {
			logger.Error("ingress server stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			logger.Info("config reload observed; already-built components keep their startup configuration")
			cfg = next
		}); err != nil && ctx.Err() == nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Stop(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.Set(level); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zl)
	return zcfg.Build()
}

// app bundles every constructed component so main can close the ones
// that own external resources (the audit Store, the Redis client).
type app struct {
	orchestrator *orchestrator.Orchestrator
	identity     *identity.Authority
	auditLog     audit.Store
	policy       *policy.Engine

	redisClient *redis.Client
}

func (a *app) Close() {
	if a.auditLog != nil {
		_ = a.auditLog.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
}

// build constructs every component per spec.md §2's dependency order
// (leaves first: A, B, C, then D..I) and binds them into one
// Orchestrator (component I).
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	idAuthority, err := identity.New(cfg.ConstitutionalIdentifier)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	auditLog, err := buildAuditStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	decisionCache, redisClient := buildCache(cfg, logger)
	decisionCache.SetAuditSink(auditLog, cfg.ConstitutionalIdentifier)

	bundleStore := policy.NewMemoryBundleStore()
	policyEngine := policy.NewEngine(bundleStore, decisionCache, auditLog, idAuthority,
		cfg.Policy.AutoAllowScore, cfg.Policy.P99Target, cfg.Policy.P99Ceiling)
	if err := bootstrapBundle(ctx, policyEngine, cfg); err != nil {
		logger.Warn("no initial rule bundle staged/activated; evaluate will fail until one is", zap.Error(err))
	}

	verifyPipeline := verification.NewPipeline(cfg.Verification.WorkerCount,
		cfg.Verification.ObligationTimeout, decisionCache, idAuthority)

	coordinator := buildSynthesis(cfg, logger)

	banditOpt := bandit.New(bandit.Config{
		ConstitutionalIdentifier: cfg.ConstitutionalIdentifier,

		Lambda:             cfg.Bandit.Lambda,
		Alpha:              cfg.Bandit.Alpha,
		SafetyThreshold:    cfg.Bandit.SafetyThreshold,
		MinBaselineSamples: cfg.Bandit.MinBaselineSamples,
		UpdateFrequency:    cfg.Bandit.UpdateFrequency,
		BaselineWindow:     cfg.Bandit.BaselineWindow,
		FallbackToBaseline: cfg.Bandit.FallbackToBaseline,
		SlidingWindow:      cfg.Bandit.SlidingWindow,
		WindowSize:         cfg.Bandit.WindowSize,
	})

	sandboxController, err := buildSandbox(cfg, auditLog, logger)
	if err != nil {
		logger.Warn("sandbox controller unavailable (no in-cluster/kubeconfig); code candidates will fail at admission", zap.Error(err))
	}

	reviewStore := review.NewMemoryStore()
	var notifier review.Notifier = review.NoopNotifier{}
	if cfg.Review.SlackWebhookURL != "" {
		notifier = review.NewSlackNotifier(os.Getenv("SLACK_BOT_TOKEN"))
	}

	orch := orchestrator.New(orchestrator.Deps{
		Synthesizer:       coordinator,
		Verifier:          verifyPipeline,
		Policy:            policyEngine,
		Bandit:            banditOpt,
		Sandbox:           sandboxController,
		AuditLog:          auditLog,
		Identity:          idAuthority,
		Reviews:           reviewStore,
		Roster:            defaultRoster(),
		Notifier:          notifier,
		Properties:        defaultProperties,
		RequiredApprovals: cfg.Review.RequiredApprovals,
		ReviewDeadline:    cfg.Review.Deadline,
		BanditArms:        []string{"majority-vote", "weighted-average", "confidence-weighted", "constitutional-priority"},

		VerificationFailOpen: cfg.Verification.FailOpen,
		SandboxRuntime:       sandbox.Runtime(cfg.Sandbox.Runtime),
		SandboxImage:         cfg.Sandbox.Image,
		SandboxImageDigest:   cfg.Sandbox.ExpectedImageDigest,
		SandboxCaps: sandbox.ResourceCaps{
			MemoryBytes: cfg.Sandbox.MemoryBytes,
			CPUMillis:   cfg.Sandbox.CPUMillis,
			WallClock:   cfg.Sandbox.WallClock,
		},
	})

	return &app{
		orchestrator: orch,
		identity:     idAuthority,
		auditLog:     auditLog,
		policy:       policyEngine,
		redisClient:  redisClient,
	}, nil
}

func buildAuditStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (audit.Store, error) {
	if cfg.Audit.PostgresDSN == "" {
		return audit.NewMemoryStore(), nil
	}
	store, err := audit.NewPostgresStore(ctx, cfg.Audit.PostgresDSN, logger.Sugar())
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildCache(cfg *config.Config, logger *zap.Logger) (*cache.Cache, *redis.Client) {
	if cfg.Cache.RedisAddr == "" {
		return cache.New(cfg.Cache.L1Capacity, cfg.Cache.TTLDefault, nil), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis L2 unreachable at startup; continuing L1-only", zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		_ = client.Close()
		return cache.New(cfg.Cache.L1Capacity, cfg.Cache.TTLDefault, nil), nil
	}
	return cache.New(cfg.Cache.L1Capacity, cfg.Cache.TTLDefault, cache.NewRedisL2(client)), client
}

func bootstrapBundle(ctx context.Context, engine *policy.Engine, cfg *config.Config) error {
	entries, err := os.ReadDir(cfg.Policy.BundleDir)
	if err != nil {
		return err
	}
	var rules []policy.RuleSource
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(cfg.Policy.BundleDir + "/" + e.Name())
		if err != nil {
			return err
		}
		rules = append(rules, policy.RuleSource{Name: e.Name(), Content: string(content)})
	}
	if len(rules) == 0 {
		return fmt.Errorf("no rule sources found in %s", cfg.Policy.BundleDir)
	}
	manifest, _, err := policy.Compile(rules, cfg.ConstitutionalIdentifier)
	if err != nil {
		return err
	}
	// Archive the bootstrap bundle content-addressed alongside the raw
	// sources; idempotent across restarts since the path is its digest.
	if _, err := policy.WriteArchive(filepath.Join(cfg.Policy.BundleDir, "archives"), manifest, rules); err != nil {
		return err
	}
	bundleID, err := engine.StageBundle(ctx, manifest, rules)
	if err != nil {
		return err
	}
	return engine.Activate(ctx, bundleID)
}

// buildSynthesis wires the three ensemble members named by spec.md §4.F.
// A member whose credentials are absent from the environment is simply
// omitted; the coordinator's own EnsembleInsufficient handling takes it
// from there (spec.md §4.F "if <2, fails with InsufficientEnsemble").
func buildSynthesis(cfg *config.Config, logger *zap.Logger) *synthesis.Coordinator {
	var models []synthesis.Model

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		modelName := os.Getenv("ANTHROPIC_MODEL")
		if modelName == "" {
			modelName = "claude-opus-4-5"
		}
		models = append(models, synthesis.NewBreakerModel(
			synthesis.NewAnthropicModel(key, anthropic.Model(modelName))))
	} else {
		logger.Info("ANTHROPIC_API_KEY not set; primary-reasoner model omitted from ensemble")
	}

	if modelID := os.Getenv("BEDROCK_MODEL_ID"); modelID != "" {
		bedrock, err := synthesis.NewBedrockModel(context.Background(), modelID)
		if err != nil {
			logger.Warn("bedrock model unavailable; constitutional-priority member omitted", zap.Error(err))
		} else {
			models = append(models, synthesis.NewBreakerModel(bedrock))
		}
	} else {
		logger.Info("BEDROCK_MODEL_ID not set; constitutional-priority model omitted from ensemble")
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		llm, err := openai.New(openai.WithToken(key))
		if err != nil {
			logger.Warn("adversarial-checker model unavailable", zap.Error(err))
		} else {
			models = append(models, synthesis.NewBreakerModel(synthesis.NewAdversarialModel(llm)))
		}
	} else {
		logger.Info("OPENAI_API_KEY not set; adversarial-checker model omitted from ensemble")
	}

	return synthesis.NewCoordinator(models, synthesis.Strategy(cfg.Synthesis.EnsembleStrategy),
		cfg.Synthesis.MinModels, cfg.Synthesis.ModelTimeout,
		cfg.Synthesis.ConstitutionalThreshold, cfg.Synthesis.ComplianceTarget,
		synthesis.BiasVector{
			Demographic:  cfg.Synthesis.Bias.Demographic,
			Cultural:     cfg.Synthesis.Bias.Cultural,
			Linguistic:   cfg.Synthesis.Bias.Linguistic,
			Temporal:     cfg.Synthesis.Bias.Temporal,
			Confirmation: cfg.Synthesis.Bias.Confirmation,
		})
}

func buildSandbox(cfg *config.Config, auditLog audit.Store, logger *zap.Logger) (*sandbox.Controller, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, err
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	metricsClient, err := metricsclientset.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	controller := sandbox.NewController(clientset, metricsClient, cfg.Sandbox.Namespace, cfg.Sandbox.MaxConcurrent,
		sandbox.NewRegistryVerifier(), auditLog, zapr.NewLogger(logger).WithName("sandbox"))
	controller.SetColdStartBudgets(cfg.Sandbox.ColdStartP95Kernel, cfg.Sandbox.ColdStartP95MicroVM)
	return controller, nil
}

// defaultRoster is a minimal reviewer directory; a real deployment loads
// this from an operator-managed source (out of scope, spec.md §1).
func defaultRoster() []review.Reviewer {
	return []review.Reviewer{
		{ID: "rev-1", Name: "Alex Chen", Role: "senior-engineer", Expertise: []string{"policy", "security"}, QualityScore: 0.92, MaxConcurrent: 5},
		{ID: "rev-2", Name: "Priya Natarajan", Role: "compliance-officer", Expertise: []string{"constitutional", "bias"}, QualityScore: 0.95, MaxConcurrent: 3},
		{ID: "rev-3", Name: "Sam Okafor", Role: "senior-engineer", Expertise: []string{"sandbox", "security"}, QualityScore: 0.88, MaxConcurrent: 5},
	}
}

// defaultProperties supplies the verification obligations a candidate's
// risk class requires (spec.md §4.E). A real deployment derives these
// from the rule catalogue; this minimal set exercises all three tiers.
func defaultProperties(riskClass orchestrator.RiskClass) []verification.Property {
	base := []verification.Property{
		{ID: "prop-structural", Name: "has-default-verdict", StructuralRequire: []string{"default"}},
		{ID: "prop-no-deadlock", Name: "no-deadlock"},
	}
	if riskClass == orchestrator.RiskHigh || riskClass == orchestrator.RiskCritical {
		base = append(base, verification.Property{ID: "prop-bounded-response", Name: "bounded-response", RequiresRigorous: true})
	}
	return base
}
