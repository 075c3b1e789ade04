// Command phishguard-server wires C1–C12 into a running HTTP server:
// trusted-domain gate, blocklist cache, feature extractor defaults,
// calibrated model, governance controller, audit writers, telemetry
// aggregator, analysis cache, calibration monitor, and the decision
// pipeline that orchestrates them — grounded on the teacher's
// cmd/server/main.go wiring style, including its emoji-prefixed
// startup/shutdown log lines.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/phishguard/phishguard/internal/analysiscache"
	"github.com/phishguard/phishguard/internal/api"
	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/blocklist"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/circuitbreaker"
	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/features"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/infra"
	"github.com/phishguard/phishguard/internal/invariant"
	"github.com/phishguard/phishguard/internal/model"
	"github.com/phishguard/phishguard/internal/pipeline"
	"github.com/phishguard/phishguard/internal/settingsstore"
	"github.com/phishguard/phishguard/internal/telemetry"
	"github.com/phishguard/phishguard/internal/trustgate"
)

func main() {
	log.Println("🔥 Starting phishguard decision service...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Get()
	env := environmentOf(cfg)

	breakers := circuitbreaker.NewPipelineBreakers()

	syncAuditor, err := audit.NewSyncWriter(cfg.Phishguard.AuditSyncLogPath)
	if err != nil {
		log.Fatalf("failed to open governance audit log: %v", err)
	}
	xaiAuditor, err := audit.NewAsyncWriter(cfg.Phishguard.AuditXAILogPath, cfg.Phishguard.AuditRotateMaxBytes, cfg.Phishguard.AuditRotateKeep)
	if err != nil {
		log.Fatalf("failed to open XAI audit log: %v", err)
	}
	defer xaiAuditor.Stop()

	calibrationMonitor := calibration.NewMonitor(cfg.Phishguard.CalibrationPath, calibration.DefaultThresholds(), 5*time.Second)

	promMetrics := telemetry.NewMetrics()

	gov := governance.NewController(
		cfg.Phishguard.GovernanceStateDir+"/governance_state.json",
		cfg.Phishguard.GovernanceStateDir+"/domain_trust_timestamps.json",
		cfg.Phishguard.LockTimeoutSec, cfg.Phishguard.LockRetryCeiling,
		cfg.Phishguard.SharedReadTimeoutSec, cfg.Phishguard.StateCacheTTLSec,
		governance.Budgets{
			MaxOverridesPerHour:      cfg.Phishguard.MaxOverridesPerHour,
			MaxOverridesPerDay:       cfg.Phishguard.MaxOverridesPerDay,
			MaxCanaryFailures:        cfg.Phishguard.MaxCanaryFailures,
			CanaryMinTestRuns:        cfg.Phishguard.CanaryMinTestRuns,
			CanaryMinSampleSize:      cfg.Phishguard.CanaryMinSampleSize,
			CanaryMinConsecutivePass: cfg.Phishguard.CanaryMinConsecutivePass,
			CanaryRequiredPassRate:   1.0,
			TrustRevalidationWindow:  time.Duration(cfg.Phishguard.TrustRevalidationDays) * 24 * time.Hour,
		},
		syncAuditor, env,
		governance.WithCalibrationSource(calibrationMonitor),
		governance.WithMetrics(promMetrics),
	)

	trustGate, err := trustgate.NewGate(cfg.Phishguard.TrustManifestPath, cfg.Phishguard.SnapshotPath, gov)
	if err != nil {
		log.Fatalf("failed to load trusted-domain manifest: %v", err)
	}

	var redisAdapter *infra.GoRedisAdapter
	if cfg.Database.Redis.Enabled {
		redisAdapter, err = infra.NewGoRedisAdapter(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		if err != nil {
			log.Printf("⚠️  redis unavailable, blocklist cache will not share snapshots across replicas: %v", err)
		}
	}
	blocklistOpts := []blocklist.Option{}
	if redisAdapter != nil {
		blocklistOpts = append(blocklistOpts, blocklist.WithRedis(redisAdapter))
	}
	blocklistCache := blocklist.NewCache(
		blocklist.SeedSources(), breakers,
		time.Duration(cfg.Phishguard.BlocklistRefreshIntervalSec)*time.Second,
		time.Duration(cfg.Phishguard.BlocklistFetchTimeoutSec)*time.Second,
		blocklistOpts...,
	)

	phishingModel, err := model.Load(cfg.Phishguard.ModelPath, cfg.Phishguard.ModelPath+".meta.json")
	if err != nil {
		log.Fatalf("model failed the load-time calibration check: %v", err)
	}

	telemetryOpts := buildTelemetryOptions(cfg)
	aggregator := telemetry.NewAggregator(cfg.Phishguard.TelemetryPath, int64(cfg.Phishguard.TelemetrySnapshotEvery), promMetrics, telemetryOpts...)

	analysisCache := analysiscache.New(time.Duration(cfg.Phishguard.CacheTTLSec)*time.Second, cfg.Phishguard.CacheMaxEntries)
	invariantReporter := invariant.New(gov)

	pipelineCfg := pipeline.Config{
		PhishingThreshold:   cfg.Phishguard.PhishingThreshold,
		SuspiciousThreshold: cfg.Phishguard.SuspiciousThreshold,
		HTTPFailurePenalty:  cfg.Phishguard.HTTPFailurePenalty,
		WHOISFailurePenalty: cfg.Phishguard.WHOISFailurePenalty,
		DNSFailurePenalty:   cfg.Phishguard.DNSFailurePenalty,
		FeatureProbeTimeout: time.Duration(cfg.Phishguard.FeatureProbeTimeoutSec) * time.Second,
	}
	decisionPipeline := pipeline.New(
		pipelineCfg, analysisCache, trustGate, blocklistCache, phishingModel, invariantReporter, xaiAuditor, aggregator,
		features.WithBreakers(breakers),
		features.WithProbeTimeout(pipelineCfg.FeatureProbeTimeout),
		features.WithCertificateProbe(true),
	)
	if settingsStore, err := settingsstore.New(cfg.Database.Supabase.URL, cfg.Database.Supabase.ServiceKey, syncAuditor, env); err != nil {
		log.Printf("⚠️  settings store unavailable, ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION will default to false: %v", err)
	} else {
		decisionPipeline.WithSettings(settingsStore)
	}

	server := api.NewServer(decisionPipeline, gov, invariantReporter, trustGate, cfg.Security.AdminKey, promMetrics)

	port, err := strconv.Atoi(cfg.GetPort())
	if err != nil {
		port = 8080
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Println("🛑 Shutting down phishguard, flushing telemetry and stopping audit consumer...")
		if err := aggregator.Flush(); err != nil {
			log.Printf("final telemetry flush failed: %v", err)
		}
		xaiAuditor.Stop()
		os.Exit(0)
	}()

	if err := server.ListenAndServe(port); err != nil {
		log.Fatalf("phishguard server exited: %v", err)
	}
}

func environmentOf(cfg *config.Config) audit.Environment {
	switch cfg.Server.Env {
	case "ci":
		return audit.EnvCI
	case "production", "prod":
		return audit.EnvProd
	default:
		return audit.EnvLocal
	}
}

func buildTelemetryOptions(cfg *config.Config) []telemetry.Option {
	var opts []telemetry.Option
	if cfg.Database.Postgres.Enabled {
		db, err := sql.Open("postgres", cfg.Database.Postgres.DSN)
		if err != nil {
			log.Printf("⚠️  postgres telemetry archival unavailable: %v", err)
		} else {
			opts = append(opts, telemetry.WithPostgresArchival(db))
		}
	}
	if cfg.Database.PubSub.Enabled {
		client, err := pubsub.NewClient(context.Background(), cfg.Database.PubSub.ProjectID)
		if err != nil {
			log.Printf("⚠️  pubsub telemetry fanout unavailable: %v", err)
		} else {
			opts = append(opts, telemetry.WithPubSubFanout(client.Topic(cfg.Database.PubSub.TopicID)))
		}
	}
	return opts
}
