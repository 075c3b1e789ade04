package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// phishguard configuration with environment overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
	Phishguard PhishguardConfig `yaml:"phishguard"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig groups the external collaborators used for settings
// persistence and optional telemetry archival. Neither is on the hot path.
type DatabaseConfig struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// PostgresConfig configures the optional telemetry archival sink.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// RedisConfig configures the blocklist cache's shared-snapshot layer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// PubSubConfig configures the optional non-blocking telemetry fan-out.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type MonitoringConfig struct {
	BrierHealthyMax    float64 `yaml:"brier_healthy_max"`
	BrierDegradedMax   float64 `yaml:"brier_degraded_max"`
	CalErrorHealthyMax float64 `yaml:"cal_error_healthy_max"`
	CalErrorDegraded   float64 `yaml:"cal_error_degraded_max"`
	ReliabilityBins    int     `yaml:"reliability_bins"`
}

// SecurityConfig holds the admin key required to operate the governance
// unfreeze endpoint.
type SecurityConfig struct {
	AdminKey string `yaml:"admin_key"`
}

// PhishguardConfig holds the thresholds, TTLs, budget limits, and file
// paths the decision pipeline and governance controller are built from.
// These are constants per spec.md §4.6 step 8; moving them requires a
// manifest version bump, not just a config edit, so they are read once
// at startup and never hot-reloaded.
type PhishguardConfig struct {
	// Threshold mapping (spec.md §4.6 step 8).
	PhishingThreshold   float64 `yaml:"phishing_threshold"`
	SuspiciousThreshold float64 `yaml:"suspicious_threshold"`

	// Drift-aware penalty weights (spec.md §4.6 step 9).
	HTTPFailurePenalty  float64 `yaml:"http_failure_penalty"`
	WHOISFailurePenalty float64 `yaml:"whois_failure_penalty"`
	DNSFailurePenalty   float64 `yaml:"dns_failure_penalty"`

	// Analysis cache (C10).
	CacheTTLSec      int `yaml:"cache_ttl_sec"`
	CacheMaxEntries  int `yaml:"cache_max_entries"`

	// Blocklist cache (C3).
	BlocklistRefreshIntervalSec int `yaml:"blocklist_refresh_interval_sec"`
	BlocklistFetchTimeoutSec    int `yaml:"blocklist_fetch_timeout_sec"`

	// Feature extractor (C4).
	FeatureProbeTimeoutSec int `yaml:"feature_probe_timeout_sec"`

	// Governance state file locking (§5).
	LockTimeoutSec       int `yaml:"lock_timeout_sec"`
	LockRetryCeiling     int `yaml:"lock_retry_ceiling"`
	SharedReadTimeoutSec int `yaml:"shared_read_timeout_sec"`
	StateCacheTTLSec     int `yaml:"state_cache_ttl_sec"`

	// Safety budgets (§4.9).
	MaxOverridesPerHour  int `yaml:"max_overrides_per_hour"`
	MaxOverridesPerDay   int `yaml:"max_overrides_per_day"`
	MaxCanaryFailures    int `yaml:"max_canary_failures"`

	// Canary promotion (§4.10).
	CanaryMinTestRuns         int     `yaml:"canary_min_test_runs"`
	CanaryMinSampleSize       int     `yaml:"canary_min_sample_size"`
	CanaryMinConsecutivePass  int     `yaml:"canary_min_consecutive_pass"`
	CanaryRequiredPassRate    float64 `yaml:"canary_required_pass_rate"`

	// Domain trust revalidation window (§3).
	TrustRevalidationDays int `yaml:"trust_revalidation_days"`

	// Telemetry snapshot cadence (§4.14).
	TelemetrySnapshotEvery int `yaml:"telemetry_snapshot_every"`

	// Audit log rotation (§4.13).
	AuditRotateMaxBytes int64 `yaml:"audit_rotate_max_bytes"`
	AuditRotateKeep     int   `yaml:"audit_rotate_keep"`

	// Filesystem layout.
	GovernanceStateDir  string `yaml:"governance_state_dir"`
	TrustManifestPath   string `yaml:"trust_manifest_path"`
	SnapshotPath        string `yaml:"snapshot_path"`
	AuditSyncLogPath    string `yaml:"audit_sync_log_path"`
	AuditXAILogPath     string `yaml:"audit_xai_log_path"`
	CalibrationPath     string `yaml:"calibration_path"`
	TelemetryPath       string `yaml:"telemetry_path"`
	ModelPath           string `yaml:"model_path"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("PHISHGUARD_ENV", c.Server.Env)
	c.Server.Interface = getEnv("PHISHGUARD_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	// Settings persistence (Supabase — external collaborator)
	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)

	// Telemetry archival (optional Postgres)
	c.Database.Postgres.DSN = getEnv("TELEMETRY_POSTGRES_DSN", c.Database.Postgres.DSN)
	c.Database.Postgres.Enabled = getEnvBool("TELEMETRY_POSTGRES_ENABLED", c.Database.Postgres.Enabled)

	// Blocklist shared snapshot (optional Redis)
	c.Database.Redis.Addr = getEnv("BLOCKLIST_REDIS_ADDR", c.Database.Redis.Addr)
	c.Database.Redis.Password = getEnv("BLOCKLIST_REDIS_PASSWORD", c.Database.Redis.Password)
	c.Database.Redis.Enabled = getEnvBool("BLOCKLIST_REDIS_ENABLED", c.Database.Redis.Enabled)
	if v := getEnvInt("BLOCKLIST_REDIS_DB", 0); v > 0 {
		c.Database.Redis.DB = v
	}

	// Telemetry fan-out (optional Pub/Sub)
	c.Database.PubSub.ProjectID = getEnv("GCP_PROJECT_ID", c.Database.PubSub.ProjectID)
	c.Database.PubSub.TopicID = getEnv("TELEMETRY_PUBSUB_TOPIC", c.Database.PubSub.TopicID)
	c.Database.PubSub.Enabled = getEnvBool("TELEMETRY_PUBSUB_ENABLED", c.Database.PubSub.Enabled)

	// Admin key (required for unfreeze, §6)
	c.Security.AdminKey = getEnv("PHISHGUARD_ADMIN_KEY", c.Security.AdminKey)

	// Pipeline thresholds and penalties
	if v := getEnvFloat("PHISHING_THRESHOLD", 0); v > 0 {
		c.Phishguard.PhishingThreshold = v
	}
	if v := getEnvFloat("SUSPICIOUS_THRESHOLD", 0); v > 0 {
		c.Phishguard.SuspiciousThreshold = v
	}

	// Governance state / audit / calibration / telemetry paths
	c.Phishguard.GovernanceStateDir = getEnv("GOVERNANCE_STATE_DIR", c.Phishguard.GovernanceStateDir)
	c.Phishguard.TrustManifestPath = getEnv("TRUST_MANIFEST_PATH", c.Phishguard.TrustManifestPath)
	c.Phishguard.AuditSyncLogPath = getEnv("AUDIT_SYNC_LOG_PATH", c.Phishguard.AuditSyncLogPath)
	c.Phishguard.AuditXAILogPath = getEnv("AUDIT_XAI_LOG_PATH", c.Phishguard.AuditXAILogPath)
	c.Phishguard.CalibrationPath = getEnv("CALIBRATION_PATH", c.Phishguard.CalibrationPath)
	c.Phishguard.TelemetryPath = getEnv("TELEMETRY_PATH", c.Phishguard.TelemetryPath)
	c.Phishguard.ModelPath = getEnv("MODEL_PATH", c.Phishguard.ModelPath)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Monitoring.BrierHealthyMax == 0 {
		c.Monitoring.BrierHealthyMax = 0.25
	}
	if c.Monitoring.BrierDegradedMax == 0 {
		c.Monitoring.BrierDegradedMax = 0.35
	}
	if c.Monitoring.CalErrorHealthyMax == 0 {
		c.Monitoring.CalErrorHealthyMax = 0.10
	}
	if c.Monitoring.CalErrorDegraded == 0 {
		c.Monitoring.CalErrorDegraded = 0.20
	}
	if c.Monitoring.ReliabilityBins == 0 {
		c.Monitoring.ReliabilityBins = 10
	}

	p := &c.Phishguard
	if p.PhishingThreshold == 0 {
		p.PhishingThreshold = 0.85
	}
	if p.SuspiciousThreshold == 0 {
		p.SuspiciousThreshold = 0.55
	}
	if p.HTTPFailurePenalty == 0 {
		p.HTTPFailurePenalty = 0.075
	}
	if p.WHOISFailurePenalty == 0 {
		p.WHOISFailurePenalty = 0.045
	}
	if p.DNSFailurePenalty == 0 {
		p.DNSFailurePenalty = 0.030
	}
	if p.CacheTTLSec == 0 {
		p.CacheTTLSec = 3600
	}
	if p.CacheMaxEntries == 0 {
		p.CacheMaxEntries = 10000
	}
	if p.BlocklistRefreshIntervalSec == 0 {
		p.BlocklistRefreshIntervalSec = 3600
	}
	if p.BlocklistFetchTimeoutSec == 0 {
		p.BlocklistFetchTimeoutSec = 30
	}
	if p.FeatureProbeTimeoutSec == 0 {
		p.FeatureProbeTimeoutSec = 3
	}
	if p.LockTimeoutSec == 0 {
		p.LockTimeoutSec = 5
	}
	if p.LockRetryCeiling == 0 {
		p.LockRetryCeiling = 50
	}
	if p.SharedReadTimeoutSec == 0 {
		p.SharedReadTimeoutSec = 2
	}
	if p.StateCacheTTLSec == 0 {
		p.StateCacheTTLSec = 5
	}
	if p.MaxOverridesPerHour == 0 {
		p.MaxOverridesPerHour = 3
	}
	if p.MaxOverridesPerDay == 0 {
		p.MaxOverridesPerDay = 3
	}
	if p.MaxCanaryFailures == 0 {
		p.MaxCanaryFailures = 5
	}
	if p.CanaryMinTestRuns == 0 {
		p.CanaryMinTestRuns = 5
	}
	if p.CanaryMinSampleSize == 0 {
		p.CanaryMinSampleSize = 100
	}
	if p.CanaryMinConsecutivePass == 0 {
		p.CanaryMinConsecutivePass = 5
	}
	if p.CanaryRequiredPassRate == 0 {
		p.CanaryRequiredPassRate = 1.0
	}
	if p.TrustRevalidationDays == 0 {
		p.TrustRevalidationDays = 365
	}
	if p.TelemetrySnapshotEvery == 0 {
		p.TelemetrySnapshotEvery = 100
	}
	if p.AuditRotateMaxBytes == 0 {
		p.AuditRotateMaxBytes = 10 * 1024 * 1024
	}
	if p.AuditRotateKeep == 0 {
		p.AuditRotateKeep = 5
	}
	if p.GovernanceStateDir == "" {
		p.GovernanceStateDir = "governance_state"
	}
	if p.TrustManifestPath == "" {
		p.TrustManifestPath = "trusted_domains_manifest.json"
	}
	if p.SnapshotPath == "" {
		p.SnapshotPath = "tests/fixtures/trusted_domains_snapshot.json"
	}
	if p.AuditSyncLogPath == "" {
		p.AuditSyncLogPath = "audit/policy_override.log"
	}
	if p.AuditXAILogPath == "" {
		p.AuditXAILogPath = "audit/xai_telemetry.jsonl"
	}
	if p.CalibrationPath == "" {
		p.CalibrationPath = "calibration_metrics.json"
	}
	if p.TelemetryPath == "" {
		p.TelemetryPath = "explanation_metrics.json"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
