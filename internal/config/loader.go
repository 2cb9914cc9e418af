package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "refinery.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "REFINERY_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "REFINERY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "REFINERY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "REFINERY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "REFINERY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "REFINERY_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.ObjectStore.Bucket, "REFINERY_BUCKET")
	setString(&cfg.ObjectStore.Region, "AWS_REGION")
	setString(&cfg.ObjectStore.Endpoint, "REFINERY_S3_ENDPOINT")
	setString(&cfg.Logging.Level, "REFINERY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "REFINERY_LOG_SERVICE")
	setString(&cfg.Telemetry.OTLPEndpoint, "REFINERY_TELEMETRY_OTLP_ENDPOINT")
	setInt(&cfg.Breaker.MaxFailures, "REFINERY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Window, "REFINERY_BREAKER_WINDOW")
	setDuration(&cfg.Breaker.Cooldown, "REFINERY_BREAKER_COOLDOWN")
	setDuration(&cfg.Breaker.ProbeTimeout, "REFINERY_BREAKER_PROBE_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "REFINERY_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.DedupTTL, "REFINERY_CACHE_DEDUP_TTL")

	setDuration(&cfg.Extractor.JoinTimeout, "REFINERY_JOIN_TIMEOUT")
	setBool(&cfg.Extractor.FallbackOnTimeout, "REFINERY_JOIN_FALLBACK")
	setFloat64(&cfg.Extractor.FallbackConfidence, "REFINERY_JOIN_FALLBACK_CONFIDENCE")
	setDuration(&cfg.Extractor.ReapInterval, "REFINERY_JOIN_REAP_INTERVAL")

	setFloat64(&cfg.Filter.QualityThreshold, "REFINERY_FILTER_QUALITY_THRESHOLD")
	setFloat64(&cfg.Filter.ConfidenceThreshold, "REFINERY_FILTER_CONFIDENCE_THRESHOLD")
	setFloat64(&cfg.Filter.OutlierZScore, "REFINERY_FILTER_OUTLIER_Z")
	setInt(&cfg.Filter.TargetBatchSize, "REFINERY_FILTER_TARGET_BATCH")
	setBool(&cfg.Filter.AllowLowDiversity, "REFINERY_FILTER_ALLOW_LOW_DIVERSITY")

	setString(&cfg.Curator.DatasetID, "REFINERY_CURATOR_DATASET_ID")
	setInt(&cfg.Curator.MinExamples, "REFINERY_CURATOR_MIN_EXAMPLES")
	setInt(&cfg.Curator.TriggerThreshold, "REFINERY_CURATOR_TRIGGER_THRESHOLD")
	setDuration(&cfg.Curator.Schedule, "REFINERY_CURATOR_SCHEDULE")

	setInt(&cfg.Orchestrator.MaxConcurrent, "REFINERY_ORCH_MAX_CONCURRENT")
	setInt(&cfg.Orchestrator.MaxRetries, "REFINERY_ORCH_MAX_RETRIES")
	setInt(&cfg.Orchestrator.QueueSize, "REFINERY_ORCH_QUEUE_SIZE")
	setFloat64(&cfg.Orchestrator.CostCeiling, "REFINERY_ORCH_COST_CEILING")
	setDuration(&cfg.Orchestrator.TrainTimeout, "REFINERY_ORCH_TRAIN_TIMEOUT")
	setFloat64(&cfg.Orchestrator.KLBound, "REFINERY_ORCH_KL_BOUND")
	setInt(&cfg.Orchestrator.KLGraceIters, "REFINERY_ORCH_KL_GRACE_ITERS")
	setInt(&cfg.Orchestrator.PlateauPatience, "REFINERY_ORCH_PLATEAU_PATIENCE")

	setString(&cfg.Trainer.URL, "REFINERY_TRAINER_URL")
	setDuration(&cfg.Trainer.Timeout, "REFINERY_TRAINER_TIMEOUT")
	setString(&cfg.Trainer.APIKeyEnv, "REFINERY_TRAINER_API_KEY_ENV")

	setDuration(&cfg.Registry.ProductionRetention, "REFINERY_REGISTRY_RETENTION")
	setDuration(&cfg.Registry.JanitorInterval, "REFINERY_REGISTRY_JANITOR_INTERVAL")
	setString(&cfg.Registry.SigningKeyFile, "REFINERY_SIGNING_KEY_FILE")

	setFloat64(&cfg.Gate.RegressionPassRate, "REFINERY_GATE_REGRESSION_PASS_RATE")
	setFloat64(&cfg.Gate.MaxAccuracyDrop, "REFINERY_GATE_MAX_ACCURACY_DROP")
	setFloat64(&cfg.Gate.MaxLatencyP99MS, "REFINERY_GATE_MAX_LATENCY_P99_MS")
	setFloat64(&cfg.Gate.DiversityFloor, "REFINERY_GATE_DIVERSITY_FLOOR")

	setFloat64(&cfg.Health.BaselineFraction, "REFINERY_HEALTH_BASELINE_FRACTION")
	setInt(&cfg.Health.ConsecutiveTrips, "REFINERY_HEALTH_CONSECUTIVE_TRIPS")
	setInt(&cfg.Health.WindowSize, "REFINERY_HEALTH_WINDOW_SIZE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.ObjectStore.Bucket == "" {
		return errors.New("object_store.bucket is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Filter.QualityThreshold <= 0 || cfg.Filter.QualityThreshold > 1 {
		return errors.New("filter.quality_threshold must be in (0,1]")
	}
	if cfg.Curator.MinExamples < 1 {
		return errors.New("curator.min_examples must be >= 1")
	}
	if err := cfg.Curator.SplitRatio.Validate(); err != nil {
		return fmt.Errorf("curator.split_ratio: %w", err)
	}
	if cfg.Trainer.URL == "" {
		return errors.New("trainer.url is required")
	}
	if cfg.Orchestrator.MaxConcurrent < 1 {
		return errors.New("orchestrator.max_concurrent must be >= 1")
	}
	if cfg.Orchestrator.KLBound <= 0 {
		return errors.New("orchestrator.kl_bound must be > 0")
	}
	if cfg.Health.ConsecutiveTrips < 1 {
		return errors.New("health.consecutive_trips must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
