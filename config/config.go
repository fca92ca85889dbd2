package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Hlflow  HlflowConfig  `yaml:"hlflow"`
	Run     RunConfig     `yaml:"run"`
	Source  SourceConfig  `yaml:"source"`
	Reader  ReaderConfig  `yaml:"reader"`
	Sink    SinkConfig    `yaml:"sink"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type HlflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RunConfig selects what a single invocation does.
type RunConfig struct {
	// Mode is one of "replace", "append" or "backfill".
	Mode string `yaml:"mode"`
	// Slug identifies the tracked protocol across all source payloads.
	Slug string `yaml:"slug"`
	// RollingDays bounds the published window in replace mode; points older
	// than this are dropped before upload. Zero keeps everything.
	RollingDays int `yaml:"rolling_days"`
	// DataDir holds the staging CSV and the raw debug dump.
	DataDir string `yaml:"data_dir"`
}

// EndpointConfig is one ranked source candidate.
type EndpointConfig struct {
	URL string `yaml:"url"`
	// Encoding is "json" for direct API payloads or "csv-scrape" for an HTML
	// page carrying a .csv download link.
	Encoding string `yaml:"encoding"`
}

type SourceConfig struct {
	// Endpoints are tried in order; the first usable payload wins.
	Endpoints []EndpointConfig `yaml:"endpoints"`
	// OverviewURL returns current-only aggregates for every derivatives
	// protocol; used to fill snapshot fields the primary left null.
	OverviewURL string `yaml:"overview_url"`
	// HyperliquidInfoURL is the exchange's own info endpoint, the last
	// fallback for open interest and 24h volume.
	HyperliquidInfoURL string `yaml:"hyperliquid_info_url"`
	// Backfill CSV exports read in backfill mode.
	VolumeCSV       string `yaml:"volume_csv"`
	OpenInterestCSV string `yaml:"open_interest_csv"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	UserAgent string          `yaml:"user_agent"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SinkConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	Namespace   string `yaml:"namespace"`
	TableName   string `yaml:"table_name"`
	Description string `yaml:"description"`
	IsPrivate   bool   `yaml:"is_private"`
	// InsertBatchSize caps rows per insert call in backfill mode.
	InsertBatchSize int           `yaml:"insert_batch_size"`
	Timeout         time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config drives the optional archive of staging artifacts. Disabled by
// default; the pipeline never depends on it succeeding.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// Parquet additionally archives the canonical rows in parquet format.
	Parquet bool `yaml:"parquet"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	config.Sink.TableName = strings.TrimSpace(config.Sink.TableName)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Mode:        "replace",
			Slug:        "hyperliquid",
			RollingDays: 400,
			DataDir:     "data",
		},
		Source: SourceConfig{
			OverviewURL:        "https://api.llama.fi/overview/derivatives",
			HyperliquidInfoURL: "https://api.hyperliquid.xyz/info",
		},
		Reader: ReaderConfig{
			Timeout:   45 * time.Second,
			Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second},
			RateLimit: RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1},
		},
		Sink: SinkConfig{
			BaseURL:         "https://api.dune.com/api/v1",
			TableName:       "hyperliquid_perps_daily",
			Description:     "Hyperliquid perps: volume & open interest",
			InsertBatchSize: 500,
			Timeout:         60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// applyEnvOverrides keeps the deployment contract: secrets and the
// handful of knobs the scheduler tweaks come from the environment, everything
// else from the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DUNE_API_KEY"); v != "" {
		cfg.Sink.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("DUNE_TABLE_NAME"); v != "" {
		cfg.Sink.TableName = strings.TrimSpace(v)
	}
	if v := os.Getenv("DUNE_NAMESPACE"); v != "" {
		cfg.Sink.Namespace = strings.TrimSpace(v)
	}
	if v := os.Getenv("RUN_MODE"); v != "" {
		cfg.Run.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("LLAMA_URL"); v != "" {
		cfg.Source.Endpoints = append([]EndpointConfig{{URL: strings.TrimSpace(v), Encoding: "json"}}, cfg.Source.Endpoints...)
	}
	if v := os.Getenv("ROLLING_DAYS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			cfg.Run.RollingDays = n
		}
	}
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Hlflow.Name == "" {
		return fmt.Errorf("hlflow.name is required")
	}

	if cfg.Hlflow.Version == "" {
		return fmt.Errorf("hlflow.version is required")
	}

	switch cfg.Run.Mode {
	case "replace", "append", "backfill":
	default:
		return fmt.Errorf("run.mode must be replace, append or backfill, got %q", cfg.Run.Mode)
	}

	if cfg.Run.Slug == "" {
		return fmt.Errorf("run.slug is required")
	}

	if cfg.Run.Mode == "replace" && len(cfg.Source.Endpoints) == 0 {
		return fmt.Errorf("source.endpoints must list at least one candidate in replace mode")
	}
	for i, ep := range cfg.Source.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("source.endpoints[%d].url is required", i)
		}
		switch ep.Encoding {
		case "json", "csv-scrape":
		default:
			return fmt.Errorf("source.endpoints[%d].encoding must be json or csv-scrape, got %q", i, ep.Encoding)
		}
	}

	if cfg.Run.Mode == "backfill" {
		if cfg.Source.VolumeCSV == "" || cfg.Source.OpenInterestCSV == "" {
			return fmt.Errorf("source.volume_csv and source.open_interest_csv are required in backfill mode")
		}
	}

	// Append and backfill go through the namespaced insert endpoint.
	if cfg.Run.Mode == "append" || cfg.Run.Mode == "backfill" {
		if cfg.Sink.Namespace == "" {
			return fmt.Errorf("sink.namespace is required in %s mode (set DUNE_NAMESPACE)", cfg.Run.Mode)
		}
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reader.retry.max_attempts must be greater than 0")
	}

	// Development runs may load config without a credential; the sink client
	// still refuses to send anything without one. Production-like runs fail
	// here, before any work happens.
	if cfg.Sink.APIKey == "" && IsProductionLike(AppEnvironment()) {
		return fmt.Errorf("sink.api_key is required (set DUNE_API_KEY)")
	}
	if cfg.Sink.TableName == "" {
		return fmt.Errorf("sink.table_name is required")
	}
	if cfg.Sink.InsertBatchSize <= 0 {
		return fmt.Errorf("sink.insert_batch_size must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
