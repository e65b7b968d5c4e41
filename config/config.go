package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidInstrument is returned when an instrument or its interval pairing
// cannot be processed.
var ErrInvalidInstrument = errors.New("invalid instrument")

type Config struct {
	Klineflow   KlineflowConfig   `yaml:"klineflow"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Data        DataConfig        `yaml:"data"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Source      SourceConfig      `yaml:"source"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Instruments []Instrument      `yaml:"instruments"`
	Storage     StorageConfig     `yaml:"storage"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

type KlineflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	// ReportInterval is used when logging.level is "report".
	ReportInterval time.Duration `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DataConfig locates the stage directories. Relative stage directories are
// resolved against RootDir.
type DataConfig struct {
	RootDir    string `yaml:"root_dir"`
	RawDir     string `yaml:"raw_dir"`
	MissingDir string `yaml:"missing_dir"`
	TidyDir    string `yaml:"tidy_dir"`
	KlinesDir  string `yaml:"klines_dir"`
	CheckExist bool   `yaml:"check_exist"`
	StartDate  string `yaml:"start_date"`
	EndDate    string `yaml:"end_date"`
	// OutputFormat selects the candle file format: csv or parquet.
	OutputFormat string `yaml:"output_format"`
	Compression  string `yaml:"compression"`
}

type DispatchConfig struct {
	// MaxWorkers bounds the worker pool. Zero derives it from the CPU count.
	MaxWorkers int `yaml:"max_workers"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	SpotURL        string               `yaml:"spot_url"`
	FuturesURL     string               `yaml:"futures_url"`
	DeliveryURL    string               `yaml:"delivery_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	PageLimit      int                  `yaml:"page_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type AggregationConfig struct {
	DecimalPlaces         int32 `yaml:"decimal_places"`
	CountUnderlyingTrades bool  `yaml:"count_underlying_trades"`
}

type Instrument struct {
	Market    string   `yaml:"market"`
	Symbol    string   `yaml:"symbol"`
	Intervals []string `yaml:"intervals"`
	// LocalIP binds outbound range fetches for this instrument. Set from the
	// shard file.
	LocalIP string `yaml:"-"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every optional field populated.
func Default() Config {
	return Config{
		Klineflow: KlineflowConfig{Name: "klineflow", Version: "dev"},
		Metrics:   MetricsConfig{ReportInterval: 30 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Data: DataConfig{
			RootDir:      ".",
			RawDir:       "unzip.binance.vision",
			MissingDir:   "missing.binance.vision",
			TidyDir:      "tidy.binance.vision",
			KlinesDir:    "diy.binance.vision",
			CheckExist:   true,
			OutputFormat: "csv",
			Compression:  "snappy",
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				Timeout:   10 * time.Second,
				PageLimit: 1000,
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    16,
					MaxConnsPerHost: 8,
					IdleConnTimeout: 90 * time.Second,
				},
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
				Retry: RetryConfig{
					MaxAttempts:       5,
					BaseDelay:         500 * time.Millisecond,
					MaxDelay:          30 * time.Second,
					BackoffMultiplier: 2,
				},
			},
		},
		Aggregation: AggregationConfig{DecimalPlaces: 10},
		Ledger:      LedgerConfig{Path: "klineflow.db"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("KLINEFLOW_DATA_DIR"); v != "" {
		config.Data.RootDir = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	root, err := expandHome(config.Data.RootDir)
	if err != nil {
		return nil, err
	}
	config.Data.RootDir = root

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func validateConfig(cfg *Config) error {
	if cfg.Klineflow.Name == "" {
		return fmt.Errorf("klineflow.name is required")
	}
	if cfg.Klineflow.Version == "" {
		return fmt.Errorf("klineflow.version is required")
	}

	if cfg.Dispatch.MaxWorkers < 0 {
		return fmt.Errorf("dispatch.max_workers must not be negative")
	}

	switch cfg.Data.OutputFormat {
	case "csv", "parquet":
	default:
		return fmt.Errorf("data.output_format must be csv or parquet, got '%s'", cfg.Data.OutputFormat)
	}
	for name, date := range map[string]string{"data.start_date": cfg.Data.StartDate, "data.end_date": cfg.Data.EndDate} {
		if date == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return fmt.Errorf("%s must be YYYY-MM-DD: %w", name, err)
		}
	}
	if cfg.Data.StartDate != "" && cfg.Data.EndDate != "" && cfg.Data.StartDate > cfg.Data.EndDate {
		return fmt.Errorf("data.start_date %s is after data.end_date %s", cfg.Data.StartDate, cfg.Data.EndDate)
	}

	if cfg.Aggregation.DecimalPlaces <= 0 {
		return fmt.Errorf("aggregation.decimal_places must be greater than 0")
	}

	b := cfg.Source.Binance
	if b.PageLimit <= 0 || b.PageLimit > 1000 {
		return fmt.Errorf("source.binance.page_limit must be in 1..1000")
	}
	if b.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("source.binance.retry.max_attempts must be greater than 0")
	}
	if b.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("source.binance.rate_limit.requests_per_second must be greater than 0")
	}

	for i, inst := range cfg.Instruments {
		if err := inst.Validate(); err != nil {
			return fmt.Errorf("instruments[%d]: %w", i, err)
		}
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

	if IsProductionLike(AppEnvironment()) && !cfg.Ledger.Enabled {
		return fmt.Errorf("ledger must be enabled in %s", AppEnvironment())
	}
	if cfg.Ledger.Enabled && cfg.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required when the ledger is enabled")
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
