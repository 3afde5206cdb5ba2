package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for JEETWATCH.
type Config struct {
	General       GeneralConfig       `yaml:"general"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	ClickHouse    ClickHouseConfig    `yaml:"clickhouse"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Jeet          JeetConfig          `yaml:"jeet"`
	Profile       ProfileConfig       `yaml:"profile"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Quality       QualityConfig       `yaml:"quality"`
	Feed          FeedConfig          `yaml:"feed"`
	Export        ExportConfig        `yaml:"export"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	SchemaVersion  string   `yaml:"schema_version"`
	ProducerConfig struct {
		Acks            string `yaml:"acks"` // all|1|0
		LingerMs        int    `yaml:"linger_ms"`
		BatchSize       int    `yaml:"batch_size"`
		CompressionType string `yaml:"compression_type"` // snappy|lz4|zstd|none
	} `yaml:"producer"`
	ConsumerConfig struct {
		GroupIDPrefix   string `yaml:"group_id_prefix"`
		AutoOffsetReset string `yaml:"auto_offset_reset"` // earliest|latest
		MaxPollRecords  int    `yaml:"max_poll_records"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DSN             string `yaml:"dsn"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type LedgerConfig struct {
	// When a disposal exceeds tracked inventory the unmatched remainder is
	// booked against a synthetic zero-cost lot. Set false to reject the
	// whole disposal instead.
	SyntheticLotOnShortfall bool `yaml:"synthetic_lot_on_shortfall"`
}

type JeetConfig struct {
	LossThresholdUSD     float64 `yaml:"loss_threshold_usd"`
	HoldTimeThresholdSec int     `yaml:"hold_time_threshold_sec"`
}

type ProfileConfig struct {
	SerialJeeterRate float64 `yaml:"serial_jeeter_rate"`
	PaperHandsRate   float64 `yaml:"paper_hands_rate"`
	MinSellsForTier  int     `yaml:"min_sells_for_tier"`
}

type PipelineConfig struct {
	Workers             int  `yaml:"workers"`
	EventBufferSize     int  `yaml:"event_buffer_size"`
	ResultBufferSize    int  `yaml:"result_buffer_size"`
	AbortOnInvalid      bool `yaml:"abort_on_invalid"`
	SnapshotIntervalSec int  `yaml:"snapshot_interval_sec"`
}

type QualityConfig struct {
	ZeroPriceWarnRatio float64 `yaml:"zero_price_warn_ratio"`
	StaleAfterSec      int     `yaml:"stale_after_sec"`
	SweepIntervalSec   int     `yaml:"sweep_interval_sec"`
}

type FeedConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	ClientBufferSize int    `yaml:"client_buffer_size"`
}

type ExportConfig struct {
	OutputDir  string  `yaml:"output_dir"`
	JeetsOnly  bool    `yaml:"jeets_only"`
	MinLossUSD float64 `yaml:"min_loss_usd"`
}

type ObservabilityConfig struct {
	Enabled           bool `yaml:"enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
	HealthIntervalSec int  `yaml:"health_interval_sec"`
}

// DefaultConfig returns the configuration used when a field (or the whole
// file) is absent. Boolean policy knobs get their defaults here because an
// omitted YAML key leaves the field untouched during unmarshal.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.General.InstanceID = "jeetwatch-1"
	cfg.General.Environment = "development"
	cfg.General.LogLevel = "info"
	cfg.General.LogFormat = "json"
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.SchemaVersion = "1.0.0"
	cfg.Kafka.ProducerConfig.Acks = "all"
	cfg.Kafka.ProducerConfig.CompressionType = "snappy"
	cfg.Kafka.ConsumerConfig.GroupIDPrefix = "jeetwatch"
	cfg.Kafka.ConsumerConfig.AutoOffsetReset = "earliest"
	cfg.ClickHouse.Enabled = true
	cfg.ClickHouse.DSN = "clickhouse://localhost:9000/jeetwatch"
	cfg.ClickHouse.Database = "jeetwatch"
	cfg.ClickHouse.MaxOpenConns = 10
	cfg.ClickHouse.MaxIdleConns = 5
	cfg.ClickHouse.BatchSize = 500
	cfg.ClickHouse.FlushIntervalMs = 5000
	cfg.Ledger.SyntheticLotOnShortfall = true
	cfg.Jeet.LossThresholdUSD = 100
	cfg.Jeet.HoldTimeThresholdSec = 300
	cfg.Profile.SerialJeeterRate = 0.5
	cfg.Profile.PaperHandsRate = 0.25
	cfg.Profile.MinSellsForTier = 4
	cfg.Pipeline.Workers = 4
	cfg.Pipeline.EventBufferSize = 1024
	cfg.Pipeline.ResultBufferSize = 1024
	cfg.Pipeline.SnapshotIntervalSec = 30
	cfg.Quality.ZeroPriceWarnRatio = 0.2
	cfg.Quality.StaleAfterSec = 900
	cfg.Quality.SweepIntervalSec = 60
	cfg.Feed.ListenAddress = ":8881"
	cfg.Feed.ClientBufferSize = 64
	cfg.Export.OutputDir = "exports"
	cfg.Observability.Enabled = true
	cfg.Observability.PrometheusPort = 9090
	cfg.Observability.HealthIntervalSec = 30
	return cfg
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Backstop for fields explicitly set to empty
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "jeetwatch-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ProducerConfig.Acks == "" {
		cfg.Kafka.ProducerConfig.Acks = "all"
	}
	if cfg.Kafka.ProducerConfig.CompressionType == "" {
		cfg.Kafka.ProducerConfig.CompressionType = "snappy"
	}
	if cfg.Kafka.ConsumerConfig.GroupIDPrefix == "" {
		cfg.Kafka.ConsumerConfig.GroupIDPrefix = "jeetwatch"
	}
	if cfg.Kafka.ConsumerConfig.AutoOffsetReset == "" {
		cfg.Kafka.ConsumerConfig.AutoOffsetReset = "earliest"
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/jeetwatch"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "jeetwatch"
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushIntervalMs == 0 {
		cfg.ClickHouse.FlushIntervalMs = 5000
	}
	if cfg.Jeet.LossThresholdUSD == 0 {
		cfg.Jeet.LossThresholdUSD = 100
	}
	if cfg.Jeet.HoldTimeThresholdSec == 0 {
		cfg.Jeet.HoldTimeThresholdSec = 300
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.EventBufferSize == 0 {
		cfg.Pipeline.EventBufferSize = 1024
	}
	if cfg.Pipeline.ResultBufferSize == 0 {
		cfg.Pipeline.ResultBufferSize = 1024
	}
	if cfg.Feed.ListenAddress == "" {
		cfg.Feed.ListenAddress = ":8881"
	}
	if cfg.Feed.ClientBufferSize == 0 {
		cfg.Feed.ClientBufferSize = 64
	}
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = "exports"
	}
	if cfg.Observability.PrometheusPort == 0 {
		cfg.Observability.PrometheusPort = 9090
	}
}
