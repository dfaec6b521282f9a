// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	PartnerCenter PartnerCenterConfig `mapstructure:"partner_center"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig defines HTTP trigger server settings.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	RateLimitPerSecond int           `mapstructure:"rate_limit_per_second"`
}

// PartnerCenterConfig defines the billing API client settings. Secrets are
// expected from the environment (PARTNER_CENTER_CLIENT_SECRET etc.) rather
// than the config file.
type PartnerCenterConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TokenURL     string        `mapstructure:"token_url"`
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scope        string        `mapstructure:"scope"`
	PageSize     int           `mapstructure:"page_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig defines where monthly raw line-item snapshots live.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// PipelineConfig defines the reconciliation engine's settings.
type PipelineConfig struct {
	// Workers bounds the partition fan-out inside the engine.
	Workers int `mapstructure:"workers"`
	// ProductIDPrefix keeps only line items whose productId starts with
	// this prefix ("CFQ" selects new-commerce license products). Empty
	// disables the filter.
	ProductIDPrefix string `mapstructure:"product_id_prefix"`
}

// SinkConfig defines where reconciled periods are persisted.
type SinkConfig struct {
	CSVDir    string          `mapstructure:"csv_dir"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// WarehouseConfig defines the SQLite warehouse sink.
type WarehouseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// KafkaConfig defines the Kafka publisher sink.
type KafkaConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	DLQTopic string         `mapstructure:"dlq_topic"`
	Producer ProducerConfig `mapstructure:"producer"`
	Publish  PublishConfig  `mapstructure:"publish"`
}

// ProducerConfig defines Sarama producer settings.
type ProducerConfig struct {
	RequiredAcks     string        `mapstructure:"required_acks"`
	CompressionCodec string        `mapstructure:"compression_codec"`
	FlushFrequency   time.Duration `mapstructure:"flush_frequency"`
	FlushMessages    int           `mapstructure:"flush_messages"`
	FlushBytes       int           `mapstructure:"flush_bytes"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	ReturnSuccesses  bool          `mapstructure:"return_successes"`
	ReturnErrors     bool          `mapstructure:"return_errors"`
}

// PublishConfig defines the publisher's internal queueing settings.
type PublishConfig struct {
	ChannelCapacity int         `mapstructure:"channel_capacity"`
	NumWorkers      int         `mapstructure:"num_workers"`
	Retry           RetryConfig `mapstructure:"retry"`
}

// RetryConfig defines settings for the retry mechanism.
type RetryConfig struct {
	ChannelCapacity   int           `mapstructure:"channel_capacity"`
	NumWorkers        int           `mapstructure:"num_workers"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	// Enable reading from environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults for some values if not provided
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)
	viper.SetDefault("server.rate_limit_per_second", 5)
	viper.SetDefault("partner_center.base_url", "https://api.partnercenter.microsoft.com")
	viper.SetDefault("partner_center.page_size", 5000)
	viper.SetDefault("partner_center.timeout", 2*time.Minute)
	viper.SetDefault("archive.dir", "./archive")
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.product_id_prefix", "CFQ")
	viper.SetDefault("sink.csv_dir", "./out")
	viper.SetDefault("sink.warehouse.enabled", false)
	viper.SetDefault("sink.warehouse.path", "./recon.db")
	viper.SetDefault("sink.kafka.enabled", false)
	viper.SetDefault("sink.kafka.producer.required_acks", "all")
	viper.SetDefault("sink.kafka.producer.compression_codec", "snappy")
	viper.SetDefault("sink.kafka.producer.return_successes", false)
	viper.SetDefault("sink.kafka.producer.return_errors", true)
	viper.SetDefault("sink.kafka.publish.channel_capacity", 1024)
	viper.SetDefault("sink.kafka.publish.num_workers", 2)
	viper.SetDefault("sink.kafka.publish.retry.channel_capacity", 256)
	viper.SetDefault("sink.kafka.publish.retry.num_workers", 1)
	viper.SetDefault("sink.kafka.publish.retry.max_retries", 5)
	viper.SetDefault("sink.kafka.publish.retry.initial_backoff", 500*time.Millisecond)
	viper.SetDefault("sink.kafka.publish.retry.max_backoff", 30*time.Second)
	viper.SetDefault("sink.kafka.publish.retry.backoff_multiplier", 2.0)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; keep going with defaults and env.
			fmt.Printf("Config file not found: %s. Using defaults and environment variables.\n", configPath)
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Printf("Using config file: %s\n", viper.ConfigFileUsed())
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// Validate critical configuration
	if config.Pipeline.Workers <= 0 {
		return nil, fmt.Errorf("pipeline workers must be positive")
	}
	if config.Archive.Dir == "" {
		return nil, fmt.Errorf("archive dir must be specified")
	}
	if config.Sink.Kafka.Enabled {
		if len(config.Sink.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers must be specified when the kafka sink is enabled")
		}
		if config.Sink.Kafka.Topic == "" {
			return nil, fmt.Errorf("kafka topic must be specified when the kafka sink is enabled")
		}
		if config.Sink.Kafka.Publish.ChannelCapacity <= 0 {
			return nil, fmt.Errorf("kafka publish channel_capacity must be positive")
		}
		if config.Sink.Kafka.Publish.NumWorkers <= 0 {
			return nil, fmt.Errorf("kafka publish num_workers must be positive")
		}
	}
	if config.Sink.Warehouse.Enabled && config.Sink.Warehouse.Path == "" {
		return nil, fmt.Errorf("warehouse path must be specified when the warehouse sink is enabled")
	}

	return &config, nil
}
