package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	HubSpot    HubSpotConfig    `yaml:"hubspot" mapstructure:"hubspot"`
	Fireflies  FirefliesConfig  `yaml:"fireflies" mapstructure:"fireflies"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Fields     FieldsConfig     `yaml:"fields" mapstructure:"fields"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// HubSpotConfig holds HubSpot CRM API settings.
type HubSpotConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirefliesConfig holds Fireflies transcript API settings.
type FirefliesConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractionConfig tunes chunking, job planning, and the worker pool.
type ExtractionConfig struct {
	MaxChunkChars     int     `yaml:"max_chunk_chars" mapstructure:"max_chunk_chars"`
	InputBudget       int     `yaml:"input_budget" mapstructure:"input_budget"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	JobTimeoutSecs    int     `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	RequestsPerMinute int     `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	RetryAttempts     int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs    int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetryMultiplier   float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// FieldsConfig points at an optional field definition override file.
// Empty means the embedded defaults.
type FieldsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RFI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rfi.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("hubspot.token", "")
	v.SetDefault("fireflies.key", "")
	v.SetDefault("fields.path", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("hubspot.base_url", "https://api.hubapi.com")
	v.SetDefault("fireflies.base_url", "https://api.fireflies.ai/graphql")
	v.SetDefault("extraction.max_chunk_chars", 80000)
	v.SetDefault("extraction.input_budget", 100000)
	v.SetDefault("extraction.concurrency", 4)
	v.SetDefault("extraction.job_timeout_secs", 240)
	v.SetDefault("extraction.retry_attempts", 4)
	v.SetDefault("extraction.retry_backoff_ms", 2000)
	v.SetDefault("extraction.retry_max_backoff_ms", 30000)
	v.SetDefault("extraction.retry_multiplier", 2.0)
	v.SetDefault("extraction.breaker_threshold", 5)
	v.SetDefault("extraction.breaker_reset_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
