package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Models     ModelsConfig     `mapstructure:"models"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Session    SessionConfig    `mapstructure:"session"`
	Chats      ChatsConfig      `mapstructure:"chats"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Generation GenerationConfig `mapstructure:"generation"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

type ModelsConfig struct {
	Default       string        `mapstructure:"default"`
	Endpoints     []Endpoint    `mapstructure:"endpoints"`
	Personalities []Personality `mapstructure:"personalities"`
	Variants      int           `mapstructure:"variants"`
}

type Endpoint struct {
	Name    string      `mapstructure:"name"`
	BaseURL string      `mapstructure:"base_url"`
	APIKey  string      `mapstructure:"api_key"`
	Models  []ModelInfo `mapstructure:"models"`
}

type ModelInfo struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Personality is a named comment style mapped to a system prompt.
type Personality struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Prompt string `mapstructure:"prompt"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"` // "sqlite" or "file"
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	File   FileStore    `mapstructure:"file"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type FileStore struct {
	Directory string `mapstructure:"directory"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Type    string        `mapstructure:"type"` // "memory" or "redis"
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig bounds how long an abandoned multi-step flow keeps its
// state before falling back to idle.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ChatsConfig struct {
	MaxPerUser    int `mapstructure:"max_per_user"`
	MaxNameLength int `mapstructure:"max_name_length"`
	RetentionDays int `mapstructure:"retention_days"`
}

type FeedbackConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type GenerationConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type DispatchConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.BindEnv("bot.token", "BOT_TOKEN")
	viper.BindEnv("cache.redis.addr", "REDIS_ADDR")
	viper.BindEnv("cache.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.sqlite.path", "SQLITE_PATH")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("bot.update_timeout", 60)
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.sqlite.path", "data/bot.db")
	viper.SetDefault("storage.file.directory", "data")
	viper.SetDefault("cache.type", "memory")
	viper.SetDefault("cache.ttl", time.Hour)
	viper.SetDefault("cache.max_size", 1000)
	viper.SetDefault("session.ttl", time.Hour)
	viper.SetDefault("chats.max_per_user", 10)
	viper.SetDefault("chats.max_name_length", 50)
	viper.SetDefault("chats.retention_days", 30)
	viper.SetDefault("feedback.retention_days", 90)
	viper.SetDefault("generation.max_retries", 3)
	viper.SetDefault("generation.retry_base_delay", 2*time.Second)
	viper.SetDefault("generation.request_timeout", 30*time.Second)
	viper.SetDefault("sweep.interval", 24*time.Hour)
	viper.SetDefault("dispatch.queue_size", 8)
	viper.SetDefault("models.variants", 3)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("i18n.default_language", "en")
	viper.SetDefault("i18n.languages", []string{"en"})
	viper.SetDefault("i18n.directory", "configs/i18n")
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if len(cfg.Models.Endpoints) == 0 {
		return fmt.Errorf("at least one model endpoint is required")
	}
	switch cfg.Storage.Type {
	case "sqlite", "file":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Chats.MaxPerUser <= 0 {
		return fmt.Errorf("chats.max_per_user must be positive")
	}
	if cfg.Chats.MaxNameLength <= 0 {
		return fmt.Errorf("chats.max_name_length must be positive")
	}
	if cfg.Generation.MaxRetries <= 0 {
		return fmt.Errorf("generation.max_retries must be positive")
	}
	return nil
}
