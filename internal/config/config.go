package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Chat       ChatConfig       `mapstructure:"chat"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type VaultConfig struct {
	PBKDF2Iterations int `mapstructure:"pbkdf2_iterations"`
	// SessionTTL locks the vault after this much idle time; zero keeps it unlocked until Lock.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type ProvidersConfig struct {
	RequestTimeout time.Duration    `mapstructure:"request_timeout"`
	OpenRouter     OpenRouterConfig `mapstructure:"openrouter"`
	Ollama         OllamaConfig     `mapstructure:"ollama"`
	OpenClaw       OpenClawConfig   `mapstructure:"openclaw"`
}

type OpenRouterConfig struct {
	BaseURL       string   `mapstructure:"base_url"`
	MaxTokens     int      `mapstructure:"max_tokens"`
	Temperature   float64  `mapstructure:"temperature"`
	DefaultModel  string   `mapstructure:"default_model"`
	EnabledModels []string `mapstructure:"enabled_models"`
	AppName       string   `mapstructure:"app_name"`
	Referer       string   `mapstructure:"referer"`
}

type OllamaConfig struct {
	DefaultURL   string `mapstructure:"default_url"`
	DefaultModel string `mapstructure:"default_model"`
}

type OpenClawConfig struct {
	ClientID         string        `mapstructure:"client_id"`
	ClientVersion    string        `mapstructure:"client_version"`
	Platform         string        `mapstructure:"platform"`
	Mode             string        `mapstructure:"mode"`
	Role             string        `mapstructure:"role"`
	Scopes           []string      `mapstructure:"scopes"`
	MinProtocol      int           `mapstructure:"min_protocol"`
	MaxProtocol      int           `mapstructure:"max_protocol"`
	SessionKey       string        `mapstructure:"session_key"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTimeout  time.Duration `mapstructure:"absolute_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type ChatConfig struct {
	DefaultLocale      string            `mapstructure:"default_locale"`
	DefaultPersonality string            `mapstructure:"default_personality"`
	Personalities      map[string]string `mapstructure:"personalities"`
	RelayBuffer        int               `mapstructure:"relay_buffer"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
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
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "petgw:")
	v.SetDefault("storage.sqlite.path", "./data/gateway.db")
	v.SetDefault("storage.memory.cleanup_interval", 10*time.Minute)

	v.SetDefault("vault.pbkdf2_iterations", 150000)
	v.SetDefault("vault.session_ttl", time.Duration(0))

	v.SetDefault("providers.request_timeout", 60*time.Second)
	v.SetDefault("providers.openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("providers.openrouter.max_tokens", 256)
	v.SetDefault("providers.openrouter.temperature", 0.8)
	v.SetDefault("providers.openrouter.default_model", "meta-llama/llama-3.1-8b-instruct:free")
	v.SetDefault("providers.openrouter.enabled_models", []string{
		"meta-llama/llama-3.1-8b-instruct:free",
		"mistralai/mistral-7b-instruct:free",
		"google/gemma-2-9b-it:free",
		"qwen/qwen-2.5-7b-instruct:free",
	})
	v.SetDefault("providers.openrouter.app_name", "Pet AI Gateway")
	v.SetDefault("providers.ollama.default_url", "http://localhost:11434")
	v.SetDefault("providers.ollama.default_model", "llama3.2")
	v.SetDefault("providers.openclaw.client_id", "gateway-client")
	v.SetDefault("providers.openclaw.client_version", "pet-ai-gateway/1.0")
	v.SetDefault("providers.openclaw.platform", "linux")
	v.SetDefault("providers.openclaw.mode", "backend")
	v.SetDefault("providers.openclaw.role", "operator")
	v.SetDefault("providers.openclaw.scopes", []string{"operator.write"})
	v.SetDefault("providers.openclaw.min_protocol", 3)
	v.SetDefault("providers.openclaw.max_protocol", 3)
	v.SetDefault("providers.openclaw.session_key", "main")
	v.SetDefault("providers.openclaw.idle_timeout", 3500*time.Millisecond)
	v.SetDefault("providers.openclaw.absolute_timeout", 60*time.Second)
	v.SetDefault("providers.openclaw.handshake_timeout", 10*time.Second)

	v.SetDefault("chat.default_locale", "en")
	v.SetDefault("chat.default_personality", "playful")
	v.SetDefault("chat.relay_buffer", 32)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 30)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "./logs/gateway.log")
	v.SetDefault("logging.file.max_size", 50)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 14)

	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "zh", "es"})
}

// LoadConfig loads configuration from file and environment variables.
// A missing file is not an error; defaults and environment still apply.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("server.addr", "GATEWAY_ADDR")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")
	v.BindEnv("storage.sqlite.path", "SQLITE_PATH")
	v.BindEnv("providers.openrouter.base_url", "OPENROUTER_BASE_URL")
	v.BindEnv("providers.ollama.default_url", "OLLAMA_URL")
	v.BindEnv("logging.level", "LOG_LEVEL")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	switch strings.ToLower(cfg.Storage.Type) {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Vault.PBKDF2Iterations < 1 {
		return fmt.Errorf("vault.pbkdf2_iterations must be positive")
	}
	if cfg.Providers.OpenRouter.BaseURL == "" {
		return fmt.Errorf("providers.openrouter.base_url is required")
	}
	if cfg.Providers.OpenClaw.IdleTimeout <= 0 || cfg.Providers.OpenClaw.AbsoluteTimeout <= 0 {
		return fmt.Errorf("openclaw timeouts must be positive")
	}
	if cfg.Providers.OpenClaw.MinProtocol > cfg.Providers.OpenClaw.MaxProtocol {
		return fmt.Errorf("openclaw min_protocol exceeds max_protocol")
	}
	if cfg.Chat.RelayBuffer < 0 {
		return fmt.Errorf("chat.relay_buffer must not be negative")
	}
	return nil
}
