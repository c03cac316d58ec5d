package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	LLM         LLMConfig         `yaml:"llm"`
	Prompts     PromptsConfig     `yaml:"prompts"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address        string `yaml:"address"`
	MaxConnections int    `yaml:"max_connections"` // 0 disables the cap
}

// DispatchConfig controls the worker pool and the generation backend call.
type DispatchConfig struct {
	GeneratorEndpoint   string        `yaml:"generator_endpoint"`
	CallbackURL         string        `yaml:"callback_url"` // forwarded so the backend knows where to report
	ConnectTimeout      Duration      `yaml:"connect_timeout"`
	ReadTimeout         Duration      `yaml:"read_timeout"`
	TTL                 Duration      `yaml:"ttl"`
	Workers             int           `yaml:"workers"`
	SerializeOnCallback bool          `yaml:"serialize_on_callback"`
	MaxRetries          int           `yaml:"max_retries"`
	Backoff             BackoffConfig `yaml:"backoff"`
	SweepInterval       Duration      `yaml:"sweep_interval"`
	DefaultPriority     int           `yaml:"default_priority"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// Idempotency backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// IdempotencyConfig selects and tunes the dedup key store.
type IdempotencyConfig struct {
	Backend    string      `yaml:"backend"` // "memory", "sqlite", "redis"
	TTL        Duration    `yaml:"ttl"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis idempotency backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// KafkaConfig holds event bus settings. An empty broker list selects the log publisher.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	ClientID        string   `yaml:"client_id"`
	FlushTimeout    Duration `yaml:"flush_timeout"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
}

// LLMConfig holds settings for the enrichment text provider.
type LLMConfig struct {
	Provider string            `yaml:"provider"` // "gemini", "none"
	Model    string            `yaml:"model"`
	Key      string            `yaml:"key"`
	Timeout  Duration          `yaml:"timeout"`
	Profiles map[string]string `yaml:"profiles"` // Map of intent -> model
}

// PromptsConfig points at an optional template override directory.
type PromptsConfig struct {
	Dir string `yaml:"dir"`
}

// StorageConfig holds object storage settings used to presign image references.
type StorageConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Endpoint   string   `yaml:"endpoint"`
	AccessKey  string   `yaml:"access_key"`
	SecretKey  string   `yaml:"secret_key"`
	Bucket     string   `yaml:"bucket"`
	Region     string   `yaml:"region"`
	UseSSL     bool     `yaml:"use_ssl"`
	PresignTTL Duration `yaml:"presign_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
	Gemini   LogSettings `yaml:"gemini"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "0.0.0.0:8000",
			MaxConnections: 256,
		},
		Dispatch: DispatchConfig{
			GeneratorEndpoint:   "http://localhost:8001/generate",
			ConnectTimeout:      Duration(3 * time.Second),
			ReadTimeout:         Duration(10 * time.Second),
			TTL:                 Duration(Day),
			Workers:             1,
			SerializeOnCallback: false,
			MaxRetries:          5,
			Backoff: BackoffConfig{
				BaseDelay: Duration(1 * time.Second),
				MaxDelay:  Duration(30 * time.Second),
			},
			SweepInterval:   Duration(30 * time.Second),
			DefaultPriority: 100,
		},
		Idempotency: IdempotencyConfig{
			Backend:    BackendMemory,
			TTL:        Duration(Day),
			SQLitePath: "./data/bridge.db",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "bridge:idem:",
			},
		},
		Kafka: KafkaConfig{
			Topic:           "video-callback",
			ClientID:        "video-bridge",
			FlushTimeout:    Duration(5 * time.Second),
			DeliveryTimeout: Duration(30 * time.Second),
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash-lite",
			Timeout:  Duration(20 * time.Second),
			Profiles: map[string]string{
				"enrichment": "gemini-2.5-flash-lite",
			},
		},
		Storage: StorageConfig{
			Bucket:     "generation-inputs",
			Region:     "us-east-1",
			PresignTTL: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
			Gemini: LogSettings{
				Path:  "./logs/gemini.log",
				Level: "INFO",
			},
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// Environment variables (optionally from a .env file) fill in values the file leaves empty.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// .env is optional; a missing file is not an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty fields from the environment (never saved back to disk).
func applyEnv(cfg *Config) error {
	if cfg.LLM.Key == "" {
		cfg.LLM.Key = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}
	if v := os.Getenv("GENERATOR_ENDPOINT"); v != "" {
		cfg.Dispatch.GeneratorEndpoint = v
	}
	if v := os.Getenv("BRIDGE_CALLBACK_URL"); v != "" && cfg.Dispatch.CallbackURL == "" {
		cfg.Dispatch.CallbackURL = v
	}
	if v := os.Getenv("KAFKA_BOOTSTRAP"); v != "" && len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TTL_SECONDS %q: %w", v, err)
		}
		cfg.Dispatch.TTL = Duration(time.Duration(secs) * time.Second)
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_CONCURRENCY %q: %w", v, err)
		}
		cfg.Dispatch.Workers = n
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Idempotency.Redis.Addr = v
	}
	if cfg.Storage.AccessKey == "" {
		cfg.Storage.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	}
	if cfg.Storage.SecretKey == "" {
		cfg.Storage.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	}
	return nil
}

// Validate rejects settings the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be >= 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must be >= 0, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.TTL <= 0 {
		return fmt.Errorf("dispatch.ttl must be positive")
	}
	if c.Dispatch.SweepInterval <= 0 {
		return fmt.Errorf("dispatch.sweep_interval must be positive")
	}
	if c.Dispatch.SerializeOnCallback && c.Dispatch.Workers != 1 {
		return fmt.Errorf("dispatch.serialize_on_callback requires exactly one worker, got %d", c.Dispatch.Workers)
	}
	switch c.Idempotency.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Video Bridge Configuration
# ---------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)

`)
	data = append(header, data...)

	reBackend := regexp.MustCompile(`(?m)^(\s+)backend:`)
	data = reBackend.ReplaceAll(data, []byte("${1}# Options: memory, sqlite, redis\n${1}backend:"))

	reBrokers := regexp.MustCompile(`(?m)^(\s+)brokers:`)
	data = reBrokers.ReplaceAll(data, []byte("${1}# Empty list logs events instead of producing to Kafka\n${1}brokers:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}
