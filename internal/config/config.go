package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App         AppConfig
	Server      ServerConfig
	DB          DBConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Marketplace MarketplaceConfig
	Webhook     WebhookConfig
	Reconciler  ReconcilerConfig
	Pipeline    PipelineConfig
	RefData     RefDataConfig
	Exporter    ExporterConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type ServerConfig struct {
	Host string
	Port int
}

func (s ServerConfig) Address() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DBConfig covers the order store and the Postgres dedup ledger. An empty URL
// selects the in-memory backends (dev and tests).
type DBConfig struct {
	URL string
}

// RedisConfig selects the Redis dedup ledger when URL is set.
type RedisConfig struct {
	URL string
}

// KafkaConfig selects the Kafka processing queue when Brokers is non-empty;
// otherwise the in-process queue is used.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

type MarketplaceConfig struct {
	BaseURL string
	APIKey  string
	// Channel names the sales channel in order keys, transaction ids and
	// attribution rules.
	Channel     string
	StoreIDs    []string
	Timeout     time.Duration
	MaxAttempts int
	// RatePerSec caps outbound calls to the marketplace API.
	RatePerSec float64
	RateBurst  int
}

type WebhookConfig struct {
	// Secret signs inbound notifications (HMAC-SHA256 over the raw body).
	Secret string
	// AckDeadline bounds handler work; everything slow happens async.
	AckDeadline time.Duration
}

type ReconcilerConfig struct {
	Interval        time.Duration
	Lookback        time.Duration
	StoreConcurrent int
}

type PipelineConfig struct {
	Workers         int
	PersistAttempts int
}

// RefDataConfig points at the YAML reference data the transformer loads at
// startup. Empty paths mean empty catalogs, which is fine for dev.
type RefDataConfig struct {
	KitsPath     string
	ChannelsPath string
}

type ExporterConfig struct {
	Interval  time.Duration
	OutDir    string
	BatchSize int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Name: getEnv("APP_NAME", "orderbridge"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Server: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnvAsInt("HTTP_PORT", 8080),
		},
		DB: DBConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "")),
			Topic:         getEnv("KAFKA_ORDER_TOPIC", "orderbridge.orders"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "orderbridge"),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:     getEnv("MARKETPLACE_BASE_URL", "https://api.marketplace.example/v1"),
			APIKey:      getEnv("MARKETPLACE_API_KEY", ""),
			Channel:     getEnv("MARKETPLACE_CHANNEL", "shopfront"),
			StoreIDs:    splitAndTrim(getEnv("MARKETPLACE_STORE_IDS", "")),
			Timeout:     getEnvAsDuration("MARKETPLACE_TIMEOUT", 30*time.Second),
			MaxAttempts: getEnvAsInt("MARKETPLACE_MAX_ATTEMPTS", 4),
			RatePerSec:  getEnvAsFloat("MARKETPLACE_RATE_PER_SEC", 10),
			RateBurst:   getEnvAsInt("MARKETPLACE_RATE_BURST", 5),
		},
		Webhook: WebhookConfig{
			Secret:      getEnv("WEBHOOK_SECRET", ""),
			AckDeadline: getEnvAsDuration("WEBHOOK_ACK_DEADLINE", 5*time.Second),
		},
		Reconciler: ReconcilerConfig{
			Interval:        getEnvAsDuration("RECONCILE_INTERVAL", 15*time.Minute),
			Lookback:        getEnvAsDuration("RECONCILE_LOOKBACK", 24*time.Hour),
			StoreConcurrent: getEnvAsInt("RECONCILE_STORE_CONCURRENCY", 3),
		},
		Pipeline: PipelineConfig{
			Workers:         getEnvAsInt("PIPELINE_WORKERS", 4),
			PersistAttempts: getEnvAsInt("PIPELINE_PERSIST_ATTEMPTS", 3),
		},
		RefData: RefDataConfig{
			KitsPath:     getEnv("REFDATA_KITS_PATH", ""),
			ChannelsPath: getEnv("REFDATA_CHANNELS_PATH", ""),
		},
		Exporter: ExporterConfig{
			Interval:  getEnvAsDuration("EXPORT_INTERVAL", 5*time.Minute),
			OutDir:    getEnv("EXPORT_OUT_DIR", "export"),
			BatchSize: getEnvAsInt("EXPORT_BATCH_SIZE", 500),
		},
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("HTTP_PORT is invalid")
	}
	if c.Webhook.Secret == "" && c.App.Env == "production" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("PIPELINE_WORKERS must be positive")
	}
	if c.Exporter.BatchSize <= 0 {
		return fmt.Errorf("EXPORT_BATCH_SIZE must be positive")
	}
	if c.Marketplace.MaxAttempts <= 0 {
		return fmt.Errorf("MARKETPLACE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

/* ================= helpers ================= */

func getEnv(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if val := strings.TrimSpace(p); val != "" {
			out = append(out, val)
		}
	}
	return out
}
