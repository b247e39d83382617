package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/paycore/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	LockTimeout time.Duration
}

func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	Payments     string
	LedgerEvents string
	DeadLetter   string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EngineConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

type SettlementConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	Grace     time.Duration
	Workers   int
}

type RuntimeConfig struct {
	Enabled      bool
	PollInterval time.Duration
	KeyPrefix    string
}

type AuthConfig struct {
	JWTSecret string
}

type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

type TracingConfig struct {
	Endpoint    string
	SampleRatio float64
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Engine     EngineConfig
	Settlement SettlementConfig
	Runtime    RuntimeConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Tracing    TracingConfig
}

func Load() (*Config, error) {
	v, err := base.NewViper(base.Path())
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:        envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:        envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:        envString("POSTGRES_DB", v.GetString("db.name")),
			User:        envString("POSTGRES_USER", v.GetString("db.user")),
			Password:    envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:     envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			LockTimeout: v.GetDuration("db.lock_timeout"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Payments:     v.GetString("kafka.topics.payments"),
				LedgerEvents: v.GetString("kafka.topics.ledger_events"),
				DeadLetter:   v.GetString("kafka.topics.dead_letter"),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       v.GetInt("redis.db"),
		},
		Engine: EngineConfig{
			MaxAttempts: v.GetInt("engine.max_attempts"),
			Backoff:     v.GetDuration("engine.backoff"),
		},
		Settlement: SettlementConfig{
			Enabled:   v.GetBool("settlement.enabled"),
			Interval:  v.GetDuration("settlement.interval"),
			BatchSize: v.GetInt("settlement.batch_size"),
			LockTTL:   v.GetDuration("settlement.lock_ttl"),
			Grace:     envDuration("SETTLEMENT_GRACE", v.GetDuration("settlement.grace")),
			Workers:   v.GetInt("settlement.workers"),
		},
		Runtime: RuntimeConfig{
			Enabled:      v.GetBool("runtime.enabled"),
			PollInterval: v.GetDuration("runtime.poll_interval"),
			KeyPrefix:    v.GetString("runtime.key_prefix"),
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", v.GetString("auth.jwt_secret")),
		},
		RateLimit: RateLimitConfig{
			Enabled: v.GetBool("rate_limit.enabled"),
			Limit:   v.GetInt("rate_limit.limit"),
			Window:  v.GetDuration("rate_limit.window"),
		},
		Tracing: TracingConfig{
			Endpoint:    envString("OTEL_EXPORTER_OTLP_ENDPOINT", v.GetString("tracing.endpoint")),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Kafka.Topics.Payments == "" {
		return fmt.Errorf("kafka payments topic required")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive")
	}
	if c.Settlement.Workers <= 0 {
		return fmt.Errorf("settlement.workers must be positive")
	}
	if c.Settlement.LockTTL < time.Second {
		return fmt.Errorf("settlement.lock_ttl must be at least 1s")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "paycore")
	v.SetDefault("db.user", "paycore")
	v.SetDefault("db.password", "paycore")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.lock_timeout", "2s")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "ledger-service")
	v.SetDefault("kafka.topics.payments", "payments.events")
	v.SetDefault("kafka.topics.ledger_events", "ledger.events")
	v.SetDefault("kafka.topics.dead_letter", "ledger.dlq")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.backoff", "300ms")

	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.interval", "1m")
	v.SetDefault("settlement.batch_size", 100)
	v.SetDefault("settlement.lock_ttl", "30s")
	v.SetDefault("settlement.grace", "5m")
	v.SetDefault("settlement.workers", 4)

	v.SetDefault("runtime.enabled", true)
	v.SetDefault("runtime.poll_interval", "15s")
	v.SetDefault("runtime.key_prefix", "paycore:runtime:")

	v.SetDefault("auth.jwt_secret", "dev-secret")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("tracing.sample_ratio", 1.0)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
