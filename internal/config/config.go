package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/game"
)

// StoreConfig selects the backends. Market state goes to MarketStore; players,
// the trade log and the outbox go to Postgres when DatabaseURL is set and to
// memory otherwise.
type StoreConfig struct {
	DatabaseURL string
	MarketStore string
	BadgerDir   string
	RedisURL    string
}

type LogConfig struct {
	Level string
	File  string
}

type KafkaConfig struct {
	Brokers    []string
	OrderTopic string
	GroupID    string
}

type APIConfig struct {
	Addr            string
	Store           StoreConfig
	Log             LogConfig
	Kafka           KafkaConfig
	SupabaseURL     string
	SupabaseAnonKey string
	JWTSecret       string
	RulesFile       string
	Rules           game.Rules
	RelayEvery      time.Duration
	RelayMaxRetries int
}

type WorkerConfig struct {
	Store             StoreConfig
	Log               LogConfig
	Kafka             KafkaConfig
	MetricsAddr       string
	RulesFile         string
	Rules             game.Rules
	DispatchEvery     time.Duration
	RetryEvery        time.Duration
	BatchSize         int
	MaxRetries        int
	TradeLogGCEvery   time.Duration
	TradeLogRetention time.Duration
	StaleQueuingAfter time.Duration
	RunOnce           bool
}

type CLIConfig struct {
	APIBaseURL string
	JWTSecret  string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("TRADESIM_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		Store:           loadStore(),
		Log:             loadLog(),
		Kafka:           loadKafka(),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		JWTSecret:       strings.TrimSpace(os.Getenv("TRADESIM_JWT_SECRET")),
		RulesFile:       strings.TrimSpace(os.Getenv("TRADESIM_RULES_FILE")),
		RelayEvery:      envDurationDefault("TRADESIM_API_RELAY_EVERY", time.Second),
		RelayMaxRetries: envIntDefault("TRADESIM_OUTBOX_MAX_RETRIES", 5),
	}
	if err := cfg.Store.validate(); err != nil {
		return cfg, err
	}
	if cfg.JWTSecret == "" && (cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "") {
		return cfg, fmt.Errorf("TRADESIM_JWT_SECRET or SUPABASE_URL and SUPABASE_ANON_KEY are required")
	}
	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = rules
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		Store:             loadStore(),
		Log:               loadLog(),
		Kafka:             loadKafka(),
		MetricsAddr:       envDefault("TRADESIM_WORKER_METRICS_ADDR", ":9090"),
		RulesFile:         strings.TrimSpace(os.Getenv("TRADESIM_RULES_FILE")),
		DispatchEvery:     envDurationDefault("TRADESIM_OUTBOX_DISPATCH_EVERY", 5*time.Second),
		RetryEvery:        envDurationDefault("TRADESIM_OUTBOX_RETRY_EVERY", 30*time.Second),
		BatchSize:         envIntDefault("TRADESIM_OUTBOX_BATCH_SIZE", 100),
		MaxRetries:        envIntDefault("TRADESIM_OUTBOX_MAX_RETRIES", 5),
		TradeLogGCEvery:   envDurationDefault("TRADESIM_TRADE_LOG_GC_EVERY", 10*time.Minute),
		TradeLogRetention: envDurationDefault("TRADESIM_TRADE_LOG_RETENTION", 24*time.Hour),
		StaleQueuingAfter: envDurationDefault("TRADESIM_TRADE_LOG_STALE_AFTER", 15*time.Minute),
		RunOnce:           envBoolDefault("TRADESIM_WORKER_RUN_ONCE", false),
	}
	if err := cfg.Store.validate(); err != nil {
		return cfg, err
	}
	if cfg.Store.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required for the worker")
	}
	if cfg.StaleQueuingAfter <= 0 || cfg.TradeLogRetention <= 0 {
		return cfg, fmt.Errorf("trade log retention and stale-after must be positive")
	}
	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = rules
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("TSIM_API_BASE_URL", "http://localhost:8080"), "/"),
		JWTSecret:  strings.TrimSpace(os.Getenv("TRADESIM_JWT_SECRET")),
	}
}

func loadStore() StoreConfig {
	return StoreConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MarketStore: strings.ToLower(envDefault("TRADESIM_MARKET_STORE", "memory")),
		BadgerDir:   envDefault("TRADESIM_BADGER_DIR", "data/market"),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
}

func (s StoreConfig) validate() error {
	switch s.MarketStore {
	case "memory", "badger":
		return nil
	case "redis":
		if s.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when TRADESIM_MARKET_STORE=redis")
		}
		return nil
	default:
		return fmt.Errorf("unknown TRADESIM_MARKET_STORE %q (memory, badger or redis)", s.MarketStore)
	}
}

func loadLog() LogConfig {
	return LogConfig{
		Level: envDefault("TRADESIM_LOG_LEVEL", "info"),
		File:  strings.TrimSpace(os.Getenv("TRADESIM_LOG_FILE")),
	}
}

func loadKafka() KafkaConfig {
	return KafkaConfig{
		Brokers:    envListDefault("KAFKA_BROKERS"),
		OrderTopic: envDefault("TRADESIM_ORDER_TOPIC", "tradesim.orders"),
		GroupID:    envDefault("TRADESIM_ORDER_GROUP", "tradesim-orders"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Default(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envListDefault(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
