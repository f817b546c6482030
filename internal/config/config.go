// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the service reads at boot.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr   string
	PublicBaseURL    string
	PublicBasePath   string
	MetricsNamespace string

	// Database: "postgres" uses DatabaseURL, "sqlite" uses SQLitePath.
	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	MeuDanfeBaseURL    string
	MeuDanfeAPIKey     string
	MeuDanfeTimeout    time.Duration
	LookupMaxRetries   int
	DocumentCacheTTL   time.Duration

	MercadoPagoBaseURL       string
	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string
	MercadoPagoTimeout       time.Duration

	FreeCredits            int
	MonthlyQueryLimit      int
	SubscriptionPriceCents int64
	SubscriptionDays       int
}

// Load reads configuration from environment variables, applying defaults
// where a variable is unset.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		PublicBasePath:   os.Getenv("PUBLIC_BASE_PATH"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "bot_danfe"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: os.Getenv("DATABASE_SCHEMA"),
		SQLitePath:     getEnv("SQLITE_PATH", "data/bot.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/wa.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "WARN"),

		MeuDanfeBaseURL: getEnv("MEUDANFE_BASE_URL", "https://api.meudanfe.com.br/v2"),
		MeuDanfeAPIKey:  os.Getenv("MEUDANFE_API_KEY"),

		MercadoPagoBaseURL:       getEnv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"),
		MercadoPagoAccessToken:   os.Getenv("MERCADOPAGO_ACCESS_TOKEN"),
		MercadoPagoWebhookSecret: os.Getenv("MERCADOPAGO_WEBHOOK_SECRET"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.RedisTLS = getEnvBool("REDIS_TLS", false)

	if cfg.MeuDanfeTimeout, err = getEnvDuration("MEUDANFE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LookupMaxRetries, err = getEnvInt("LOOKUP_MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.DocumentCacheTTL, err = getEnvDuration("DOCUMENT_CACHE_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MercadoPagoTimeout, err = getEnvDuration("MERCADOPAGO_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.FreeCredits, err = getEnvInt("FREE_CREDITS", 5); err != nil {
		return nil, err
	}
	if cfg.MonthlyQueryLimit, err = getEnvInt("MONTHLY_QUERY_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.SubscriptionDays, err = getEnvInt("SUBSCRIPTION_DAYS", 30); err != nil {
		return nil, err
	}
	priceCents, err := getEnvInt("SUBSCRIPTION_PRICE_CENTS", 1490)
	if err != nil {
		return nil, err
	}
	cfg.SubscriptionPriceCents = int64(priceCents)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseDriver == "postgres" && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.MeuDanfeAPIKey == "" {
		missing = append(missing, "MEUDANFE_API_KEY")
	}
	if c.MercadoPagoAccessToken == "" {
		missing = append(missing, "MERCADOPAGO_ACCESS_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	return nil
}

// SubscriptionWindow returns the paid window duration.
func (c *Config) SubscriptionWindow() time.Duration {
	return time.Duration(c.SubscriptionDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
