package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Ledger store
	StoreProvider        string // "postgres" or "memory"
	DatabaseUrl          string
	LedgerTxMaxAttempts  int
	LedgerRetryBaseDelay time.Duration
	LedgerWarmLimit      int

	// Abuse guard
	FreeDailyQuota     int
	ModerationWindow   time.Duration
	ModerationMaxCalls int
	SpamHorizon        time.Duration
	SpamThreshold      int
	SpamBanDuration    time.Duration
	GuardMaxEntries    int
	GuardSweepInterval time.Duration

	// Posting limits, in characters
	MaxLengthFree  int
	MaxLengthPaid  int
	FreeBlockEmoji bool // Free-tier posts with emoji are refused

	// Payments
	PricePerUnit           decimal.Decimal // Rail A price per post, USD
	StarsPerUnit           int64           // Rail B stars per post
	MaxUnitsPerPurchase    int64
	PaymentDedupTTL        time.Duration
	PaymentDedupMaxEntries int
	DedupSweepInterval     time.Duration
	CryptoPayAPIToken      string // Rail A signing key is derived from this token
	CryptoPayAPIURL        string // Rail A API base, for invoice creation
	BotURL                 string // Link shown on the paid invoice button
	TelegramBotToken       string // Rail B bot, also used for notifications
	TelegramWebhookSecret  string

	// Moderation / AI provider
	AIProvider              string // "anthropic" or "mock"
	AnthropicAPIKey         string
	AnthropicModel          string
	AIMaxRetries            int
	AIRetryBaseDelay        time.Duration
	AIRequestTimeout        time.Duration
	ModerationMaxTextLength int

	// Transaction archive
	ArchiveProvider      string // "local" or "r2"
	ArchiveLocalPath     string
	R2AccountID          string
	R2AccessKeyID        string
	R2SecretAccessKey    string
	R2BucketName         string
	R2Endpoint           string // Optional, overrides the account endpoint
	TransactionRetention time.Duration
	ArchiveInterval      time.Duration
	ArchiveBatchSize     int

	// Worker Configuration
	WorkerEnabled         bool
	WorkerTaskTimeout     time.Duration
	WorkerShutdownTimeout time.Duration

	// HTTP surface
	// APITokens is "name:bcrypt-hash,..." for the /api and /admin routes.
	APITokens         string
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
	RateLimitMaxIPs   int
	TrustProxyHeaders bool
	MetricsUsername   string
	MetricsPassword   string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		StoreProvider:        getEnv("STORE_PROVIDER", "postgres"),
		DatabaseUrl:          os.Getenv("DATABASE_URL"),
		LedgerTxMaxAttempts:  getEnvInt("LEDGER_TX_MAX_ATTEMPTS", 5),
		LedgerRetryBaseDelay: getEnvDuration("LEDGER_RETRY_BASE_DELAY", 20*time.Millisecond),
		LedgerWarmLimit:      getEnvInt("LEDGER_WARM_LIMIT", 10000),

		FreeDailyQuota:     getEnvInt("FREE_DAILY_QUOTA", 3),
		ModerationWindow:   getEnvDuration("MODERATION_WINDOW", time.Minute),
		ModerationMaxCalls: getEnvInt("MODERATION_MAX_CALLS", 5),
		SpamHorizon:        getEnvDuration("SPAM_HORIZON", 10*time.Second),
		SpamThreshold:      getEnvInt("SPAM_THRESHOLD", 10),
		SpamBanDuration:    getEnvDuration("SPAM_BAN_DURATION", 10*time.Minute),
		GuardMaxEntries:    getEnvInt("GUARD_MAX_ENTRIES", 50000),
		GuardSweepInterval: getEnvDuration("GUARD_SWEEP_INTERVAL", time.Minute),

		MaxLengthFree:  getEnvInt("MAX_LENGTH_FREE", 200),
		MaxLengthPaid:  getEnvInt("MAX_LENGTH_PAID", 1000),
		FreeBlockEmoji: getEnvBool("FREE_BLOCK_EMOJI", true),

		StarsPerUnit:           getEnvInt64("STARS_PER_UNIT", 1),
		MaxUnitsPerPurchase:    getEnvInt64("MAX_UNITS_PER_PURCHASE", 1000),
		PaymentDedupTTL:        getEnvDuration("PAYMENT_DEDUP_TTL", 24*time.Hour),
		PaymentDedupMaxEntries: getEnvInt("PAYMENT_DEDUP_MAX_ENTRIES", 100000),
		DedupSweepInterval:     getEnvDuration("PAYMENT_DEDUP_SWEEP_INTERVAL", 10*time.Minute),
		CryptoPayAPIToken:      getEnv("CRYPTO_PAY_API_TOKEN", ""),
		CryptoPayAPIURL:        getEnv("CRYPTO_PAY_API_URL", "https://pay.crypt.bot/api"),
		BotURL:                 getEnv("BOT_URL", ""),
		TelegramBotToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramWebhookSecret:  getEnv("TELEGRAM_WEBHOOK_SECRET", ""),

		// AI provider defaults
		AIProvider:              getEnv("AI_PROVIDER", "mock"),
		AnthropicAPIKey:         getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:          getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
		AIMaxRetries:            getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay:        getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout:        getEnvDuration("AI_REQUEST_TIMEOUT", 15*time.Second),
		ModerationMaxTextLength: getEnvInt("MODERATION_MAX_TEXT_LENGTH", 4000),

		// Archive defaults to local filesystem for development
		ArchiveProvider:      getEnv("ARCHIVE_PROVIDER", "local"),
		ArchiveLocalPath:     getEnv("ARCHIVE_LOCAL_PATH", "./archive"),
		R2AccountID:          getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:        getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:    getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:         getEnv("R2_BUCKET_NAME", ""),
		R2Endpoint:           getEnv("R2_ENDPOINT", ""),
		TransactionRetention: getEnvDuration("TRANSACTION_RETENTION", 90*24*time.Hour),
		ArchiveInterval:      getEnvDuration("ARCHIVE_INTERVAL", time.Hour),
		ArchiveBatchSize:     getEnvInt("ARCHIVE_BATCH_SIZE", 1000),

		// Worker defaults
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		WorkerTaskTimeout:     getEnvDuration("WORKER_TASK_TIMEOUT", 5*time.Minute),
		WorkerShutdownTimeout: getEnvDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),

		APITokens:         getEnv("API_TOKENS", ""),
		WebhookRateLimit:  getEnvInt("WEBHOOK_RATE_LIMIT", 120),
		WebhookRateWindow: getEnvDuration("WEBHOOK_RATE_WINDOW", time.Minute),
		RateLimitMaxIPs:   getEnvInt("RATE_LIMIT_MAX_IPS", 10000),
		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	price, err := decimal.NewFromString(getEnv("PRICE_PER_UNIT", "0.01"))
	if err != nil {
		return nil, fmt.Errorf("PRICE_PER_UNIT must be a decimal amount: %w", err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("PRICE_PER_UNIT must be positive, got: %s", price)
	}
	cfg.PricePerUnit = price

	if cfg.StarsPerUnit < 1 {
		return nil, fmt.Errorf("STARS_PER_UNIT must be at least 1, got: %d", cfg.StarsPerUnit)
	}
	if cfg.MaxUnitsPerPurchase < 1 {
		return nil, fmt.Errorf("MAX_UNITS_PER_PURCHASE must be at least 1, got: %d", cfg.MaxUnitsPerPurchase)
	}
	if cfg.MaxLengthFree < 1 || cfg.MaxLengthPaid < cfg.MaxLengthFree {
		return nil, fmt.Errorf("MAX_LENGTH_PAID (%d) must be at least MAX_LENGTH_FREE (%d), which must be positive",
			cfg.MaxLengthPaid, cfg.MaxLengthFree)
	}

	// Validate store configuration
	switch cfg.StoreProvider {
	case "postgres":
		if cfg.DatabaseUrl == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_PROVIDER is 'postgres'")
		}
	case "memory":
		if cfg.Env != "development" {
			return nil, fmt.Errorf("STORE_PROVIDER 'memory' is only allowed in development")
		}
	default:
		return nil, fmt.Errorf("STORE_PROVIDER must be either 'postgres' or 'memory', got: %s", cfg.StoreProvider)
	}

	// Validate archive configuration
	if cfg.ArchiveProvider == "r2" {
		if cfg.R2AccountID == "" && cfg.R2Endpoint == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID or R2_ENDPOINT is required when ARCHIVE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return nil, fmt.Errorf("R2_ACCESS_KEY_ID is required when ARCHIVE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return nil, fmt.Errorf("R2_SECRET_ACCESS_KEY is required when ARCHIVE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return nil, fmt.Errorf("R2_BUCKET_NAME is required when ARCHIVE_PROVIDER is 'r2'")
		}
	} else if cfg.ArchiveProvider != "local" {
		return nil, fmt.Errorf("ARCHIVE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.ArchiveProvider)
	}

	// Validate AI provider configuration
	if cfg.AIProvider == "anthropic" {
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	} else if cfg.AIProvider != "mock" {
		return nil, fmt.Errorf("AI_PROVIDER must be either 'anthropic' or 'mock', got: %s", cfg.AIProvider)
	}

	// Payment rails reject every delivery without their secrets, which is
	// only acceptable while developing.
	if cfg.Env != "development" {
		if cfg.CryptoPayAPIToken == "" {
			return nil, fmt.Errorf("CRYPTO_PAY_API_TOKEN is required outside development")
		}
		if cfg.TelegramWebhookSecret == "" {
			return nil, fmt.Errorf("TELEGRAM_WEBHOOK_SECRET is required outside development")
		}
		if strings.TrimSpace(cfg.APITokens) == "" {
			return nil, fmt.Errorf("API_TOKENS is required outside development")
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
