package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken    string
	AdminUserID int64
	LogLevel    string

	StoreDriver string
	MySQLDSN    string
	BadgerPath  string

	LedgerTimeout     time.Duration
	FreeCredits       int
	MinPromptLength   int
	MaxPromptLength   int
	SubscriptionDays  int
	SubscriptionPrice decimal.Decimal

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIChatModel  string
	OpenAIImageModel string
	OpenAIVoice      string
	ImageProvider    string
	KIEAPIKey        string
	KIEBaseURL       string
	KIEModel         string
	RequestTimeout   time.Duration

	PayPalClientID  string
	PayPalSecret    string
	PayPalMode      string
	StripeSecretKey string
	BTCWallet       string
	USDTWallet      string

	RateLimitCapacity int
	RateLimitInterval time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	AMQPURL   string
	AMQPQueue string

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string
	WebhookSecret   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

const (
	StoreMySQL  = "mysql"
	StoreBadger = "badger"
)

// Load reads configuration from environment variables, applying sane defaults.
// It does not check required settings; see Validate and ValidateStore.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		AdminUserID: getInt64("ADMIN_USER_ID", 0),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreMySQL)),
		MySQLDSN:    os.Getenv("MYSQL_DSN"),
		BadgerPath:  getEnv("BADGER_PATH", filepath.Join("data", "ledger")),

		LedgerTimeout:     getDuration("LEDGER_TIMEOUT", 5*time.Second),
		FreeCredits:       getInt("FREE_CREDITS", 1),
		MinPromptLength:   getInt("MIN_PROMPT_LENGTH", 3),
		MaxPromptLength:   getInt("MAX_PROMPT_LENGTH", 1000),
		SubscriptionDays:  getInt("SUBSCRIPTION_DAYS", 30),
		SubscriptionPrice: getDecimal("SUBSCRIPTION_PRICE", decimal.RequireFromString("9.99")),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAIChatModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIImageModel: getEnv("OPENAI_IMAGE_MODEL", "dall-e-3"),
		OpenAIVoice:      getEnv("OPENAI_VOICE", "alloy"),
		ImageProvider:    strings.ToLower(getEnv("IMAGE_PROVIDER", "openai")),
		KIEAPIKey:        os.Getenv("KIE_API_KEY"),
		KIEBaseURL:       getEnv("KIE_BASE_URL", "https://api.kie.ai"),
		KIEModel:         getEnv("KIE_MODEL", "nano-banana-pro"),
		RequestTimeout:   time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),

		PayPalClientID:  os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalSecret:    os.Getenv("PAYPAL_CLIENT_SECRET"),
		PayPalMode:      getEnv("PAYPAL_MODE", "sandbox"),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		BTCWallet:       os.Getenv("BTC_WALLET_ADDRESS"),
		USDTWallet:      os.Getenv("USDT_WALLET_ADDRESS"),

		RateLimitCapacity: getInt("RATE_LIMIT_CAPACITY", 5),
		RateLimitInterval: getDuration("RATE_LIMIT_INTERVAL", 12*time.Second),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),

		AMQPURL:   os.Getenv("AMQP_URL"),
		AMQPQueue: getEnv("AMQP_QUEUE", "payments.events"),

		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),
		WebhookSecret:   os.Getenv("PAYMENT_WEBHOOK_SECRET"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "generations"),
	}
	return cfg, nil
}

// ValidateStore checks what every entry point needs to open the ledger.
func (c Config) ValidateStore() error {
	switch c.StoreDriver {
	case StoreMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("missing required environment variables: %v", []string{"MYSQL_DSN"})
		}
	case StoreBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("missing required environment variables: %v", []string{"BADGER_PATH"})
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LedgerTimeout <= 0 {
		return errors.New("LEDGER_TIMEOUT must be positive")
	}
	return nil
}

// Validate checks everything the bot process needs.
func (c Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}

	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.ImageProvider == "kie" && c.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if c.S3Bucket != "" {
		for key, v := range map[string]string{
			"S3_REGION":          c.S3Region,
			"S3_ACCESS_KEY":      c.S3AccessKey,
			"S3_SECRET_KEY":      c.S3SecretKey,
			"S3_PUBLIC_BASE_URL": c.S3PublicBaseURL,
		} {
			if v == "" {
				missing = append(missing, key)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	if c.ImageProvider != "openai" && c.ImageProvider != "kie" {
		return fmt.Errorf("unsupported IMAGE_PROVIDER %q", c.ImageProvider)
	}
	if c.MinPromptLength < 1 || c.MaxPromptLength < c.MinPromptLength {
		return fmt.Errorf("invalid prompt length bounds %d..%d", c.MinPromptLength, c.MaxPromptLength)
	}
	if c.SubscriptionDays <= 0 {
		return errors.New("SUBSCRIPTION_DAYS must be positive")
	}
	if !c.SubscriptionPrice.IsPositive() {
		return errors.New("SUBSCRIPTION_PRICE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}

// loadEnvFile overlays the first env file found. Running without one is
// fine; settings then come from the process environment only.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
