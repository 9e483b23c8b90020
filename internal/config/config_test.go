package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LEDGER_TIMEOUT", "")
	t.Setenv("SUBSCRIPTION_PRICE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMySQL, cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 1, cfg.FreeCredits)
	assert.Equal(t, 30, cfg.SubscriptionDays)
	assert.True(t, cfg.SubscriptionPrice.Equal(decimal.RequireFromString("9.99")))
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.env")
	require.NoError(t, os.WriteFile(path, []byte("STORE_DRIVER=badger\nLEDGER_TIMEOUT=2s\nRATE_LIMIT_CAPACITY=9\nSUBSCRIPTION_PRICE=4.50\nADMIN_USER_ID=77\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	for _, k := range []string{"STORE_DRIVER", "LEDGER_TIMEOUT", "RATE_LIMIT_CAPACITY", "SUBSCRIPTION_PRICE", "ADMIN_USER_ID"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreBadger, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.LedgerTimeout)
	assert.Equal(t, 9, cfg.RateLimitCapacity)
	assert.Equal(t, int64(77), cfg.AdminUserID)
	assert.True(t, cfg.SubscriptionPrice.Equal(decimal.RequireFromString("4.5")))
}

func TestValidate(t *testing.T) {
	base := Config{
		BotToken:          "token",
		StoreDriver:       StoreMySQL,
		MySQLDSN:          "user:pass@tcp(localhost:3306)/bot",
		LedgerTimeout:     time.Second,
		OpenAIAPIKey:      "sk",
		ImageProvider:     "openai",
		MinPromptLength:   3,
		MaxPromptLength:   1000,
		SubscriptionDays:  30,
		SubscriptionPrice: decimal.NewFromInt(5),
	}
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"no token":        func(c *Config) { c.BotToken = "" },
		"no dsn":          func(c *Config) { c.MySQLDSN = "" },
		"bad driver":      func(c *Config) { c.StoreDriver = "sqlite" },
		"kie without key": func(c *Config) { c.ImageProvider = "kie" },
		"bad provider":    func(c *Config) { c.ImageProvider = "midjourney" },
		"half s3":         func(c *Config) { c.S3Bucket = "bucket" },
		"bad bounds":      func(c *Config) { c.MaxPromptLength = 2 },
		"zero price":      func(c *Config) { c.SubscriptionPrice = decimal.Zero },
		"zero days":       func(c *Config) { c.SubscriptionDays = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	store := Config{StoreDriver: StoreBadger, BadgerPath: "/tmp/x", LedgerTimeout: time.Second}
	assert.NoError(t, store.ValidateStore())
	assert.Error(t, store.Validate())
}
