package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DevelopmentDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STORE_PROVIDER", "memory")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.01", cfg.PricePerUnit.String())
	assert.Equal(t, int64(1), cfg.StarsPerUnit)
	assert.Equal(t, int64(1000), cfg.MaxUnitsPerPurchase)
	assert.Equal(t, 3, cfg.FreeDailyQuota)
	assert.Equal(t, 200, cfg.MaxLengthFree)
	assert.Equal(t, 1000, cfg.MaxLengthPaid)
	assert.Equal(t, 24*time.Hour, cfg.PaymentDedupTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.TransactionRetention)
	assert.Equal(t, "local", cfg.ArchiveProvider)
	assert.True(t, cfg.FreeBlockEmoji)
	assert.Equal(t, "https://pay.crypt.bot/api", cfg.CryptoPayAPIURL)
}

func TestNewConfig_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STORE_PROVIDER", "memory")
	t.Setenv("PRICE_PER_UNIT", "0.25")
	t.Setenv("FREE_DAILY_QUOTA", "5")
	t.Setenv("SPAM_BAN_DURATION", "1h")
	t.Setenv("MAX_UNITS_PER_PURCHASE", "50")
	t.Setenv("FREE_BLOCK_EMOJI", "false")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.25", cfg.PricePerUnit.String())
	assert.Equal(t, 5, cfg.FreeDailyQuota)
	assert.Equal(t, time.Hour, cfg.SpamBanDuration)
	assert.Equal(t, int64(50), cfg.MaxUnitsPerPurchase)
	assert.False(t, cfg.FreeBlockEmoji)
}

func TestNewConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"STORE_PROVIDER": "postgres"}},
		{"unknown store", map[string]string{"STORE_PROVIDER": "redis"}},
		{"memory outside development", map[string]string{"ENV": "production", "STORE_PROVIDER": "memory"}},
		{"bad price", map[string]string{"PRICE_PER_UNIT": "cheap"}},
		{"zero price", map[string]string{"PRICE_PER_UNIT": "0"}},
		{"paid shorter than free", map[string]string{"MAX_LENGTH_FREE": "500", "MAX_LENGTH_PAID": "100"}},
		{"r2 without credentials", map[string]string{"ARCHIVE_PROVIDER": "r2", "R2_ACCOUNT_ID": "acct"}},
		{"unknown archive", map[string]string{"ARCHIVE_PROVIDER": "ftp"}},
		{"anthropic without key", map[string]string{"AI_PROVIDER": "anthropic"}},
		{"production without rail secrets", map[string]string{
			"ENV": "production", "STORE_PROVIDER": "postgres", "DATABASE_URL": "postgres://localhost/tollgate",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", "development")
			t.Setenv("STORE_PROVIDER", "memory")
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}
