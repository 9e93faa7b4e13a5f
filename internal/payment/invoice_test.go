package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/tollgate/internal/domain"
)

func newTestInvoiceClient(t *testing.T, handler http.HandlerFunc) *CryptoBotClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewCryptoBotClient(CryptoBotConfig{
		APIToken:       testToken,
		BaseURL:        srv.URL,
		PaidButtonURL:  "https://t.me/tollgate_bot",
		RequestTimeout: time.Second,
	}, DefaultPricing(), testLogger())
	require.NoError(t, err)
	return c
}

func TestNewCryptoBotClient_RequiresToken(t *testing.T) {
	_, err := NewCryptoBotClient(CryptoBotConfig{}, DefaultPricing(), testLogger())
	assert.Error(t, err)
}

func TestCreateInvoice(t *testing.T) {
	c := newTestInvoiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/createInvoice", r.URL.Path)
		assert.Equal(t, testToken, r.Header.Get(CryptoBotTokenHeader))

		q := r.URL.Query()
		assert.Equal(t, "0.05", q.Get("amount"))
		assert.Equal(t, "fiat", q.Get("currency_type"))
		assert.Equal(t, "USD", q.Get("fiat"))
		assert.Equal(t, "5 paid posts", q.Get("description"))
		assert.Equal(t, "https://t.me/tollgate_bot", q.Get("paid_btn_url"))

		order, err := ParseOrder(q.Get("payload"), 1000)
		require.NoError(t, err)
		assert.Equal(t, Order{UserID: "77", Count: 5}, order)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"invoice_id":      9001,
				"hash":            "IVabc",
				"amount":          "0.05",
				"status":          "active",
				"pay_url":         "https://pay.crypt.bot/IVabc",
				"bot_invoice_url": "https://t.me/CryptoBot?start=IVabc",
			},
		})
	})

	inv, err := c.CreateInvoice(context.Background(), 77, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(9001), inv.ID)
	assert.Equal(t, "0.05", inv.Amount)
	assert.Equal(t, int64(5), inv.Count)
	assert.Equal(t, "https://t.me/CryptoBot?start=IVabc", inv.BotInvoiceURL)

	_, ok, err := DefaultPricing().Matches(RailA, inv.Count, inv.Amount)
	require.NoError(t, err)
	assert.True(t, ok, "an invoice must pass the webhook amount check once paid")
}

func TestCreateInvoice_RejectsBadInput(t *testing.T) {
	var calls atomic.Int32
	c := newTestInvoiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	tests := []struct {
		name   string
		userID int64
		count  int64
	}{
		{"zero user", 0, 1},
		{"zero count", 77, 0},
		{"negative count", 77, -3},
		{"above maximum", 77, 1001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateInvoice(context.Background(), tt.userID, tt.count)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		})
	}
	assert.Equal(t, int32(0), calls.Load(), "invalid requests must not reach the API")
}

func TestCreateInvoice_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api refusal", http.StatusBadRequest, `{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`, domain.EINTERNAL},
		{"bad token", http.StatusUnauthorized, `{"ok":false,"error":{"code":401,"name":"UNAUTHORIZED"}}`, domain.EINTERNAL},
		{"outage", http.StatusServiceUnavailable, `upstream unavailable`, domain.EUNAVAILABLE},
		{"server error with body", http.StatusInternalServerError, `{"ok":false,"error":{"code":500,"name":"INTERNAL"}}`, domain.EUNAVAILABLE},
		{"garbage", http.StatusOK, `not json`, domain.EINTERNAL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestInvoiceClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.CreateInvoice(context.Background(), 77, 1)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.ErrorCode(err))
		})
	}
}
