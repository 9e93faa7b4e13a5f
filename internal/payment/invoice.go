package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/metrics"
)

const (
	// CryptoBotAPIBaseURL is the rail A API root
	CryptoBotAPIBaseURL = "https://pay.crypt.bot/api"

	// CryptoBotTokenHeader authenticates API calls
	CryptoBotTokenHeader = "Crypto-Pay-API-Token"

	// maxInvoiceResponse bounds the API response read
	maxInvoiceResponse = 1 << 20
)

// CryptoBotConfig holds rail A API settings.
type CryptoBotConfig struct {
	APIToken       string
	BaseURL        string // Overrides CryptoBotAPIBaseURL, used by tests
	PaidButtonURL  string // Where the "open bot" button points after payment
	RequestTimeout time.Duration
}

// Invoice is a created rail A invoice.
type Invoice struct {
	ID            int64  `json:"invoice_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Count         int64  `json:"count"`
	Status        string `json:"status"`
	PayURL        string `json:"pay_url"`
	BotInvoiceURL string `json:"bot_invoice_url"`
}

// CryptoBotClient creates rail A invoices priced by the same Pricing the
// webhook validates against, so a paid invoice always passes the amount gate.
type CryptoBotClient struct {
	config  CryptoBotConfig
	pricing Pricing
	client  *http.Client
	logger  *slog.Logger
}

// NewCryptoBotClient creates a rail A API client.
func NewCryptoBotClient(config CryptoBotConfig, pricing Pricing, logger *slog.Logger) (*CryptoBotClient, error) {
	if config.APIToken == "" {
		return nil, fmt.Errorf("crypto pay API token is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = CryptoBotAPIBaseURL
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}

	return &CryptoBotClient{
		config:  config,
		pricing: pricing,
		client:  &http.Client{Timeout: config.RequestTimeout},
		logger:  logger,
	}, nil
}

// CreateInvoice creates a fiat USD invoice for count units whose payload
// names the buyer, so the paid webhook can credit them.
func (c *CryptoBotClient) CreateInvoice(ctx context.Context, userID, count int64) (*Invoice, error) {
	const op = "payment.create_invoice"

	if userID <= 0 {
		return nil, domain.Invalid(op, "User ID must be a positive integer.")
	}
	if count < 1 || (c.pricing.MaxUnits > 0 && count > c.pricing.MaxUnits) {
		return nil, domain.Invalid(op, fmt.Sprintf("Count must be between 1 and %d.", c.pricing.MaxUnits))
	}

	amount := c.pricing.Format(RailA, c.pricing.Expected(RailA, count))

	params := url.Values{}
	params.Set("amount", amount)
	params.Set("currency_type", "fiat")
	params.Set("fiat", CurrencyUSD)
	params.Set("description", invoiceDescription(count))
	params.Set("payload", EncodeOrder(userID, count))
	if c.config.PaidButtonURL != "" {
		params.Set("paid_btn_name", "openBot")
		params.Set("paid_btn_url", c.config.PaidButtonURL)
	}

	endpoint := strings.TrimSuffix(c.config.BaseURL, "/") + "/createInvoice?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.Internal(err, op, "Invoice could not be created.")
	}
	req.Header.Set(CryptoBotTokenHeader, c.config.APIToken)

	result, err := c.execute(req)
	if err != nil {
		metrics.InvoiceCreated(string(RailA), "error")
		c.logger.Error("invoice creation failed",
			"user_id", userID,
			"count", count,
			"error", err,
		)
		return nil, err
	}
	metrics.InvoiceCreated(string(RailA), "created")

	inv := &Invoice{
		ID:            result.InvoiceID,
		Amount:        amount,
		Currency:      CurrencyUSD,
		Count:         count,
		Status:        result.Status,
		PayURL:        result.PayURL,
		BotInvoiceURL: result.BotInvoiceURL,
	}
	c.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"user_id", userID,
		"count", count,
		"amount", amount,
	)
	return inv, nil
}

// execute sends one request and maps failures onto domain errors
func (c *CryptoBotClient) execute(req *http.Request) (*cryptoBotInvoiceResult, error) {
	const op = "payment.create_invoice"

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.Unavailable(err, op, "Invoice service is unavailable. Try again later.")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInvoiceResponse))
	if err != nil {
		return nil, domain.Unavailable(err, op, "Invoice service is unavailable. Try again later.")
	}

	var apiResp cryptoBotResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, domain.Unavailable(fmt.Errorf("status %d", resp.StatusCode), op, "Invoice service is unavailable. Try again later.")
		}
		return nil, domain.Internal(fmt.Errorf("decode invoice response (status %d): %w", resp.StatusCode, err), op, "Invoice could not be created.")
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, domain.Unavailable(apiResp.Error, op, "Invoice service is unavailable. Try again later.")
	case !apiResp.OK || apiResp.Result == nil:
		return nil, domain.Internal(apiResp.Error, op, "Invoice could not be created.")
	}
	return apiResp.Result, nil
}

func invoiceDescription(count int64) string {
	if count == 1 {
		return "1 paid post"
	}
	return fmt.Sprintf("%d paid posts", count)
}

// =============================================================================
// API response types
// =============================================================================

type cryptoBotResponse struct {
	OK     bool                    `json:"ok"`
	Result *cryptoBotInvoiceResult `json:"result"`
	Error  *cryptoBotAPIError      `json:"error"`
}

type cryptoBotInvoiceResult struct {
	InvoiceID     int64  `json:"invoice_id"`
	Hash          string `json:"hash"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	PayURL        string `json:"pay_url"`
	BotInvoiceURL string `json:"bot_invoice_url"`
}

type cryptoBotAPIError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

func (e *cryptoBotAPIError) Error() string {
	if e == nil {
		return "crypto pay API error"
	}
	return fmt.Sprintf("crypto pay API error %d: %s", e.Code, e.Name)
}
