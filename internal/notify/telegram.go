package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultAPIBaseURL is the bot API root.
const DefaultAPIBaseURL = "https://api.telegram.org"

// TelegramConfig holds bot API settings.
type TelegramConfig struct {
	BotToken string
	BaseURL  string // Overrides DefaultAPIBaseURL, used by tests
	Timeout  time.Duration
}

// Telegram delivers notifications through the bot API.
type Telegram struct {
	config TelegramConfig
	client *http.Client
	logger *slog.Logger
}

var _ Notifier = (*Telegram)(nil)

// NewTelegram creates a bot API notifier.
func NewTelegram(config TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if config.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultAPIBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Telegram{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// PaymentCredited sends the credit confirmation to the user's private chat.
func (t *Telegram) PaymentCredited(ctx context.Context, userID string, units, balance int64) error {
	text, err := renderCredited(units, balance)
	if err != nil {
		return err
	}
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id": userID,
		"text":    text,
	})
}

// AnswerPreCheckout approves or declines the checkout.
func (t *Telegram) AnswerPreCheckout(ctx context.Context, queryID, errMessage string) error {
	body := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    errMessage == "",
	}
	if errMessage != "" {
		body["error_message"] = errMessage
	}
	return t.call(ctx, "answerPreCheckoutQuery", body)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.config.BaseURL, t.config.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBytes, &apiResp); err != nil {
		return fmt.Errorf("%s: unexpected response (status %d)", method, resp.StatusCode)
	}
	if !apiResp.OK {
		return fmt.Errorf("%s: %s", method, apiResp.Description)
	}

	t.logger.Debug("bot api call succeeded", "method", method)
	return nil
}
