package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TelegramSecretHeader carries the webhook secret on rail B deliveries.
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramUpdate is the subset of a bot update the payment path reads.
type TelegramUpdate struct {
	UpdateID         int64                     `json:"update_id"`
	Message          *telegramMessage          `json:"message,omitempty"`
	PreCheckoutQuery *TelegramPreCheckoutQuery `json:"pre_checkout_query,omitempty"`
}

type telegramMessage struct {
	From              *telegramUser              `json:"from,omitempty"`
	SuccessfulPayment *telegramSuccessfulPayment `json:"successful_payment,omitempty"`
}

type telegramUser struct {
	ID int64 `json:"id"`
}

type telegramSuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
}

// TelegramPreCheckoutQuery must be answered before the platform charges the
// user.
type TelegramPreCheckoutQuery struct {
	ID             string       `json:"id"`
	From           telegramUser `json:"from"`
	Currency       string       `json:"currency"`
	TotalAmount    int64        `json:"total_amount"`
	InvoicePayload string       `json:"invoice_payload"`
}

// ParseTelegramUpdate decodes a rail B webhook body.
func ParseTelegramUpdate(body []byte) (*TelegramUpdate, error) {
	var u TelegramUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode bot update: %w", err)
	}
	return &u, nil
}

// Payment returns the Notification for a successful payment message, or
// false when the update carries none. Delivery of the message itself means
// the charge went through.
func (u *TelegramUpdate) Payment(body []byte, secret string) (Notification, bool) {
	if u.Message == nil || u.Message.SuccessfulPayment == nil {
		return Notification{}, false
	}
	sp := u.Message.SuccessfulPayment
	return Notification{
		Rail:         RailB,
		ExternalID:   sp.TelegramPaymentChargeID,
		Status:       StatusPaid,
		ClaimedTotal: strconv.FormatInt(sp.TotalAmount, 10),
		Currency:     sp.Currency,
		OrderPayload: sp.InvoicePayload,
		Body:         body,
		Signature:    secret,
	}, true
}
