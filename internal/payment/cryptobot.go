package payment

import (
	"encoding/json"
	"fmt"
)

// CryptoBotSignatureHeader carries the rail A body signature.
const CryptoBotSignatureHeader = "crypto-pay-api-signature"

type cryptoBotUpdate struct {
	UpdateID   int64            `json:"update_id"`
	UpdateType string           `json:"update_type"`
	Payload    cryptoBotInvoice `json:"payload"`
}

type cryptoBotInvoice struct {
	InvoiceID    json.Number `json:"invoice_id"`
	Status       string      `json:"status"`
	CurrencyType string      `json:"currency_type"`
	Fiat         string      `json:"fiat"`
	Asset        string      `json:"asset"`
	Amount       string      `json:"amount"`
	Payload      string      `json:"payload"`
}

// ParseCryptoBotUpdate turns a rail A webhook body into a Notification.
// Updates other than invoice_paid come back with an empty status so the
// service ignores them after checking the signature.
func ParseCryptoBotUpdate(body []byte, signature string) (Notification, error) {
	var u cryptoBotUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return Notification{}, fmt.Errorf("decode crypto invoice update: %w", err)
	}

	n := Notification{
		Rail:         RailA,
		ExternalID:   u.Payload.InvoiceID.String(),
		ClaimedTotal: u.Payload.Amount,
		Currency:     u.Payload.Fiat,
		OrderPayload: u.Payload.Payload,
		Body:         body,
		Signature:    signature,
	}
	if u.Payload.CurrencyType == "crypto" {
		n.Currency = u.Payload.Asset
	}
	if u.UpdateType == "invoice_paid" {
		n.Status = u.Payload.Status
	}
	return n, nil
}
