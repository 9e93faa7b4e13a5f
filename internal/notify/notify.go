// Package notify delivers user-facing messages about entitlement changes.
//
// Implementations:
// - Telegram: sends through the chat platform's bot API
// - Log: writes the message to the structured log (development, tests)
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Notifier sends messages to users and answers checkout queries.
type Notifier interface {
	// PaymentCredited tells the user their purchase was credited.
	PaymentCredited(ctx context.Context, userID string, units, balance int64) error

	// AnswerPreCheckout approves or declines a pending in-chat checkout. An
	// empty errMessage approves it.
	AnswerPreCheckout(ctx context.Context, queryID, errMessage string) error
}

// =============================================================================
// Message templates
// =============================================================================

var creditedTemplate = template.Must(template.New("credited").Parse(
	`Payment received. {{.Units}} {{if eq .Units 1}}post{{else}}posts{{end}} added, balance {{.Balance}}.`))

type creditedData struct {
	Units   int64
	Balance int64
}

func renderCredited(units, balance int64) (string, error) {
	var buf bytes.Buffer
	if err := creditedTemplate.Execute(&buf, creditedData{Units: units, Balance: balance}); err != nil {
		return "", fmt.Errorf("render credited message: %w", err)
	}
	return buf.String(), nil
}
