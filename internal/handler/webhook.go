// Package handler contains HTTP handlers for the tollgate service.
//
// This file implements the payment webhooks.
//
// Routes:
//   - POST /webhooks/cryptobot -> HandleCryptoBot
//   - POST /webhooks/telegram  -> HandleTelegram
//
// These routes are PUBLIC (no token middleware) because the payment
// providers call them directly. Authentication is the per-rail signature or
// secret header, checked before the body is decoded.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/payment"
)

// maxWebhookBody caps how much of a webhook body is read.
const maxWebhookBody = 65536

// PreCheckoutAnswerer confirms or declines a rail B checkout.
type PreCheckoutAnswerer interface {
	AnswerPreCheckout(ctx context.Context, queryID, errMessage string) error
}

// WebhookHandler handles payment notifications from both rails.
type WebhookHandler struct {
	payments *payment.Service
	answerer PreCheckoutAnswerer
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(payments *payment.Service, answerer PreCheckoutAnswerer, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		payments: payments,
		answerer: answerer,
		logger:   logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are public and carry no token middleware.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/cryptobot", h.HandleCryptoBot)
	mux.HandleFunc("POST /webhooks/telegram", h.HandleTelegram)
}

// webhookResponse is the acknowledgement body.
type webhookResponse struct {
	Status  string `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	Units   int64  `json:"units,omitempty"`
	Balance int64  `json:"balance,omitempty"`
}

// HandleCryptoBot processes a rail A invoice update.
func (h *WebhookHandler) HandleCryptoBot(w http.ResponseWriter, r *http.Request) {
	const op = "handler.cryptobot_webhook"

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	signature := r.Header.Get(payment.CryptoBotSignatureHeader)
	if err := h.payments.Authenticate(payment.RailA, body, signature); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	n, err := payment.ParseCryptoBotUpdate(body, signature)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Malformed payment notification."))
		return
	}

	h.process(w, r, n)
}

// HandleTelegram processes a rail B bot update. Pre-checkout queries are
// answered, successful payments are credited, and anything else is
// acknowledged.
func (h *WebhookHandler) HandleTelegram(w http.ResponseWriter, r *http.Request) {
	const op = "handler.telegram_webhook"

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	secret := r.Header.Get(payment.TelegramSecretHeader)
	if err := h.payments.Authenticate(payment.RailB, body, secret); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	update, err := payment.ParseTelegramUpdate(body)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Malformed bot update."))
		return
	}

	if q := update.PreCheckoutQuery; q != nil {
		h.answerPreCheckout(r.Context(), *q)
		writeJSON(w, http.StatusOK, webhookResponse{Status: "answered"})
		return
	}

	n, ok := update.Payment(body, secret)
	if !ok {
		h.logger.Debug("ignoring bot update without payment", "update_id", update.UpdateID)
		writeJSON(w, http.StatusOK, webhookResponse{Status: string(payment.StatusIgnored)})
		return
	}

	h.process(w, r, n)
}

func (h *WebhookHandler) process(w http.ResponseWriter, r *http.Request, n payment.Notification) {
	res, err := h.payments.ProcessPayment(r.Context(), n)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Status:  string(res.Status),
		UserID:  res.UserID,
		Units:   res.Units,
		Balance: res.Balance,
	})
}

func (h *WebhookHandler) answerPreCheckout(ctx context.Context, q payment.TelegramPreCheckoutQuery) {
	errMessage := ""
	if _, err := h.payments.PreCheckout(q); err != nil {
		h.logger.Warn("declining pre-checkout query",
			"query_id", q.ID,
			"code", domain.ErrorCode(err),
			"error", err,
		)
		errMessage = domain.ErrorMessage(err)
	}

	if err := h.answerer.AnswerPreCheckout(ctx, q.ID, errMessage); err != nil {
		h.logger.Error("failed to answer pre-checkout query", "query_id", q.ID, "error", err)
	}
}

func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	const op = "handler.read_webhook"

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op,
				fmt.Sprintf("Request body exceeds %d bytes.", maxWebhookBody)))
			return nil, false
		}
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Could not read request body."))
		return nil, false
	}
	return body, true
}
