package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/payment"
)

// InvoiceCreator is satisfied by *payment.CryptoBotClient.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, userID, count int64) (*payment.Invoice, error)
}

// InvoiceHandler lets the chat transport sell entitlement units.
//
// Routes (bearer token required):
//   - POST /api/invoices -> HandleCreate
type InvoiceHandler struct {
	invoices InvoiceCreator
	logger   *slog.Logger
}

// NewInvoiceHandler creates a new InvoiceHandler.
func NewInvoiceHandler(invoices InvoiceCreator, logger *slog.Logger) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices, logger: logger}
}

// RegisterRoutes registers the invoice routes behind the given middleware.
func (h *InvoiceHandler) RegisterRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.Handle("POST /api/invoices", protect(http.HandlerFunc(h.HandleCreate)))
}

type createInvoiceRequest struct {
	UserID int64 `json:"user_id"`
	Count  int64 `json:"count"`
}

// HandleCreate creates a rail A invoice and returns its payment links.
func (h *InvoiceHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "handler.create_invoice"

	var req createInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Invalid invoice request."))
		return
	}

	inv, err := h.invoices.CreateInvoice(r.Context(), req.UserID, req.Count)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, inv)
}
