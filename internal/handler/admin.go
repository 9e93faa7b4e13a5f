package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/DukeRupert/tollgate/internal/abuse"
	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/ledger"
	"github.com/DukeRupert/tollgate/internal/middleware"
	"github.com/DukeRupert/tollgate/internal/worker"
)

// TaskRunner runs a registered housekeeping task on demand.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
}

// AdminHandler handles operator requests.
type AdminHandler struct {
	ledger ledger.Service
	guard  *abuse.Guard
	tasks  TaskRunner
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(l ledger.Service, guard *abuse.Guard, tasks TaskRunner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		ledger: l,
		guard:  guard,
		tasks:  tasks,
		logger: logger,
	}
}

// RegisterRoutes registers admin routes with the provided middleware.
func (h *AdminHandler) RegisterRoutes(
	mux *http.ServeMux,
	requireToken func(http.Handler) http.Handler,
) {
	mux.Handle("GET /admin/accounts/{userID}", requireToken(http.HandlerFunc(h.AccountDetail)))
	mux.Handle("POST /admin/accounts/{userID}/credits", requireToken(http.HandlerFunc(h.GrantCredits)))
	mux.Handle("POST /admin/users/{userID}/quota/reset", requireToken(http.HandlerFunc(h.ResetQuota)))
	mux.Handle("GET /admin/guard", requireToken(http.HandlerFunc(h.GuardStats)))
	mux.Handle("POST /admin/tasks/{name}/run", requireToken(http.HandlerFunc(h.RunTask)))
}

type accountDetail struct {
	Account      *domain.Account      `json:"account"`
	Transactions []domain.Transaction `json:"transactions"`
}

// AccountDetail returns an account with its recent transactions.
func (h *AdminHandler) AccountDetail(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	acct, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, accountDetail{Account: acct, Transactions: txns})
}

type grantRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Note      string `json:"note,omitempty"`
}

// GrantCredits applies an operator credit. The reference makes the grant
// idempotent: repeating it returns 409 and changes nothing.
func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	const op = "handler.grant_credits"

	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Invalid credit request."))
		return
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "reference", "Reference is required"))
		return
	}

	meta := map[string]string{"granted_by": middleware.GetPrincipal(r.Context())}
	if req.Note != "" {
		meta["note"] = req.Note
	}

	acct, err := h.ledger.Credit(r.Context(), ledger.CreditParams{
		UserID:      r.PathValue("userID"),
		Amount:      req.Amount,
		Source:      domain.SourceAdmin,
		ExternalRef: "admin:" + req.Reference,
		Metadata:    meta,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("operator credit granted",
		"user_id", acct.UserID,
		"amount", req.Amount,
		"reference", req.Reference,
		"principal", meta["granted_by"],
	)
	writeJSON(w, http.StatusOK, acct)
}

// ResetQuota clears a user's daily free usage.
func (h *AdminHandler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	h.guard.ResetUser(userID)
	h.logger.Info("free quota reset", "user_id", userID, "principal", middleware.GetPrincipal(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// GuardStats reports how many entries the abuse guard holds.
func (h *AdminHandler) GuardStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.guard.Stats())
}

// RunTask runs a housekeeping task immediately.
func (h *AdminHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	const op = "handler.run_task"

	name := r.PathValue("name")
	err := h.tasks.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, worker.ErrUnknownTask):
		ErrorResponse(w, r, h.logger, domain.NotFound(op, "task", name))
		return
	case err != nil:
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "Task failed."))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"task": name, "status": "completed"})
}
