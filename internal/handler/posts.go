package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/posting"
)

// maxAPIBody caps JSON request bodies on the API routes.
const maxAPIBody = 32 << 10

// PostHandler exposes the posting gatekeeper to the chat transport.
//
// Routes (bearer token required):
//   - POST /api/posts/evaluate       -> HandleEvaluate
//   - POST /api/posts/refund         -> HandleRefund
//   - GET  /api/users/{userID}/stats -> HandleStats
type PostHandler struct {
	gatekeeper *posting.Gatekeeper
	logger     *slog.Logger
}

// NewPostHandler creates a new PostHandler.
func NewPostHandler(gatekeeper *posting.Gatekeeper, logger *slog.Logger) *PostHandler {
	return &PostHandler{
		gatekeeper: gatekeeper,
		logger:     logger,
	}
}

// RegisterRoutes registers the posting routes behind the given middleware.
func (h *PostHandler) RegisterRoutes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.Handle("POST /api/posts/evaluate", protect(http.HandlerFunc(h.HandleEvaluate)))
	mux.Handle("POST /api/posts/refund", protect(http.HandlerFunc(h.HandleRefund)))
	mux.Handle("GET /api/users/{userID}/stats", protect(http.HandlerFunc(h.HandleStats)))
}

// HandleEvaluate decides whether a post may be published and consumes the
// entitlement when it may. A refused post is still a 200 with the reason.
func (h *PostHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	const op = "handler.evaluate_post"

	var post posting.Post
	if err := decodeJSON(w, r, &post); err != nil {
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Invalid post."))
		return
	}

	decision, err := h.gatekeeper.Evaluate(r.Context(), post)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

type refundRequest struct {
	UserID string `json:"user_id"`
	PostID string `json:"post_id"`
}

// HandleRefund returns the unit consumed by a paid post that failed to
// publish.
func (h *PostHandler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	const op = "handler.refund_post"

	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Wrap(err, domain.EINVALID, op, "Invalid refund request."))
		return
	}

	acct, err := h.gatekeeper.Refund(r.Context(), req.UserID, req.PostID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// HandleStats returns the user's free usage and paid balance.
func (h *PostHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gatekeeper.Stats(r.Context(), r.PathValue("userID"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
