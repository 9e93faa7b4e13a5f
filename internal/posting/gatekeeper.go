// Package posting decides whether a post may be published and consumes the
// entitlement it uses.
package posting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/tollgate/internal/abuse"
	"github.com/DukeRupert/tollgate/internal/domain"
	"github.com/DukeRupert/tollgate/internal/ledger"
	"github.com/DukeRupert/tollgate/internal/metrics"
	"github.com/DukeRupert/tollgate/internal/moderation"
)

// Reason is the machine-readable outcome of Evaluate.
type Reason string

const (
	ReasonAllowed             Reason = "allowed"
	ReasonBanned              Reason = "banned"
	ReasonTooLong             Reason = "too_long"
	ReasonEmojiForbidden      Reason = "emoji_forbidden"
	ReasonQuotaExhausted      Reason = "quota_exhausted"
	ReasonThrottled           Reason = "throttled"
	ReasonRejected            Reason = "rejected"
	ReasonInsufficientBalance Reason = "insufficient_balance"
)

// Tier is the entitlement a post is charged against.
type Tier string

const (
	TierAdmin Tier = "admin"
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
)

// Config holds posting limits.
type Config struct {
	MaxLengthFree  int
	MaxLengthPaid  int
	BlockEmojiFree bool // Refuse free-tier posts that contain emoji
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLengthFree:  200,
		MaxLengthPaid:  1000,
		BlockEmojiFree: true,
	}
}

// Post is a message submitted for publication.
type Post struct {
	PostID  string `json:"post_id"`
	UserID  string `json:"user_id"`
	Text    string `json:"text"`
	IsAdmin bool   `json:"is_admin"`
	Name    string `json:"name,omitempty"`
	Handle  string `json:"handle,omitempty"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Reason       Reason    `json:"reason"`
	Tier         Tier      `json:"tier"`
	Detail       string    `json:"detail,omitempty"`
	MaxLength    int       `json:"max_length,omitempty"`
	Remaining    int64     `json:"remaining"`
	BanExpiresAt time.Time `json:"ban_expires_at,omitzero"`
	FailOpen     bool      `json:"fail_open,omitempty"`
}

// Stats is a user's entitlement summary.
type Stats struct {
	UserID      string `json:"user_id"`
	FreeUsed    int    `json:"free_used"`
	FreeLimit   int    `json:"free_limit"`
	PaidBalance int64  `json:"paid_balance"`
}

// Gatekeeper composes the abuse guard, the ledger and moderation.
type Gatekeeper struct {
	cfg        Config
	guard      *abuse.Guard
	ledger     ledger.Service
	moderation *moderation.Gateway
	logger     *slog.Logger
}

// NewGatekeeper creates a gatekeeper.
func NewGatekeeper(cfg Config, guard *abuse.Guard, l ledger.Service, gateway *moderation.Gateway, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		cfg:        cfg,
		guard:      guard,
		ledger:     l,
		moderation: gateway,
		logger:     logger,
	}
}

// Evaluate runs the posting checks in order and consumes one entitlement
// when the post is allowed. Errors are returned only for ledger failures.
func (g *Gatekeeper) Evaluate(ctx context.Context, post Post) (Decision, error) {
	const op = "posting.evaluate"

	if post.UserID == "" {
		return Decision{}, domain.Invalid(op, "User ID is required.")
	}

	if post.IsAdmin {
		return g.record(post, Decision{Allowed: true, Reason: ReasonAllowed, Tier: TierAdmin}), nil
	}

	if meta := (domain.DisplayMetadata{Name: post.Name, Handle: post.Handle}); !meta.IsZero() {
		if _, err := g.ledger.EnsureAccount(ctx, post.UserID, meta); err != nil {
			g.logger.Warn("failed to refresh display metadata", "user_id", post.UserID, "error", err)
		}
	}

	if v := g.guard.RecordAndCheck(post.UserID); v.Banned {
		return g.record(post, Decision{Reason: ReasonBanned, Tier: TierFree, BanExpiresAt: v.BanExpiresAt}), nil
	}

	balance, err := g.ledger.GetBalance(ctx, post.UserID)
	if err != nil {
		return Decision{}, err
	}

	tier, maxLen := TierFree, g.cfg.MaxLengthFree
	if balance > 0 {
		tier, maxLen = TierPaid, g.cfg.MaxLengthPaid
	}

	if moderation.TextLength(post.Text) > maxLen {
		return g.record(post, Decision{Reason: ReasonTooLong, Tier: tier, MaxLength: maxLen, Remaining: balance}), nil
	}

	if tier == TierPaid {
		res, err := g.ledger.Debit(ctx, ledger.DebitParams{
			UserID:   post.UserID,
			Metadata: postMetadata(post),
		})
		if err != nil {
			return Decision{}, err
		}
		if !res.Success {
			return g.record(post, Decision{Reason: ReasonInsufficientBalance, Tier: tier}), nil
		}
		return g.record(post, Decision{Allowed: true, Reason: ReasonAllowed, Tier: tier, Remaining: res.Remaining}), nil
	}

	if g.cfg.BlockEmojiFree && moderation.ContainsEmoji(post.Text) {
		return g.record(post, Decision{Reason: ReasonEmojiForbidden, Tier: tier}), nil
	}

	// The slot is held while moderation runs and given back if the post
	// is not published.
	if !g.guard.TryReserveQuota(post.UserID) {
		return g.record(post, Decision{Reason: ReasonQuotaExhausted, Tier: tier}), nil
	}

	if !g.guard.AllowModerationCall(post.UserID) {
		g.guard.ReleaseQuota(post.UserID)
		return g.record(post, Decision{Reason: ReasonThrottled, Tier: tier}), nil
	}

	verdict := g.moderation.Decide(ctx, post.UserID, post.Text)
	if !verdict.Allowed {
		g.guard.ReleaseQuota(post.UserID)
		return g.record(post, Decision{Reason: ReasonRejected, Tier: tier, Detail: verdict.Reason}), nil
	}

	return g.record(post, Decision{
		Allowed:   true,
		Reason:    ReasonAllowed,
		Tier:      tier,
		FailOpen:  verdict.FailOpen,
		Remaining: int64(freeRemaining(g.guard.FreeDailyQuota(), g.guard.QuotaUsed(post.UserID))),
	}), nil
}

func freeRemaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// Refund returns the unit consumed by a paid post that could not be
// published. Refunding the same post twice credits once.
func (g *Gatekeeper) Refund(ctx context.Context, userID, postID string) (*domain.Account, error) {
	const op = "posting.refund"

	if userID == "" || postID == "" {
		return nil, domain.Invalid(op, "User ID and post ID are required.")
	}

	acct, err := g.ledger.Credit(ctx, ledger.CreditParams{
		UserID:      userID,
		Amount:      1,
		Source:      domain.SourceAdmin,
		ExternalRef: "refund:" + postID,
		Metadata:    map[string]string{"reason": "publish_failed", "post_id": postID},
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyApplied) {
			return g.ledger.GetAccount(ctx, userID)
		}
		return nil, err
	}

	g.logger.Info("refunded post", "user_id", userID, "post_id", postID, "balance", acct.Balance)
	return acct, nil
}

// Stats returns the user's free usage and paid balance.
func (g *Gatekeeper) Stats(ctx context.Context, userID string) (Stats, error) {
	balance, err := g.ledger.GetBalance(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		UserID:      userID,
		FreeUsed:    g.guard.QuotaUsed(userID),
		FreeLimit:   g.guard.FreeDailyQuota(),
		PaidBalance: balance,
	}, nil
}

func (g *Gatekeeper) record(post Post, d Decision) Decision {
	metrics.PostEvaluated(string(d.Tier), string(d.Reason))

	attrs := []any{
		"user_id", post.UserID,
		"post_id", post.PostID,
		"tier", d.Tier,
		"reason", d.Reason,
	}
	switch {
	case d.Reason == ReasonInsufficientBalance:
		g.logger.Info("paid post lost the balance race", attrs...)
	case d.Allowed:
		g.logger.Debug("post allowed", attrs...)
	default:
		g.logger.Info("post denied", append(attrs, "detail", d.Detail)...)
	}
	return d
}

func postMetadata(post Post) map[string]string {
	if post.PostID == "" {
		return nil
	}
	return map[string]string{"post_id": post.PostID}
}
