// Package moderation wraps an ai.Moderator with local length limits, bounded
// retries on transient failures and a fail-open default.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/text/unicode/norm"

	"github.com/DukeRupert/tollgate/internal/ai"
	"github.com/DukeRupert/tollgate/internal/metrics"
)

// Reasons reported in a Decision when the classifier was not the one deciding.
const (
	ReasonTooLong = "text exceeds moderation length limit"
)

// Config holds gateway settings.
type Config struct {
	MaxTextLength  int           // Longest text, in characters, sent to the classifier
	MaxAttempts    int           // Total classifier calls per decision
	RetryBaseDelay time.Duration // First backoff interval
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTextLength:  4000,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
	}
}

// Decision is the gateway's answer for one post.
type Decision struct {
	Allowed bool
	Reason  string
	// FailOpen is set when the classifier could not decide and the post was
	// allowed by default. Reason then holds the diagnostic.
	FailOpen bool
}

// Gateway decides whether text may be published.
type Gateway struct {
	moderator ai.Moderator
	cfg       Config
	logger    *slog.Logger
}

// NewGateway creates a gateway over moderator.
func NewGateway(moderator ai.Moderator, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Gateway{moderator: moderator, cfg: cfg, logger: logger}
}

// TextLength returns the length of text in characters after NFC
// normalization, so composed and decomposed forms count the same.
func TextLength(text string) int {
	return utf8.RuneCountInString(norm.NFC.String(text))
}

// Decide classifies text. It never returns an error: when the classifier is
// unavailable the post is allowed and the decision is marked FailOpen.
func (g *Gateway) Decide(ctx context.Context, userID, text string) Decision {
	if g.cfg.MaxTextLength > 0 && TextLength(text) > g.cfg.MaxTextLength {
		metrics.ModerationDecision("too_long")
		return Decision{Allowed: false, Reason: ReasonTooLong}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	var verdict *ai.Verdict
	err := backoff.RetryNotify(func() error {
		attempt++
		v, err := g.moderator.Moderate(ctx, ai.ModerationRequest{Text: text, UserID: userID})
		if err != nil {
			if ai.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		verdict = v
		return nil
	}, bo, func(err error, next time.Duration) {
		g.logger.Info("retrying moderation call", "user_id", userID, "attempt", attempt, "delay", next, "error", err)
	})

	if err != nil {
		metrics.ModerationDecision("fail_open")
		diagnostic := fmt.Sprintf("moderation unavailable after %d attempt(s): %v", attempt, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			diagnostic = fmt.Sprintf("moderation interrupted after %d attempt(s): %v", attempt, err)
		}
		g.logger.Warn("moderation failed open",
			"user_id", userID,
			"attempts", attempt,
			"error", err,
		)
		return Decision{Allowed: true, FailOpen: true, Reason: diagnostic}
	}

	if verdict.Allowed {
		metrics.ModerationDecision("allowed")
	} else {
		metrics.ModerationDecision("rejected")
		g.logger.Info("post rejected by moderation", "user_id", userID, "reason", verdict.Reason)
	}
	return Decision{Allowed: verdict.Allowed, Reason: verdict.Reason}
}
