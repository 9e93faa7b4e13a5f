package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Moderator defines the interface for AI-powered text moderation
type Moderator interface {
	// Moderate classifies a post as publishable or not
	Moderate(ctx context.Context, req ModerationRequest) (*Verdict, error)
}

// ModerationRequest contains the text to classify
type ModerationRequest struct {
	Text   string // Post text, already length-checked by the caller
	UserID string // Author, for logging only
}

// Verdict is the classifier's decision on a post
type Verdict struct {
	Allowed    bool      // Whether the post may be published
	Reason     string    // Short human-readable reason
	Categories []string  // Policy categories that matched, if any
	Usage      UsageInfo // Token usage information
}

// UsageInfo tracks API usage for monitoring
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	Duration     time.Duration // Request duration
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIInvalidRequest indicates the provider rejected the request payload
	EAIInvalidRequest = errors.New("ai provider rejected the request")

	// EAIBadResponse indicates the provider answered with unparseable output
	EAIBadResponse = errors.New("ai provider returned an unusable response")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}
