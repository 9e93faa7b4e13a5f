package mock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/tollgate/internal/ai"
)

// Provider is a mock moderator for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	ModerateResponse *ai.Verdict
	ModerateError    error
	// ModerateErrors are returned one per call before falling back to
	// ModerateError or ModerateResponse.
	ModerateErrors []error

	// BlockedWords makes the default verdict reject texts containing any of them
	BlockedWords []string

	// Call tracking for testing
	ModerateCalls int
}

// Ensure Provider satisfies the ai.Moderator interface at compile time.
var _ ai.Moderator = (*Provider)(nil)

// New creates a new mock moderator
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger:       logger,
		BlockedWords: []string{"casino", "drugs"},
	}
}

// Moderate returns the configured verdict or error
func (p *Provider) Moderate(ctx context.Context, req ai.ModerationRequest) (*ai.Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ModerateCalls++

	if len(p.ModerateErrors) > 0 {
		err := p.ModerateErrors[0]
		p.ModerateErrors = p.ModerateErrors[1:]
		return nil, err
	}
	if p.ModerateError != nil {
		return nil, p.ModerateError
	}
	if p.ModerateResponse != nil {
		v := *p.ModerateResponse
		return &v, nil
	}

	// Default canned verdict
	lower := strings.ToLower(req.Text)
	for _, word := range p.BlockedWords {
		if strings.Contains(lower, word) {
			return &ai.Verdict{
				Allowed:    false,
				Reason:     "mentions " + word,
				Categories: []string{"forbidden"},
				Usage:      ai.UsageInfo{Model: "mock-moderator-v1", Duration: time.Millisecond},
			}, nil
		}
	}
	return &ai.Verdict{
		Allowed: true,
		Reason:  "ok",
		Usage:   ai.UsageInfo{Model: "mock-moderator-v1", Duration: time.Millisecond},
	}, nil
}

// Calls returns the number of Moderate calls so far
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModerateCalls
}

// Reset clears call counters and custom responses for testing
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ModerateCalls = 0
	p.ModerateResponse = nil
	p.ModerateError = nil
	p.ModerateErrors = nil
}
