package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/tollgate/internal/ai"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(Config{
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		ProviderConfig: ai.ProviderConfig{RequestTimeout: time.Second},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return p
}

func textResponse(text string) apiResponse {
	return apiResponse{
		Content: []apiContentOutput{{Type: "text", Text: text}},
		Usage:   apiUsage{InputTokens: 120, OutputTokens: 12},
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestProvider_Moderate_Allowed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		assert.Contains(t, req.Messages[0].Content[0].Text, "Buying USDT 41.2")

		_ = json.NewEncoder(w).Encode(textResponse("```json\n{\"allowed\": true, \"reason\": \"exchange offer\"}\n```"))
	})

	v, err := p.Moderate(context.Background(), ai.ModerationRequest{Text: "Buying USDT 41.2, Kyiv", UserID: "42"})
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, "exchange offer", v.Reason)
	assert.Equal(t, 120, v.Usage.InputTokens)
}

func TestProvider_Moderate_Rejected(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(textResponse(`{"allowed": false, "reason": "casino", "categories": ["gambling"]}`))
	})

	v, err := p.Moderate(context.Background(), ai.ModerationRequest{Text: "best casino bonus"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, []string{"gambling"}, v.Categories)
}

func TestProvider_Moderate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      error
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, ai.EAIRateLimit, true},
		{"overloaded", 529, ai.EAIUnavailable, true},
		{"bad gateway", http.StatusBadGateway, ai.EAIUnavailable, true},
		{"unauthorized", http.StatusUnauthorized, ai.EAIUnauthorized, false},
		{"bad request", http.StatusBadRequest, ai.EAIInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"x","message":"nope"}}`))
			})

			_, err := p.Moderate(context.Background(), ai.ModerationRequest{Text: "hello"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, ai.IsRetryable(err))
		})
	}
}

func TestProvider_Moderate_UnparseableVerdict(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(textResponse("I think this is fine"))
	})

	_, err := p.Moderate(context.Background(), ai.ModerationRequest{Text: "hello"})
	assert.ErrorIs(t, err, ai.EAIBadResponse)
	assert.False(t, ai.IsRetryable(err))
}

func TestProvider_Moderate_Timeout(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Moderate(ctx, ai.ModerationRequest{Text: "hello"})
	assert.ErrorIs(t, err, ai.EAITimeout)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"allowed":true}`, stripCodeFence("```json\n{\"allowed\":true}\n```"))
	assert.Equal(t, `{"allowed":true}`, stripCodeFence(`  {"allowed":true} `))
}
