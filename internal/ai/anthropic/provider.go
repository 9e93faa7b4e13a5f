// Package anthropic implements ai.Moderator against the Anthropic Messages API.
//
// The provider performs exactly one HTTP attempt per call and maps failures
// onto the ai.EAI* sentinels. Retry policy belongs to the caller.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/tollgate/internal/ai"
	"github.com/DukeRupert/tollgate/internal/metrics"
)

const (
	// APIBaseURL is the Anthropic Messages endpoint
	APIBaseURL = "https://api.anthropic.com/v1/messages"

	// APIVersion is the API version header value
	APIVersion = "2023-06-01"

	// DefaultModel is a small, fast model suited to classification
	DefaultModel = "claude-3-5-haiku-20241022"

	// maxOutputTokens bounds the verdict size
	maxOutputTokens = 256
)

// Config holds provider settings
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string // Overrides APIBaseURL, used by tests
	ProviderConfig ai.ProviderConfig
}

// Provider implements ai.Moderator using the Anthropic API
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// Ensure Provider satisfies the ai.Moderator interface at compile time.
var _ ai.Moderator = (*Provider)(nil)

// New creates a new Anthropic provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = APIBaseURL
	}
	if config.ProviderConfig.RequestTimeout == 0 {
		config.ProviderConfig.RequestTimeout = 15 * time.Second
	}

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.ProviderConfig.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// Moderate asks the model whether the post may be published
func (p *Provider) Moderate(ctx context.Context, req ai.ModerationRequest) (*ai.Verdict, error) {
	startTime := time.Now()

	if strings.TrimSpace(req.Text) == "" {
		return nil, ai.WrapError("moderate", fmt.Errorf("%w: empty text", ai.EAIInvalidRequest))
	}

	httpReq, err := p.buildRequest(ctx, req.Text)
	if err != nil {
		return nil, ai.WrapError("build request", err)
	}

	resp, err := p.executeRequest(httpReq)
	if err != nil {
		metrics.AICall("error")
		return nil, ai.WrapError("execute request", err)
	}
	metrics.AICall("success")

	verdict, err := p.parseVerdict(resp)
	if err != nil {
		return nil, ai.WrapError("parse response", err)
	}

	verdict.Usage = ai.UsageInfo{
		Model:        p.config.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Duration:     time.Since(startTime),
	}

	p.logger.Debug("moderation verdict",
		"user_id", req.UserID,
		"allowed", verdict.Allowed,
		"reason", verdict.Reason,
		"duration", verdict.Usage.Duration,
	)
	return verdict, nil
}

// buildRequest constructs the HTTP request for the Anthropic API
func (p *Provider) buildRequest(ctx context.Context, text string) (*http.Request, error) {
	reqBody := apiRequest{
		Model:     p.config.Model,
		MaxTokens: maxOutputTokens,
		Messages: []apiMessage{
			{
				Role: "user",
				Content: []apiContent{
					{Type: "text", Text: buildModerationPrompt(text)},
				},
			},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	return req, nil
}

// executeRequest sends one request and decodes a successful response
func (p *Provider) executeRequest(req *http.Request) (*apiResponse, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ai.EAITimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ai.EAIUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ai.EAIUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapHTTPError(resp.StatusCode, bodyBytes)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ai.EAIBadResponse, err)
	}

	return &apiResp, nil
}

// mapHTTPError converts HTTP error responses to AI errors
func (p *Provider) mapHTTPError(statusCode int, body []byte) error {
	var errResp apiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.EAIUnauthorized
	case http.StatusTooManyRequests:
		return ai.EAIRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ai.EAITimeout
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ai.EAIInvalidRequest, errResp.Error.Message)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		// 529 is Anthropic's "overloaded" status
		return ai.EAIUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

// parseVerdict extracts the JSON verdict from the model's text output
func (p *Provider) parseVerdict(resp *apiResponse) (*ai.Verdict, error) {
	var textContent string
	for _, content := range resp.Content {
		if content.Type == "text" {
			textContent = content.Text
			break
		}
	}

	if textContent == "" {
		return nil, fmt.Errorf("%w: no text content in response", ai.EAIBadResponse)
	}

	var output verdictOutput
	if err := json.Unmarshal([]byte(stripCodeFence(textContent)), &output); err != nil {
		return nil, fmt.Errorf("%w: parse verdict: %v", ai.EAIBadResponse, err)
	}
	if output.Allowed == nil {
		return nil, fmt.Errorf("%w: verdict has no allowed field", ai.EAIBadResponse)
	}

	return &ai.Verdict{
		Allowed:    *output.Allowed,
		Reason:     output.Reason,
		Categories: output.Categories,
	}, nil
}

// stripCodeFence removes a surrounding ```json fence some models add anyway
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// =============================================================================
// API request/response types
// =============================================================================

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []apiContentOutput `json:"content"`
	Model   string             `json:"model"`
	Usage   apiUsage           `json:"usage"`
}

type apiContentOutput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// verdictOutput represents the JSON structure returned by the model
type verdictOutput struct {
	Allowed    *bool    `json:"allowed"`
	Reason     string   `json:"reason"`
	Categories []string `json:"categories"`
}
