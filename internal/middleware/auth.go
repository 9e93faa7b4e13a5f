// Package middleware contains HTTP middleware for the tollgate service.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler
// and are composed in cmd/server.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Context Keys
// =============================================================================

type contextKey string

const principalContextKey contextKey = "principal"

// GetPrincipal returns the name of the token that authenticated the request,
// or "" when the request passed no token middleware.
func GetPrincipal(ctx context.Context) string {
	name, _ := ctx.Value(principalContextKey).(string)
	return name
}

func setPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalContextKey, name)
}

// =============================================================================
// Token Auth Middleware
// =============================================================================

// APIToken is a named bcrypt hash of a bearer token.
type APIToken struct {
	Name string
	Hash []byte
}

// ParseAPITokens parses "name:hash,name:hash". Hashes are bcrypt hashes,
// which themselves contain no commas.
func ParseAPITokens(raw string) ([]APIToken, error) {
	var tokens []APIToken
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("api token entry %q must be name:bcrypt-hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api token %q: %w", name, err)
		}
		tokens = append(tokens, APIToken{Name: name, Hash: []byte(hash)})
	}
	return tokens, nil
}

// TokenAuthMiddleware requires a bearer token matching one of the
// configured hashes.
type TokenAuthMiddleware struct {
	tokens []APIToken
	logger *slog.Logger
}

// NewTokenAuthMiddleware creates the middleware. With no tokens every request
// is rejected.
func NewTokenAuthMiddleware(tokens []APIToken, logger *slog.Logger) *TokenAuthMiddleware {
	return &TokenAuthMiddleware{tokens: tokens, logger: logger}
}

// Require rejects requests without a valid bearer token.
func (m *TokenAuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w)
			return
		}

		for _, t := range m.tokens {
			if bcrypt.CompareHashAndPassword(t.Hash, []byte(token)) == nil {
				next.ServeHTTP(w, r.WithContext(setPrincipal(r.Context(), t.Name)))
				return
			}
		}

		m.logger.Warn("rejected bearer token",
			"ip", getClientIP(r),
			"path", r.URL.Path,
		)
		writeUnauthorized(w)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tollgate"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Authentication required.")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
