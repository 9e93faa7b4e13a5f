package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/users/123456789/stats", "/api/users/{id}/stats"},
		{"/admin/accounts/42/credits", "/admin/accounts/{id}/credits"},
		{"/admin/accounts/42", "/admin/accounts/{id}"},
		{"/archive/1b4e28ba-2fa1-11d2-883f-0016d3cca427", "/archive/{id}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestMiddleware_CapturesStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/7/stats", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
