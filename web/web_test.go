package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	h, err := Handler()
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		contains string
	}{
		{"root serves app", http.MethodGet, "/", http.StatusOK, `src="/static/app.js"`},
		{"login page", http.MethodGet, "/login", http.StatusOK, `id="login"`},
		{"login trailing slash", http.MethodGet, "/login/", http.StatusOK, `id="login"`},
		{"register page", http.MethodGet, "/register", http.StatusOK, `id="register"`},
		{"deep link falls back", http.MethodGet, "/page/1234", http.StatusOK, `src="/static/app.js"`},
		{"static asset", http.MethodGet, "/static/app.css", http.StatusOK, ".card"},
		{"robots", http.MethodGet, "/robots.txt", http.StatusOK, "Disallow"},
		{"missing asset", http.MethodGet, "/static/missing.js", http.StatusNotFound, ""},
		{"missing file with extension", http.MethodGet, "/nope.png", http.StatusNotFound, ""},
		{"post rejected", http.MethodPost, "/login", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}
