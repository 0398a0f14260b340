package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func echoBody() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit(16)(echoBody())

	tests := []struct {
		name   string
		body   string
		hideCL bool
		want   int
	}{
		{"under limit", `{"a":1}`, false, http.StatusOK},
		{"declared over limit", strings.Repeat("x", 32), false, http.StatusRequestEntityTooLarge},
		{"streamed over limit", strings.Repeat("x", 32), true, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.hideCL {
				req.ContentLength = -1
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRequireJSON(t *testing.T) {
	h := RequireJSON(echoBody())

	tests := []struct {
		method, contentType string
		want                int
	}{
		{http.MethodPost, "application/json", http.StatusOK},
		{http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{http.MethodPost, "application/merge-patch+json", http.StatusOK},
		{http.MethodPost, "", http.StatusOK},
		{http.MethodPost, "text/plain", http.StatusUnsupportedMediaType},
		{http.MethodPost, "multipart/form-data; boundary=x", http.StatusUnsupportedMediaType},
		{http.MethodGet, "text/plain", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/", strings.NewReader(`{}`))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, tt.want, rr.Code, "%s %q", tt.method, tt.contentType)
	}
}

func TestFilter(t *testing.T) {
	h := Filter(echoBody())

	blocked := []string{
		"/api/v1/../../etc/passwd",
		"/api/v1/proposals/..%2f..%2fsecret",
		"/api/v1/projects?x=%00",
		"/api/v1/%2E%2E/config",
	}
	for _, target := range blocked {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/badges/0xabc?contract=0xdef", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
