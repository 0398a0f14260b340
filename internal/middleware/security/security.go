// Package security provides request hygiene middleware for the bridge API.
package security

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
)

// BodyLimit caps request bodies at maxBytes. Handlers see an
// *http.MaxBytesError from the body reader once the cap is crossed.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON rejects write requests whose body is not declared as JSON.
// A missing Content-Type is accepted for curl-friendliness.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if ct == "" {
				break
			}
			mt, _, err := mime.ParseMediaType(ct)
			if err != nil || (mt != "application/json" && !strings.HasSuffix(mt, "+json")) {
				writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Request body must be JSON")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// blockedPatterns mark path traversal and null byte probes
var blockedPatterns = []string{"../", "..%2f", "..%5c", "%2e%2e", "%00"}

// Filter rejects scanner probes before they reach the router.
func Filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.ToLower(r.URL.RawPath + r.URL.Path + "?" + r.URL.RawQuery)
		for _, p := range blockedPatterns {
			if strings.Contains(raw, p) {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed request path")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
