package middleware

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// MaxBodyBytes caps request bodies accepted by ValidateJSONContentType.
const MaxBodyBytes = 1 << 20

// ValidateJSONContentType requires a JSON content type on requests with a body
// and limits the body size.
func ValidateJSONContentType(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			mediaType, _, err := mime.ParseMediaType(contentType)
			if err != nil || mediaType != "application/json" {
				log.WarnContext(r.Context(), "invalid content type",
					slog.String("path", r.URL.Path),
					slog.String("content_type", contentType),
					slog.String("method", r.Method),
				)
				writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// SanitizeInputs rejects path traversal and markup in query parameters.
func SanitizeInputs(log *slog.Logger) func(http.Handler) http.Handler {
	dangerous := []string{"<", ">", "\"", "'"}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for key, values := range r.URL.Query() {
				for _, val := range values {
					for _, char := range dangerous {
						if strings.Contains(val, char) {
							log.WarnContext(r.Context(), "suspicious input detected",
								slog.String("path", r.URL.Path),
								slog.String("param", key),
								slog.String("pattern", char),
							)
							writeError(w, http.StatusBadRequest, "invalid_input", "invalid characters in query")
							return
						}
					}
				}
			}

			if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.Path, "//") {
				log.WarnContext(r.Context(), "suspicious path pattern detected", slog.String("path", r.URL.Path))
				writeError(w, http.StatusBadRequest, "invalid_input", "invalid path")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
