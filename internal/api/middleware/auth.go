// Package middleware provides HTTP middleware components for the ETL admin API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const contentTypeProblemJSON = "application/problem+json"

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}
)

// Authentication error types for granular error handling.
var (
	// ErrMissingToken is returned when no bearer token is provided.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when the bearer token does not match the
	// configured operator token. Generic error prevents enumeration attacks.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// extractBearerToken extracts the bearer token from the Authorization header.
//
// Returns (token, true) if a well-formed "Bearer <token>" header is present,
// ("", false) otherwise.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling standard errors.Is() and errors.As() behavior.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// Authenticate creates a middleware that guards the admin/inspection surface
// with a single static operator bearer token.
//
// The admin surface has a single operator audience, so there is no lookup
// table: the provided token is compared against the configured token in
// constant time.
//
// The middleware:
//   - Extracts the bearer token from the Authorization header
//   - Compares it against token using a constant-time comparison
//   - Returns RFC 7807 compliant error responses on failure
//
// Example usage:
//
//	logger := slog.Default()
//	authMiddleware := middleware.Authenticate(cfg.AdminToken, logger)
//	handler = authMiddleware(handler)
func Authenticate(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingToken,
					Message: "Missing bearer token",
				})

				return
			}

			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrInvalidToken,
					Message: "Invalid bearer token",
				})

				return
			}

			logger.Info("admin request authenticated",
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
// It maps authentication errors to appropriate HTTP status codes and logs the failure.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized

	// Log authentication failure (no sensitive data)
	logger.Warn("admin authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Write RFC 7807 compliant error response
	if err := writeRFC7807Error(w, r, statusCode, err.Error(), correlationID); err != nil {
		logger.Error("failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", err),
		)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	// Map status code to title
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Request Failed"
	}

	// Create RFC 7807 problem detail
	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://ashare-etl.dev/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	// Set proper content type and status code
	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(statusCode)

	// Write response
	return json.NewEncoder(w).Encode(problem)
}
