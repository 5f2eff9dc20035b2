// Package middleware provides HTTP middleware components for the ETL admin API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testToken = "op-secret-token-1234567890abcdef"

func newAuthHandler(token string) http.Handler {
	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return Authenticate(token, logger)(nextHandler)
}

func TestAuthenticate_MissingToken(t *testing.T) {
	handler := newAuthHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/admin/watermarks", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuthenticate_MalformedHeader(t *testing.T) {
	handler := newAuthHandler(testToken)

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", testToken},
		{"lowercase bearer", "bearer " + testToken},
		{"empty token", "Bearer "},
		{"embedded newline", "Bearer " + testToken + "\nInjected-Header: malicious"},
		{"embedded carriage return", "Bearer " + testToken + "\rInjected-Header: malicious"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/watermarks", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthenticate_WrongToken(t *testing.T) {
	handler := newAuthHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/admin/watermarks", nil)
	req.Header.Set("Authorization", "Bearer not-the-right-token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuthenticate_ValidToken(t *testing.T) {
	handler := newAuthHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/admin/watermarks", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestAuthenticate_RFC7807ErrorFormat(t *testing.T) {
	handler := newAuthHandler(testToken)

	req := httptest.NewRequest(http.MethodGet, "/admin/watermarks", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != contentTypeProblemJSON {
		t.Errorf("expected Content-Type %s, got %s", contentTypeProblemJSON, got)
	}

	var problem map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}

	if problem["type"] != "https://ashare-etl.dev/problems/401" {
		t.Errorf("expected type https://ashare-etl.dev/problems/401, got %v", problem["type"])
	}

	if problem["status"] != float64(http.StatusUnauthorized) {
		t.Errorf("expected status 401, got %v", problem["status"])
	}

	if problem["instance"] != "/admin/watermarks" {
		t.Errorf("expected instance /admin/watermarks, got %v", problem["instance"])
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
		found    bool
	}{
		{"valid token", "Bearer " + testToken, testToken, true},
		{"leading/trailing space in token", "Bearer   " + testToken + "  ", testToken, true},
		{"missing header", "", "", false},
		{"no bearer prefix", testToken, "", false},
		{"bearer with empty token", "Bearer ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got, found := extractBearerToken(req)
			if found != tt.found {
				t.Errorf("expected found=%v, got %v", tt.found, found)
			}

			if got != tt.expected {
				t.Errorf("expected token %q, got %q", tt.expected, got)
			}
		})
	}
}
