package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashare-etl/etl/internal/api/middleware"
)

// ProblemDetail is an RFC 7807 problem details response, grounded on the
// teacher's internal/api/errors.go shape.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

const problemBaseURL = "https://ashare-etl.dev/problems"

// NewProblemDetail builds a ProblemDetail for the given status.
func NewProblemDetail(status int, title, detail string) ProblemDetail {
	return ProblemDetail{
		Type:   problemBaseURL + "/" + statusSlug(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WithInstance sets the Instance field.
func (p ProblemDetail) WithInstance(instance string) ProblemDetail {
	p.Instance = instance
	return p
}

// WithCorrelationID sets the CorrelationID field.
func (p ProblemDetail) WithCorrelationID(id string) ProblemDetail {
	p.CorrelationID = id
	return p
}

func statusSlug(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "400"
	case http.StatusUnauthorized:
		return "401"
	case http.StatusNotFound:
		return "404"
	case http.StatusMethodNotAllowed:
		return "405"
	case http.StatusTooManyRequests:
		return "429"
	default:
		return "500"
	}
}

// WriteErrorResponse writes a ProblemDetail as application/problem+json,
// filling in Instance and CorrelationID when unset.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem ProblemDetail) {
	if problem.Instance == "" {
		problem = problem.WithInstance(r.URL.Path)
	}

	if problem.CorrelationID == "" {
		problem = problem.WithCorrelationID(middleware.GetCorrelationID(r.Context()))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		if logger != nil {
			logger.ErrorContext(r.Context(), "adminapi: failed to encode problem response", "error", err)
		}

		http.Error(w, problem.Title, problem.Status)
	}
}

// BadRequest builds a 400 problem response.
func BadRequest(detail string) ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound builds a 404 problem response.
func NotFound(detail string) ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// MethodNotAllowed builds a 405 problem response.
func MethodNotAllowed(detail string) ProblemDetail {
	return NewProblemDetail(http.StatusMethodNotAllowed, "Method Not Allowed", detail)
}

// InternalServerError builds a 500 problem response.
func InternalServerError(detail string) ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}
