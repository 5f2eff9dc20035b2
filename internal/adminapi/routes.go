package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

var (
	errParamNotInt   = errors.New("must be a valid integer")
	errParamTooSmall = errors.New("must not be negative")
	errParamTooLarge = errors.New("exceeds maximum")
)

const (
	defaultLimit = 50
	maxLimit     = 500
	minLimit     = 1
)

// setupRoutes registers every route. middleware.Authenticate and
// middleware.RateLimit wrap the whole mux, so /ping, /ready and /health go
// through authentication (when a token is set) and rate limiting like every
// other route; no route is exempt.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/watermarks", s.handleListWatermarks)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/quality-checks", s.handleListQualityChecks)
}

type pingResponse struct {
	Status string `json:"status"`
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{Status: "ok"})
}

type readyResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.HealthCheck(r.Context()); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("database not ready: "+err.Error()))

		return
	}

	writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
}

type healthResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptimeSeconds"`
	GoVersion string `json:"goVersion"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
		GoVersion: runtime.Version(),
	})
}

// listParams holds parsed pagination/filter query parameters shared by the
// three list endpoints below, modeled on the teacher's
// parseIncidentListParams.
type listParams struct {
	pipeline string
	stage    string
	limit    int
	offset   int
}

type paramError struct {
	param string
	msg   string
}

func (e *paramError) Error() string {
	return "invalid parameter '" + e.param + "': " + e.msg
}

func parseListParams(r *http.Request) (listParams, error) {
	q := r.URL.Query()

	params := listParams{
		pipeline: q.Get("pipeline"),
		stage:    q.Get("stage"),
		limit:    defaultLimit,
		offset:   0,
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := parseBoundedInt(limitStr, minLimit, maxLimit)
		if err != nil {
			return listParams{}, &paramError{param: "limit", msg: err.Error()}
		}

		params.limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := parseBoundedInt(offsetStr, 0, -1)
		if err != nil {
			return listParams{}, &paramError{param: "offset", msg: err.Error()}
		}

		params.offset = offset
	}

	return params, nil
}

func parseBoundedInt(raw string, minVal, maxVal int) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errParamNotInt
	}

	if v < minVal {
		return 0, errParamTooSmall
	}

	if maxVal >= 0 && v > maxVal {
		return 0, errParamTooLarge
	}

	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
