package adminapi

import (
	"context"
	"database/sql"
	"net/http"
)

// RunRow is one row of meta_etl_run_log.
type RunRow struct {
	RunID        string  `json:"runId"`
	PipelineName string  `json:"pipelineName"`
	StageName    string  `json:"stageName"`
	RunDate      int     `json:"runDate"`
	State        string  `json:"state"`
	StartedAt    string  `json:"startedAt"`
	EndedAt      *string `json:"endedAt,omitempty"`
	RequestCount int     `json:"requestCount"`
	FailCount    int     `json:"failCount"`
	ErrorDetail  *string `json:"errorDetail,omitempty"`
}

// RunListResponse is the GET /api/v1/runs response body.
type RunListResponse struct {
	Runs   []RunRow `json:"runs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := parseListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	rows, err := s.queryRuns(ctx, params)
	if err != nil {
		s.logger.ErrorContext(ctx, "adminapi: query runs failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to query runs"))

		return
	}

	writeJSON(w, http.StatusOK, RunListResponse{Runs: rows, Limit: params.limit, Offset: params.offset})
}

func (s *Server) queryRuns(ctx context.Context, params listParams) ([]RunRow, error) {
	query := `
		SELECT run_id, pipeline_name, stage_name, run_date, state, started_at, ended_at, request_count, fail_count, error_detail
		FROM meta_etl_run_log
		WHERE ($1 = '' OR pipeline_name = $1) AND ($2 = '' OR stage_name = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.conn.QueryContext(ctx, query, params.pipeline, params.stage, params.limit, params.offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow

	for rows.Next() {
		var (
			row         RunRow
			endedAt     sql.NullString
			errorDetail sql.NullString
		)

		if err := rows.Scan(
			&row.RunID, &row.PipelineName, &row.StageName, &row.RunDate,
			&row.State, &row.StartedAt, &endedAt, &row.RequestCount, &row.FailCount, &errorDetail,
		); err != nil {
			return nil, err
		}

		if endedAt.Valid {
			row.EndedAt = &endedAt.String
		}

		if errorDetail.Valid {
			row.ErrorDetail = &errorDetail.String
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
