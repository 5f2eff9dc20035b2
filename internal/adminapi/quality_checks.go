package adminapi

import (
	"context"
	"net/http"
)

// QualityCheckRow is one row of meta_quality_check_log.
type QualityCheckRow struct {
	ID           int64  `json:"id"`
	PipelineName string `json:"pipelineName"`
	StageName    string `json:"stageName"`
	RunDate      int    `json:"runDate"`
	CheckName    string `json:"checkName"`
	Severity     string `json:"severity"`
	Detail       string `json:"detail"`
	CheckedAt    string `json:"checkedAt"`
}

// QualityCheckListResponse is the GET /api/v1/quality-checks response body.
type QualityCheckListResponse struct {
	Checks []QualityCheckRow `json:"checks"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (s *Server) handleListQualityChecks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := parseListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	rows, err := s.queryQualityChecks(ctx, params)
	if err != nil {
		s.logger.ErrorContext(ctx, "adminapi: query quality checks failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to query quality checks"))

		return
	}

	writeJSON(w, http.StatusOK, QualityCheckListResponse{Checks: rows, Limit: params.limit, Offset: params.offset})
}

func (s *Server) queryQualityChecks(ctx context.Context, params listParams) ([]QualityCheckRow, error) {
	query := `
		SELECT id, pipeline_name, stage_name, run_date, check_name, severity, detail, checked_at
		FROM meta_quality_check_log
		WHERE ($1 = '' OR pipeline_name = $1) AND ($2 = '' OR stage_name = $2)
		ORDER BY checked_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.conn.QueryContext(ctx, query, params.pipeline, params.stage, params.limit, params.offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QualityCheckRow

	for rows.Next() {
		var row QualityCheckRow

		if err := rows.Scan(
			&row.ID, &row.PipelineName, &row.StageName, &row.RunDate,
			&row.CheckName, &row.Severity, &row.Detail, &row.CheckedAt,
		); err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
