package adminapi

import (
	"context"
	"database/sql"
	"net/http"
)

// WatermarkRow is one row of meta_etl_watermark.
type WatermarkRow struct {
	PipelineName   string  `json:"pipelineName"`
	StageName      string  `json:"stageName"`
	APIName        string  `json:"apiName"`
	WatermarkDate  int     `json:"watermarkDate"`
	Status         string  `json:"status"`
	LastError      *string `json:"lastError,omitempty"`
	UpdatedAt      string  `json:"updatedAt"`
}

// WatermarkListResponse is the GET /api/v1/watermarks response body.
type WatermarkListResponse struct {
	Watermarks []WatermarkRow `json:"watermarks"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

func (s *Server) handleListWatermarks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := parseListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	rows, err := s.queryWatermarks(ctx, params)
	if err != nil {
		s.logger.ErrorContext(ctx, "adminapi: query watermarks failed", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to query watermarks"))

		return
	}

	writeJSON(w, http.StatusOK, WatermarkListResponse{Watermarks: rows, Limit: params.limit, Offset: params.offset})
}

func (s *Server) queryWatermarks(ctx context.Context, params listParams) ([]WatermarkRow, error) {
	query := `
		SELECT pipeline_name, stage_name, api_name, watermark_date, status, last_error, updated_at
		FROM meta_etl_watermark
		WHERE ($1 = '' OR pipeline_name = $1) AND ($2 = '' OR stage_name = $2)
		ORDER BY pipeline_name, stage_name, api_name
		LIMIT $3 OFFSET $4`

	rows, err := s.conn.QueryContext(ctx, query, params.pipeline, params.stage, params.limit, params.offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WatermarkRow

	for rows.Next() {
		var (
			row       WatermarkRow
			lastError sql.NullString
		)

		if err := rows.Scan(
			&row.PipelineName, &row.StageName, &row.APIName,
			&row.WatermarkDate, &row.Status, &lastError, &row.UpdatedAt,
		); err != nil {
			return nil, err
		}

		if lastError.Valid {
			row.LastError = &lastError.String
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
