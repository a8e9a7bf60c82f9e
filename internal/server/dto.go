package server

import (
	"encoding/json"

	"scanline/internal/domain"
)

// Request payloads

type DoughnutUpdateRequest struct {
	Regenerate bool `json:"regenerate,omitempty"`
	Empty      bool `json:"empty,omitempty"`
}

type TrackRequest struct {
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
	Workers int    `json:"workers,omitempty" minimum:"0"`
}

type ReportRunRequest struct {
	ID              *string `json:"id,omitempty"`
	PipelineName    string  `json:"pipeline_name"`
	PipelineVersion string  `json:"pipeline_version"`
	ParticipantID   string  `json:"participant_id"`
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status" enum:"running,succeeded,failed"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string `json:"finished_at,omitempty" format:"date-time"`
}

// Response payloads. Ledger rows and runs go out as their domain
// shapes; the bagel and events responses add wire-only structure
// (column order, decoded payloads).

type BagelRowResponse struct {
	ParticipantID     string            `json:"participant_id"`
	BidsID            string            `json:"bids_id"`
	SessionID         string            `json:"session_id"`
	PipelineName      string            `json:"pipeline_name"`
	PipelineVersion   string            `json:"pipeline_version"`
	PipelineStarttime string            `json:"pipeline_starttime,omitempty"`
	PipelineEndtime   string            `json:"pipeline_endtime,omitempty"`
	Statuses          map[string]string `json:"statuses"`
}

type BagelResponse struct {
	Columns []string           `json:"columns"`
	Rows    []BagelRowResponse `json:"rows"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Actor      string          `json:"actor"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedRuns struct {
	Items      []domain.Run `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func bagelResponse(rows []domain.BagelRow, columns []string) BagelResponse {
	resp := BagelResponse{Columns: columns, Rows: make([]BagelRowResponse, 0, len(rows))}
	if resp.Columns == nil {
		resp.Columns = []string{}
	}
	for _, row := range rows {
		statuses := make(map[string]string, len(row.Statuses))
		for col, status := range row.Statuses {
			statuses[col] = string(status)
		}
		resp.Rows = append(resp.Rows, BagelRowResponse{
			ParticipantID:     row.ParticipantID,
			BidsID:            row.BidsID,
			SessionID:         row.SessionID,
			PipelineName:      row.PipelineName,
			PipelineVersion:   row.PipelineVersion,
			PipelineStarttime: row.PipelineStarttime,
			PipelineEndtime:   row.PipelineEndtime,
			Statuses:          statuses,
		})
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Actor:      evt.Actor,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}

func runFromReport(req ReportRunRequest) domain.Run {
	run := domain.Run{
		PipelineName:    req.PipelineName,
		PipelineVersion: req.PipelineVersion,
		ParticipantID:   req.ParticipantID,
		SessionID:       req.SessionID,
		Status:          req.Status,
		ExitCode:        req.ExitCode,
		FinishedAt:      req.FinishedAt,
	}
	if req.ID != nil {
		run.ID = *req.ID
	}
	if req.StartedAt != nil {
		run.StartedAt = *req.StartedAt
	}
	return run
}
