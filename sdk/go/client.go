package scanlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Scanline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// DoughnutRow mirrors one curation ledger row.
type DoughnutRow struct {
	ParticipantID       string `json:"participant_id"`
	SessionID           string `json:"session_id"`
	ParticipantDicomDir string `json:"participant_dicom_dir,omitempty"`
	DicomID             string `json:"dicom_id"`
	BidsID              string `json:"bids_id"`
	Downloaded          bool   `json:"downloaded"`
	Organized           bool   `json:"organized"`
	Converted           bool   `json:"converted"`
}

// BagelRow mirrors one processing status row.
type BagelRow struct {
	ParticipantID     string            `json:"participant_id"`
	BidsID            string            `json:"bids_id"`
	SessionID         string            `json:"session_id"`
	PipelineName      string            `json:"pipeline_name"`
	PipelineVersion   string            `json:"pipeline_version"`
	PipelineStarttime string            `json:"pipeline_starttime,omitempty"`
	PipelineEndtime   string            `json:"pipeline_endtime,omitempty"`
	Statuses          map[string]string `json:"statuses"`
}

// BagelPage is the processing ledger with its columns in file order.
type BagelPage struct {
	Columns []string   `json:"columns"`
	Rows    []BagelRow `json:"rows"`
}

// Run mirrors the API run model.
type Run struct {
	ID              string  `json:"id,omitempty"`
	PipelineName    string  `json:"pipeline_name"`
	PipelineVersion string  `json:"pipeline_version"`
	ParticipantID   string  `json:"participant_id"`
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	StartedAt       string  `json:"started_at,omitempty"`
	FinishedAt      *string `json:"finished_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// DoughnutResult reports a ledger reconciliation.
type DoughnutResult struct {
	Path   string `json:"path"`
	Rows   int    `json:"rows"`
	Wrote  bool   `json:"wrote"`
	Backup string `json:"backup,omitempty"`
}

// TrackResult reports a tracker refresh.
type TrackResult struct {
	Pipeline      string         `json:"pipeline"`
	Version       string         `json:"version"`
	Path          string         `json:"path"`
	Subjects      int            `json:"subjects"`
	Rows          int            `json:"rows"`
	Wrote         bool           `json:"wrote"`
	Backup        string         `json:"backup,omitempty"`
	MissingChecks []string       `json:"missing_checks,omitempty"`
	StatusCounts  map[string]int `json:"status_counts"`
}

// PipelineStatus summarizes one pipeline's roll-up column.
type PipelineStatus struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Subjects int            `json:"subjects"`
	Counts   map[string]int `json:"counts"`
}

// ManifestSummary describes the loaded manifest.
type ManifestSummary struct {
	Path         string   `json:"path"`
	Records      int      `json:"records"`
	Imaged       int      `json:"imaged"`
	Participants int      `json:"participants"`
	Sessions     []string `json:"sessions"`
}

// DatasetSummary is the status overview.
type DatasetSummary struct {
	Name      string           `json:"name"`
	Root      string           `json:"root"`
	Manifest  ManifestSummary  `json:"manifest"`
	Pipelines []PipelineStatus `json:"pipelines"`
	Doughnut  struct {
		Rows       int `json:"rows"`
		Downloaded int `json:"downloaded"`
		Organized  int `json:"organized"`
		Converted  int `json:"converted"`
	} `json:"doughnut"`
	LatestEvent int64 `json:"latest_event"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRuns wraps run listings with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Health checks the API is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Summary returns the dataset status overview.
func (c *Client) Summary(ctx context.Context) (DatasetSummary, error) {
	var resp DatasetSummary
	err := c.do(ctx, http.MethodGet, "v0/dataset", nil, &resp)
	return resp, err
}

// CheckManifest returns the manifest shape after validation.
func (c *Client) CheckManifest(ctx context.Context) (ManifestSummary, error) {
	var resp ManifestSummary
	err := c.do(ctx, http.MethodGet, "v0/manifest", nil, &resp)
	return resp, err
}

// Doughnut returns the curation ledger rows.
func (c *Client) Doughnut(ctx context.Context) ([]DoughnutRow, error) {
	var resp []DoughnutRow
	err := c.do(ctx, http.MethodGet, "v0/doughnut", nil, &resp)
	return resp, err
}

// UpdateDoughnut reconciles the curation ledger.
func (c *Client) UpdateDoughnut(ctx context.Context, regenerate, empty bool) (DoughnutResult, error) {
	body := map[string]any{}
	if regenerate {
		body["regenerate"] = true
	}
	if empty {
		body["empty"] = true
	}
	var resp DoughnutResult
	err := c.do(ctx, http.MethodPost, "v0/doughnut/update", body, &resp)
	return resp, err
}

// Bagel returns the processing status ledger.
func (c *Client) Bagel(ctx context.Context) (BagelPage, error) {
	var resp BagelPage
	err := c.do(ctx, http.MethodGet, "v0/bagel", nil, &resp)
	return resp, err
}

// RefreshTracker runs a pipeline's completion checks.
func (c *Client) RefreshTracker(ctx context.Context, pipeline, version string) (TrackResult, error) {
	body := map[string]any{"version": version}
	var resp TrackResult
	endpoint := fmt.Sprintf("v0/trackers/%s/refresh", url.PathEscape(pipeline))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RunsQuery filters a run listing.
type RunsQuery struct {
	Pipeline      string
	Version       string
	ParticipantID string
	SessionID     string
	Status        string
	Limit         int
	Cursor        string
}

// Runs returns pipeline runs matching the query.
func (c *Client) Runs(ctx context.Context, q RunsQuery) (PaginatedRuns, error) {
	params := url.Values{}
	if q.Pipeline != "" {
		params.Set("pipeline", q.Pipeline)
	}
	if q.Version != "" {
		params.Set("version", q.Version)
	}
	if q.ParticipantID != "" {
		params.Set("participant_id", q.ParticipantID)
	}
	if q.SessionID != "" {
		params.Set("session_id", q.SessionID)
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	endpoint := "v0/runs"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/runs/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportRun records a run launched outside scanline.
func (c *Client) ReportRun(ctx context.Context, run Run) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/report", run, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
