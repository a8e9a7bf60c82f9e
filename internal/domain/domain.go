package domain

// CompletionStatus classifies one processing stage for one
// participant-session pair.
type CompletionStatus string

const (
	// StatusSuccess means every expected output file is present.
	StatusSuccess CompletionStatus = "SUCCESS"
	// StatusFail means the subject directory exists but none of the
	// expected output files do.
	StatusFail CompletionStatus = "FAIL"
	// StatusIncomplete means some but not all expected files are present.
	StatusIncomplete CompletionStatus = "INCOMPLETE"
	// StatusUnavailable means the subject directory does not exist.
	StatusUnavailable CompletionStatus = "UNAVAILABLE"
)

func (s CompletionStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusIncomplete, StatusUnavailable:
		return true
	}
	return false
}

func (s CompletionStatus) String() string { return string(s) }

type ManifestRecord struct {
	ParticipantID string   `json:"participant_id"`
	Visit         string   `json:"visit"`
	SessionID     string   `json:"session_id,omitempty"`
	Datatypes     []string `json:"datatypes,omitempty"`
}

// Imaged reports whether the visit produced imaging data. Only imaged
// records enter the status ledgers.
func (r ManifestRecord) Imaged() bool { return r.SessionID != "" }

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

type BagelRow struct {
	ParticipantID     string                      `json:"participant_id"`
	BidsID            string                      `json:"bids_id"`
	SessionID         string                      `json:"session_id"`
	PipelineName      string                      `json:"pipeline_name"`
	PipelineVersion   string                      `json:"pipeline_version"`
	PipelineStarttime string                      `json:"pipeline_starttime,omitempty"`
	PipelineEndtime   string                      `json:"pipeline_endtime,omitempty"`
	Statuses          map[string]CompletionStatus `json:"statuses"`
}

type Run struct {
	ID              string  `json:"id"`
	PipelineName    string  `json:"pipeline_name"`
	PipelineVersion string  `json:"pipeline_version"`
	ParticipantID   string  `json:"participant_id"`
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status" enum:"running,succeeded,failed"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	FinishedAt      *string `json:"finished_at,omitempty" format:"date-time"`
}

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
