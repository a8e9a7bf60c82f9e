package repo

import (
	"context"
	"database/sql"
	"strings"

	"scanline/internal/domain"
)

const runColumns = `id,pipeline_name,pipeline_version,participant_id,session_id,status,exit_code,started_at,finished_at`

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.PipelineName, run.PipelineVersion, run.ParticipantID, run.SessionID,
		run.Status, nullableIntPtr(run.ExitCode), run.StartedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, id, status string, exitCode *int, finishedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, exit_code=?, finished_at=? WHERE id=?`,
		status, nullableIntPtr(exitCode), finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var exitCode sql.NullInt64
	var finishedAt sql.NullString
	err := scan(&run.ID, &run.PipelineName, &run.PipelineVersion, &run.ParticipantID, &run.SessionID,
		&run.Status, &exitCode, &run.StartedAt, &finishedAt)
	if err != nil {
		return run, err
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		run.ExitCode = &c
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

type RunFilters struct {
	Pipeline        string
	Version         string
	ParticipantID   string
	SessionID       string
	Status          string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Pipeline != "" {
		clauses = append(clauses, "pipeline_name=?")
		args = append(args, f.Pipeline)
	}
	if f.Version != "" {
		clauses = append(clauses, "pipeline_version=?")
		args = append(args, f.Version)
	}
	if f.ParticipantID != "" {
		clauses = append(clauses, "participant_id=?")
		args = append(args, f.ParticipantID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LatestRunTimes reports when a subject's most recent run of a pipeline
// started and finished. Empty strings mean no run is on record.
func (r Repo) LatestRunTimes(ctx context.Context, pipeline, version, participantID, sessionID string) (string, string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT started_at, COALESCE(finished_at,'') FROM runs
WHERE pipeline_name=? AND pipeline_version=? AND participant_id=? AND session_id=?
ORDER BY started_at DESC, id DESC LIMIT 1`,
		pipeline, version, participantID, sessionID)
	var started, finished string
	err := row.Scan(&started, &finished)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return started, finished, nil
}
