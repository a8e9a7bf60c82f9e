package tracker

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"scanline/internal/domain"
	"scanline/internal/statusfile"
)

// FixedHeader is the invariant leading portion of the processing-status
// ledger. Check columns follow it, one block per schema column.
var FixedHeader = []string{
	"participant_id",
	"bids_id",
	"session_id",
	"pipeline_name",
	"pipeline_version",
	"pipeline_starttime",
	"pipeline_endtime",
}

// CompleteColumn is the roll-up column most schema groups carry. When a
// pipeline does not supply its own check for it, the builder derives it
// from the stage checks.
const CompleteColumn = "pipeline_complete"

// WithDerivedComplete turns a missing pipeline_complete check into a
// derived column: the task list gains a nil-check task at the column's
// schema position and the diagnostic for it is dropped. Task lists that
// already cover the column come back unchanged.
func WithDerivedComplete(group SchemaGroup, tasks []Task, missing []string) ([]Task, []string) {
	key, ok := group.Key(CompleteColumn)
	if !ok || key.IsPrefixedColumn {
		return tasks, missing
	}
	for _, t := range tasks {
		if t.Column == CompleteColumn {
			return tasks, missing
		}
	}
	kept := missing[:0]
	for _, m := range missing {
		if m != CompleteColumn {
			kept = append(kept, m)
		}
	}
	// Insert at the column's schema position relative to the other keys.
	at := len(tasks)
	pos := make(map[string]int, len(group.Keys))
	for i, k := range group.Keys {
		pos[k.Name] = i
	}
	keyPos := pos[CompleteColumn]
	for i, t := range tasks {
		if taskKeyPos(group, t.Column, pos) > keyPos {
			at = i
			break
		}
	}
	out := make([]Task, 0, len(tasks)+1)
	out = append(out, tasks[:at]...)
	out = append(out, Task{Column: CompleteColumn})
	out = append(out, tasks[at:]...)
	return out, kept
}

func taskKeyPos(group SchemaGroup, column string, pos map[string]int) int {
	if p, ok := pos[column]; ok {
		return p
	}
	for _, k := range group.Keys {
		if k.IsPrefixedColumn && strings.HasPrefix(column, k.Name) {
			return pos[k.Name]
		}
	}
	return len(group.Keys)
}

// EncodeBagel lays rows out as a ledger table. statusColumns fixes the
// check column order; a row with no status for a column gets an empty
// cell, which is how rows from other pipelines coexist in one file.
func EncodeBagel(rows []domain.BagelRow, statusColumns []string) *statusfile.Table {
	header := make([]string, 0, len(FixedHeader)+len(statusColumns))
	header = append(header, FixedHeader...)
	header = append(header, statusColumns...)
	tbl := &statusfile.Table{Header: header}
	for _, row := range rows {
		cells := make([]string, 0, len(header))
		cells = append(cells,
			row.ParticipantID,
			row.BidsID,
			row.SessionID,
			row.PipelineName,
			row.PipelineVersion,
			row.PipelineStarttime,
			row.PipelineEndtime,
		)
		for _, col := range statusColumns {
			cells = append(cells, string(row.Statuses[col]))
		}
		tbl.Rows = append(tbl.Rows, cells)
	}
	return tbl
}

// DecodeBagel reads rows back out of a ledger table, returning the check
// columns it carried. Unknown status strings are an integrity error.
func DecodeBagel(tbl *statusfile.Table) ([]domain.BagelRow, []string, error) {
	if len(tbl.Header) < len(FixedHeader) {
		return nil, nil, fmt.Errorf("%w: header too short: %v", ErrIntegrity, tbl.Header)
	}
	for i, want := range FixedHeader {
		if tbl.Header[i] != want {
			return nil, nil, fmt.Errorf("%w: header column %d is %q, want %q", ErrIntegrity, i, tbl.Header[i], want)
		}
	}
	statusColumns := append([]string(nil), tbl.Header[len(FixedHeader):]...)
	rows := make([]domain.BagelRow, 0, len(tbl.Rows))
	for n, cells := range tbl.Rows {
		row := domain.BagelRow{
			ParticipantID:     cells[0],
			BidsID:            cells[1],
			SessionID:         cells[2],
			PipelineName:      cells[3],
			PipelineVersion:   cells[4],
			PipelineStarttime: cells[5],
			PipelineEndtime:   cells[6],
			Statuses:          make(map[string]domain.CompletionStatus),
		}
		for i, col := range statusColumns {
			cell := cells[len(FixedHeader)+i]
			if cell == "" {
				continue
			}
			status := domain.CompletionStatus(cell)
			if !status.Valid() {
				return nil, nil, fmt.Errorf("%w: row %d column %s has unknown status %q", ErrIntegrity, n+1, col, cell)
			}
			row.Statuses[col] = status
		}
		rows = append(rows, row)
	}
	return rows, statusColumns, nil
}

// LoadBagel reads the processing-status ledger at path. A missing file
// is not an error; it returns no rows and no columns.
func LoadBagel(path string) ([]domain.BagelRow, []string, error) {
	tbl, err := statusfile.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return DecodeBagel(tbl)
}

// SaveBagel writes rows through the backed-up, symlinked save path.
func SaveBagel(path string, rows []domain.BagelRow, statusColumns []string, now time.Time) (statusfile.SaveResult, error) {
	return statusfile.Save(path, EncodeBagel(rows, statusColumns), now)
}

// Refresh merges freshly built rows for one pipeline into the prior
// ledger. Rows for other pipelines or versions pass through untouched.
// A previously tracked pair of the same pipeline and version that is no
// longer in the fresh set means the manifest shrank underneath us, and
// that is fatal rather than silently dropped.
func Refresh(prior, fresh []domain.BagelRow, pipeline, version string) ([]domain.BagelRow, error) {
	target := make(map[string]bool, len(fresh))
	for _, row := range fresh {
		target[bagelKey(row.ParticipantID, row.SessionID)] = true
	}
	var vanished []string
	merged := make([]domain.BagelRow, 0, len(prior)+len(fresh))
	for _, row := range prior {
		if row.PipelineName != pipeline || row.PipelineVersion != version {
			merged = append(merged, row)
			continue
		}
		if !target[bagelKey(row.ParticipantID, row.SessionID)] {
			vanished = append(vanished, row.ParticipantID+"/"+row.SessionID)
		}
	}
	if len(vanished) > 0 {
		sort.Strings(vanished)
		return nil, fmt.Errorf("%w: tracked pairs missing from manifest: %s",
			ErrIntegrity, strings.Join(vanished, ", "))
	}
	merged = append(merged, fresh...)
	SortBagel(merged)
	return merged, nil
}

// MergeColumns keeps the prior ledger's check columns stable and appends
// any new ones in their schema order.
func MergeColumns(prior, fresh []string) []string {
	seen := make(map[string]bool, len(prior))
	out := append([]string(nil), prior...)
	for _, col := range prior {
		seen[col] = true
	}
	for _, col := range fresh {
		if !seen[col] {
			seen[col] = true
			out = append(out, col)
		}
	}
	return out
}

// SortBagel orders rows by participant, session, pipeline, version.
func SortBagel(rows []domain.BagelRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		if a.PipelineName != b.PipelineName {
			return a.PipelineName < b.PipelineName
		}
		return a.PipelineVersion < b.PipelineVersion
	})
}

func bagelKey(participantID, sessionID string) string {
	return participantID + "\x00" + sessionID
}
