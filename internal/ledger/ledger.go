// Package ledger maintains the doughnut, the curation status ledger
// recording downloaded/organized/converted per participant-session pair.
// Rows are appended as pairs enter the manifest and are never deleted.
package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"scanline/internal/domain"
	"scanline/internal/ids"
	"scanline/internal/manifest"
	"scanline/internal/statusfile"
)

var (
	// ErrNoPrior is returned when no doughnut exists on disk and the
	// caller requested neither a regeneration nor an empty ledger.
	ErrNoPrior = errors.New("no prior doughnut")
	// ErrIntegrity is returned when a previously tracked pair vanishes
	// from the manifest universe. Tracked rows are never dropped.
	ErrIntegrity = errors.New("doughnut integrity")
)

// Header is the doughnut column set, in on-disk order.
var Header = []string{
	"participant_id", "session_id", "participant_dicom_dir",
	"dicom_id", "bids_id", "downloaded", "organized", "converted",
}

// Probes names the directory trees the curation stages are checked
// against.
type Probes struct {
	RawDicomDir   string
	SourcedataDir string
	BidsDir       string
}

// UpdateOptions selects the reconciliation mode. Regenerate recomputes
// every row from disk and ignores the prior ledger; Empty initializes
// new rows with all flags false and performs zero disk probes.
type UpdateOptions struct {
	Regenerate bool
	Empty      bool
}

// KeyColumn selects which identifier keys the probed directory name.
type KeyColumn int

const (
	KeyParticipantDicomDir KeyColumn = iota
	KeyDicomID
	KeyBidsID
)

// Update reconciles the manifest universe against the prior doughnut at
// priorPath and returns the candidate ledger, canonically sorted by
// (participant_id, session_id). It never writes; see Save.
func Update(m *manifest.Manifest, priorPath string, probes Probes, opts UpdateOptions) ([]domain.DoughnutRow, error) {
	if opts.Regenerate && opts.Empty {
		return nil, errors.New("regenerate and empty are mutually exclusive")
	}

	var prior []domain.DoughnutRow
	priorExists := statusfile.Exists(priorPath)
	if priorExists && !opts.Regenerate {
		var err error
		prior, err = Load(priorPath)
		if err != nil {
			return nil, err
		}
	}
	if !priorExists && !opts.Regenerate && !opts.Empty {
		return nil, fmt.Errorf("%w at %s: pass regenerate or empty to create one", ErrNoPrior, priorPath)
	}

	universe := m.ImagedRecords()
	target := make(map[string]domain.ManifestRecord, len(universe))
	for _, rec := range universe {
		target[pairKey(rec.ParticipantID, rec.SessionID)] = rec
	}

	tracked := make(map[string]bool, len(prior))
	var vanished []string
	for _, row := range prior {
		key := pairKey(row.ParticipantID, row.SessionID)
		tracked[key] = true
		if _, ok := target[key]; !ok {
			vanished = append(vanished, row.ParticipantID+"/"+row.SessionID)
		}
	}
	if len(vanished) > 0 {
		sort.Strings(vanished)
		return nil, fmt.Errorf("%w: tracked pairs missing from manifest: %v", ErrIntegrity, vanished)
	}

	var fresh []domain.DoughnutRow
	for _, rec := range universe {
		if tracked[pairKey(rec.ParticipantID, rec.SessionID)] {
			continue
		}
		fresh = append(fresh, newRow(rec))
	}
	if !opts.Empty && len(fresh) > 0 {
		if err := probeRows(fresh, probes); err != nil {
			return nil, err
		}
	}

	all := append(prior, fresh...)
	sortRows(all)
	return all, nil
}

func newRow(rec domain.ManifestRecord) domain.DoughnutRow {
	return domain.DoughnutRow{
		ParticipantID:       rec.ParticipantID,
		SessionID:           rec.SessionID,
		ParticipantDicomDir: rec.ParticipantID,
		DicomID:             ids.ToDicomID(rec.ParticipantID),
		BidsID:              ids.ParticipantIDToBidsID(rec.ParticipantID),
	}
}

func probeRows(rows []domain.DoughnutRow, probes Probes) error {
	downloaded, err := CheckStatus(rows, probes.RawDicomDir, KeyParticipantDicomDir, true)
	if err != nil {
		return err
	}
	organized, err := CheckStatus(rows, probes.SourcedataDir, KeyDicomID, true)
	if err != nil {
		return err
	}
	converted, err := CheckStatus(rows, probes.BidsDir, KeyBidsID, false)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].Downloaded = downloaded[i]
		rows[i].Organized = organized[i]
		rows[i].Converted = converted[i]
	}
	return nil
}

// CheckStatus probes one directory tree per row and returns a boolean
// slice aligned to rows. A directory counts as present only when it
// exists and has at least one child; early-failing pipelines often leave
// empty directories behind. A missing baseDir yields false for every
// row. Other probe errors propagate.
func CheckStatus(rows []domain.DoughnutRow, baseDir string, key KeyColumn, sessionFirst bool) ([]bool, error) {
	out := make([]bool, len(rows))
	for i, row := range rows {
		id := keyValue(row, key)
		if id == "" {
			continue
		}
		var dir string
		if sessionFirst {
			dir = filepath.Join(baseDir, row.SessionID, id)
		} else {
			dir = filepath.Join(baseDir, id, row.SessionID)
		}
		ok, err := dirNonEmpty(dir)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func keyValue(row domain.DoughnutRow, key KeyColumn) string {
	switch key {
	case KeyParticipantDicomDir:
		return row.ParticipantDicomDir
	case KeyDicomID:
		return row.DicomID
	default:
		return row.BidsID
	}
}

func dirNonEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", path, err)
	}
	return len(entries) > 0, nil
}

// Load reads the doughnut behind path. A missing file surfaces as
// fs.ErrNotExist.
func Load(path string) ([]domain.DoughnutRow, error) {
	tbl, err := statusfile.Load(path)
	if err != nil {
		return nil, err
	}
	if !sameHeader(tbl.Header) {
		return nil, fmt.Errorf("%w: %s has header %v, want %v", ErrIntegrity, path, tbl.Header, Header)
	}
	rows := make([]domain.DoughnutRow, 0, len(tbl.Rows))
	for i, cells := range tbl.Rows {
		row, err := decodeRow(cells)
		if err != nil {
			return nil, fmt.Errorf("%w: %s row %d: %v", ErrIntegrity, path, i+2, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Save writes rows through the statusfile contract: canonical sort,
// dedupe, timestamped backup, symlink repoint, and a skipped write when
// nothing changed.
func Save(path string, rows []domain.DoughnutRow, now time.Time) (statusfile.SaveResult, error) {
	tbl := &statusfile.Table{Header: Header, Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		tbl.Rows = append(tbl.Rows, encodeRow(row))
	}
	return statusfile.Save(path, tbl, now)
}

func encodeRow(r domain.DoughnutRow) []string {
	return []string{
		r.ParticipantID, r.SessionID, r.ParticipantDicomDir, r.DicomID, r.BidsID,
		strconv.FormatBool(r.Downloaded), strconv.FormatBool(r.Organized), strconv.FormatBool(r.Converted),
	}
}

func decodeRow(cells []string) (domain.DoughnutRow, error) {
	var r domain.DoughnutRow
	if len(cells) != len(Header) {
		return r, fmt.Errorf("%d cells, want %d", len(cells), len(Header))
	}
	r.ParticipantID = cells[0]
	r.SessionID = cells[1]
	r.ParticipantDicomDir = cells[2]
	r.DicomID = cells[3]
	r.BidsID = cells[4]
	var err error
	if r.Downloaded, err = strconv.ParseBool(cells[5]); err != nil {
		return r, fmt.Errorf("downloaded: %v", err)
	}
	if r.Organized, err = strconv.ParseBool(cells[6]); err != nil {
		return r, fmt.Errorf("organized: %v", err)
	}
	if r.Converted, err = strconv.ParseBool(cells[7]); err != nil {
		return r, fmt.Errorf("converted: %v", err)
	}
	return r, nil
}

func sameHeader(h []string) bool {
	if len(h) != len(Header) {
		return false
	}
	for i, c := range h {
		if c != Header[i] {
			return false
		}
	}
	return true
}

func sortRows(rows []domain.DoughnutRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ParticipantID != rows[j].ParticipantID {
			return rows[i].ParticipantID < rows[j].ParticipantID
		}
		return rows[i].SessionID < rows[j].SessionID
	})
}

func pairKey(participant, session string) string {
	return participant + "\x00" + session
}
