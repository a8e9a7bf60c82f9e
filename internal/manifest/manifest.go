// Package manifest loads and validates the participant manifest, the
// source of truth for which participant-session pairs should exist.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"

	"scanline/internal/domain"
	"scanline/internal/ids"
)

// ErrInvalid marks a manifest that failed schema validation. The whole
// load fails on the first invalid row; no partial manifest is returned.
var ErrInvalid = errors.New("invalid manifest")

// Columns is the declared manifest schema. Files must carry exactly
// these columns; extras fail validation.
var Columns = []string{"participant_id", "visit", "session", "datatype"}

type Manifest struct {
	Path    string
	Records []domain.ManifestRecord
}

// Load reads a comma-delimited manifest from path.
func Load(path string) (*Manifest, error) {
	return LoadDelim(path, ',')
}

// LoadDelim reads a manifest using the given field delimiter. Every cell
// is handled as a string so numeric-looking identifiers keep their
// leading zeros. Validation is fail-fast: the first bad row fails the
// whole load.
func LoadDelim(path string, delim rune) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = delim
	rows, err := r.ReadAll()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, invalidf("%s: %v", path, err)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, invalidf("%s: missing header row", path)
	}

	idx, err := headerIndex(rows[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m := &Manifest{Path: path}
	seenVisit := make(map[string]int)
	seenSession := make(map[string]int)
	for i, row := range rows[1:] {
		line := i + 2
		rec, err := parseRecord(row, idx)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, line, err)
		}
		visitKey := rec.ParticipantID + "\x00" + rec.Visit
		if prev, ok := seenVisit[visitKey]; ok {
			return nil, invalidf("%s row %d: duplicate participant/visit %s/%s (first at row %d)",
				path, line, rec.ParticipantID, rec.Visit, prev)
		}
		seenVisit[visitKey] = line
		if rec.Imaged() {
			sesKey := rec.ParticipantID + "\x00" + rec.SessionID
			if prev, ok := seenSession[sesKey]; ok {
				return nil, invalidf("%s row %d: session %s already imaged for %s at row %d",
					path, line, rec.SessionID, rec.ParticipantID, prev)
			}
			seenSession[sesKey] = line
		}
		m.Records = append(m.Records, rec)
	}
	return m, nil
}

// ImagedRecords returns the rows with a non-empty session. Only these
// enter the status ledgers.
func (m *Manifest) ImagedRecords() []domain.ManifestRecord {
	var out []domain.ManifestRecord
	for _, rec := range m.Records {
		if rec.Imaged() {
			out = append(out, rec)
		}
	}
	return out
}

func headerIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	declared := make(map[string]bool, len(Columns))
	for _, c := range Columns {
		declared[c] = true
	}
	for i, name := range header {
		name = strings.TrimSpace(name)
		if !declared[name] {
			return nil, invalidf("unexpected column %q", name)
		}
		if _, dup := idx[name]; dup {
			return nil, invalidf("duplicate column %q", name)
		}
		idx[name] = i
	}
	for _, c := range Columns {
		if _, ok := idx[c]; !ok {
			return nil, invalidf("missing column %q", c)
		}
	}
	return idx, nil
}

func parseRecord(row []string, idx map[string]int) (domain.ManifestRecord, error) {
	cell := func(col string) string {
		v := strings.TrimSpace(row[idx[col]])
		if isNA(v) {
			return ""
		}
		return v
	}
	rec := domain.ManifestRecord{
		ParticipantID: cell("participant_id"),
		Visit:         cell("visit"),
	}
	if rec.ParticipantID == "" {
		return rec, invalidf("participant_id is required")
	}
	if rec.Visit == "" {
		return rec, invalidf("visit is required")
	}
	if ses := cell("session"); ses != "" {
		rec.SessionID = ids.NormalizeSession(ses)
	}
	rec.Datatypes = parseDatatypes(cell("datatype"))
	return rec, nil
}

// parseDatatypes splits a datatype cell into ordered tokens. Accepts
// plain comma- or semicolon-separated values and tolerates bracketed,
// quoted list spellings.
func parseDatatypes(cell string) []string {
	cell = strings.Trim(cell, "[]")
	if cell == "" {
		return nil
	}
	fields := strings.FieldsFunc(cell, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var out []string
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), `'"`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func isNA(v string) bool {
	switch strings.ToLower(v) {
	case "", "na", "n/a", "nan":
		return true
	}
	return false
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}
