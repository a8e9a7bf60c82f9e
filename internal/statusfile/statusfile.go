// Package statusfile owns the on-disk contract shared by the status
// ledgers: the stable name is always a symlink into a hidden backup
// directory of timestamped copies, and saving an unchanged table is a
// no-op that leaves no new backup behind.
package statusfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupStamp = "20060102_150405"

// Table is a status table in transit: a header plus string-cell rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Equal reports whether two tables have identical headers and rows.
func (t *Table) Equal(o *Table) bool {
	if o == nil || len(t.Header) != len(o.Header) || len(t.Rows) != len(o.Rows) {
		return false
	}
	for i, h := range t.Header {
		if o.Header[i] != h {
			return false
		}
	}
	for i, row := range t.Rows {
		if len(row) != len(o.Rows[i]) {
			return false
		}
		for j, cell := range row {
			if o.Rows[i][j] != cell {
				return false
			}
		}
	}
	return true
}

// SaveResult reports what Save did.
type SaveResult struct {
	Wrote  bool
	Backup string
}

// Load reads the table behind path, following the stable symlink.
// A missing file surfaces as fs.ErrNotExist via the returned error.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty status file", path)
	}
	return &Table{Header: rows[0], Rows: rows[1:]}, nil
}

// Exists reports whether a prior table is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Save canonicalizes the table (full-row sort, exact-duplicate drop),
// compares it with whatever path currently points at, and only on a
// difference writes a timestamped backup and repoints the symlink via
// unlink-then-relink. The previously valid backup is never touched, so
// a crash mid-save cannot corrupt it.
func Save(path string, t *Table, now time.Time) (SaveResult, error) {
	if len(t.Header) == 0 {
		return SaveResult{}, errors.New("statusfile: empty header")
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Header) {
			return SaveResult{}, fmt.Errorf("statusfile: row %d has %d cells, header has %d", i, len(row), len(t.Header))
		}
	}
	canon := canonicalize(t)

	prior, err := Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return SaveResult{}, err
	}
	if prior != nil && canon.Equal(prior) {
		return SaveResult{Wrote: false}, nil
	}

	dir := filepath.Dir(path)
	stem, ext := splitStem(filepath.Base(path))
	backupDir := "." + stem + "s"
	if err := os.MkdirAll(filepath.Join(dir, backupDir), 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("create backup dir: %w", err)
	}

	rel, err := nextBackupName(filepath.Join(dir, backupDir), stem, ext, now)
	if err != nil {
		return SaveResult{}, err
	}
	rel = filepath.Join(backupDir, rel)
	backup := filepath.Join(dir, rel)
	if err := writeCSV(backup, canon); err != nil {
		return SaveResult{}, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return SaveResult{}, fmt.Errorf("unlink %s: %w", path, err)
	}
	if err := os.Symlink(rel, path); err != nil {
		return SaveResult{}, fmt.Errorf("relink %s: %w", path, err)
	}
	return SaveResult{Wrote: true, Backup: backup}, nil
}

func canonicalize(t *Table) *Table {
	rows := make([][]string, len(t.Rows))
	copy(rows, t.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for k := range a {
			if k >= len(b) {
				return false
			}
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
	out := rows[:0]
	for i, row := range rows {
		if i > 0 && sameRow(row, rows[i-1]) {
			continue
		}
		out = append(out, row)
	}
	return &Table{Header: t.Header, Rows: out}
}

func sameRow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitStem(base string) (stem, ext string) {
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// nextBackupName picks a timestamped filename that does not collide with
// an existing backup from the same second.
func nextBackupName(dir, stem, ext string, now time.Time) (string, error) {
	base := fmt.Sprintf("%s-%s", stem, now.UTC().Format(backupStamp))
	name := base + ext
	for n := 2; ; n++ {
		_, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe backup name: %w", err)
		}
		name = fmt.Sprintf("%s.%d%s", base, n, ext)
	}
}

func writeCSV(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
