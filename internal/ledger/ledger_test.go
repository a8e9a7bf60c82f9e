package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scanline/internal/domain"
	"scanline/internal/manifest"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testManifest(recs ...domain.ManifestRecord) *manifest.Manifest {
	return &manifest.Manifest{Path: "manifest.csv", Records: recs}
}

func imaged(participant, session string) domain.ManifestRecord {
	return domain.ManifestRecord{ParticipantID: participant, Visit: "V-" + session, SessionID: "ses-" + session}
}

// seedDir creates dir with one child so the probe counts it as present.
func seedDir(t *testing.T, parts ...string) {
	t.Helper()
	dir := filepath.Join(parts...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed %s: %v", dir, err)
	}
}

func testProbes(root string) Probes {
	return Probes{
		RawDicomDir:   filepath.Join(root, "raw_dicom"),
		SourcedataDir: filepath.Join(root, "dicom"),
		BidsDir:       filepath.Join(root, "bids"),
	}
}

func TestUpdateRequiresExplicitChoiceWithoutPrior(t *testing.T) {
	root := t.TempDir()
	m := testManifest(imaged("001", "01"))
	_, err := Update(m, filepath.Join(root, "doughnut.csv"), testProbes(root), UpdateOptions{})
	if !errors.Is(err, ErrNoPrior) {
		t.Fatalf("expected ErrNoPrior, got %v", err)
	}
}

func TestUpdateRejectsRegenerateWithEmpty(t *testing.T) {
	root := t.TempDir()
	m := testManifest(imaged("001", "01"))
	_, err := Update(m, filepath.Join(root, "doughnut.csv"), testProbes(root), UpdateOptions{Regenerate: true, Empty: true})
	if err == nil {
		t.Fatal("expected error for regenerate+empty")
	}
}

func TestUpdateEmptyInitializesWithoutProbes(t *testing.T) {
	root := t.TempDir()
	m := testManifest(imaged("001", "01"), imaged("002", "01"))
	// Disk state that would flip flags if probed.
	seedDir(t, root, "raw_dicom", "ses-01", "001")

	rows, err := Update(m, filepath.Join(root, "doughnut.csv"), testProbes(root), UpdateOptions{Empty: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.Downloaded || row.Organized || row.Converted {
			t.Fatalf("empty mode probed disk: %+v", row)
		}
	}
	if rows[0].DicomID != "001" || rows[0].BidsID != "sub-001" {
		t.Fatalf("derived ids wrong: %+v", rows[0])
	}
}

func TestUpdateRegenerateProbesDisk(t *testing.T) {
	root := t.TempDir()
	m := testManifest(imaged("001", "01"), imaged("002", "01"))
	seedDir(t, root, "raw_dicom", "ses-01", "001")
	seedDir(t, root, "dicom", "ses-01", "001")
	seedDir(t, root, "bids", "sub-001", "ses-01")

	rows, err := Update(m, filepath.Join(root, "doughnut.csv"), testProbes(root), UpdateOptions{Regenerate: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := []domain.DoughnutRow{
		{ParticipantID: "001", SessionID: "ses-01", ParticipantDicomDir: "001", DicomID: "001", BidsID: "sub-001",
			Downloaded: true, Organized: true, Converted: true},
		{ParticipantID: "002", SessionID: "ses-01", ParticipantDicomDir: "002", DicomID: "002", BidsID: "sub-002"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateIncrementalKeepsPriorRowsUntouched(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doughnut.csv")
	m1 := testManifest(imaged("001", "01"))
	rows, err := Update(m1, path, testProbes(root), UpdateOptions{Empty: true})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := Save(path, rows, testClock); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The prior row's directories appear on disk afterwards; an
	// incremental update must not re-probe it.
	seedDir(t, root, "raw_dicom", "ses-01", "001")
	seedDir(t, root, "bids", "sub-002", "ses-01")

	m2 := testManifest(imaged("001", "01"), imaged("002", "01"))
	rows, err = Update(m2, path, testProbes(root), UpdateOptions{})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ParticipantID != "001" || rows[0].Downloaded {
		t.Fatalf("prior row was re-probed: %+v", rows[0])
	}
	if rows[1].ParticipantID != "002" || !rows[1].Converted || rows[1].Downloaded {
		t.Fatalf("new row not probed: %+v", rows[1])
	}
}

func TestUpdateVanishedPairIsFatal(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doughnut.csv")
	m1 := testManifest(imaged("001", "01"), imaged("002", "01"))
	rows, err := Update(m1, path, testProbes(root), UpdateOptions{Empty: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := Save(path, rows, testClock); err != nil {
		t.Fatalf("save: %v", err)
	}

	m2 := testManifest(imaged("001", "01"))
	_, err = Update(m2, path, testProbes(root), UpdateOptions{})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	// The prior file must remain loadable and complete.
	prior, err := Load(path)
	if err != nil {
		t.Fatalf("reload prior: %v", err)
	}
	if len(prior) != 2 {
		t.Fatalf("prior shrank to %d rows", len(prior))
	}
}

func TestUpdateMonotonic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doughnut.csv")
	m1 := testManifest(imaged("001", "01"))
	m2 := testManifest(imaged("001", "01"), imaged("001", "02"), imaged("002", "01"))

	rows, err := Update(m1, path, testProbes(root), UpdateOptions{Empty: true})
	if err != nil {
		t.Fatalf("update m1: %v", err)
	}
	if _, err := Save(path, rows, testClock); err != nil {
		t.Fatalf("save m1: %v", err)
	}
	rows, err = Update(m2, path, testProbes(root), UpdateOptions{})
	if err != nil {
		t.Fatalf("update m2: %v", err)
	}
	keys := make(map[string]bool)
	for _, r := range rows {
		keys[r.ParticipantID+"/"+r.SessionID] = true
	}
	if !keys["001/ses-01"] {
		t.Fatal("row from m1 dropped after m2 update")
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
}

func TestSaveNoopLeavesSingleBackup(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doughnut.csv")
	m := testManifest(imaged("001", "01"))

	rows, err := Update(m, path, testProbes(root), UpdateOptions{Empty: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := Save(path, rows, testClock); err != nil {
		t.Fatalf("save: %v", err)
	}
	rows, err = Update(m, path, testProbes(root), UpdateOptions{})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	res, err := Save(path, rows, testClock.Add(time.Hour))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if res.Wrote {
		t.Fatal("unchanged ledger wrote a new backup")
	}
	backups, err := os.ReadDir(filepath.Join(root, ".doughnuts"))
	if err != nil {
		t.Fatalf("read backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}
}

func TestCheckStatusEmptyDirCountsAbsent(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bids", "sub-001", "ses-01"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rows := []domain.DoughnutRow{{ParticipantID: "001", SessionID: "ses-01", BidsID: "sub-001"}}
	got, err := CheckStatus(rows, filepath.Join(root, "bids"), KeyBidsID, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got[0] {
		t.Fatal("empty directory counted as present")
	}
}

func TestCheckStatusMissingBaseDirIsFalseNotError(t *testing.T) {
	rows := []domain.DoughnutRow{
		{ParticipantID: "001", SessionID: "ses-01", DicomID: "001"},
		{ParticipantID: "002", SessionID: "ses-01", DicomID: "002"},
	}
	got, err := CheckStatus(rows, filepath.Join(t.TempDir(), "nope"), KeyDicomID, true)
	if err != nil {
		t.Fatalf("missing base dir must not error: %v", err)
	}
	for i, ok := range got {
		if ok {
			t.Fatalf("row %d true under missing base dir", i)
		}
	}
}

func TestCheckStatusPathOrdering(t *testing.T) {
	root := t.TempDir()
	seedDir(t, root, "sessionfirst", "ses-01", "001")
	seedDir(t, root, "subjectfirst", "sub-001", "ses-01")
	rows := []domain.DoughnutRow{{ParticipantID: "001", SessionID: "ses-01", DicomID: "001", BidsID: "sub-001"}}

	got, err := CheckStatus(rows, filepath.Join(root, "sessionfirst"), KeyDicomID, true)
	if err != nil || !got[0] {
		t.Fatalf("session-first probe failed: %v %v", got, err)
	}
	got, err = CheckStatus(rows, filepath.Join(root, "subjectfirst"), KeyBidsID, false)
	if err != nil || !got[0] {
		t.Fatalf("subject-first probe failed: %v %v", got, err)
	}
	got, err = CheckStatus(rows, filepath.Join(root, "subjectfirst"), KeyBidsID, true)
	if err != nil || got[0] {
		t.Fatalf("wrong nesting should not match: %v %v", got, err)
	}
}

func TestLoadRejectsForeignHeader(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doughnut.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doughnut.csv")
	rows := []domain.DoughnutRow{
		{ParticipantID: "002", SessionID: "ses-01", ParticipantDicomDir: "002", DicomID: "002", BidsID: "sub-002", Organized: true},
		{ParticipantID: "001", SessionID: "ses-01", ParticipantDicomDir: "001", DicomID: "001", BidsID: "sub-001", Downloaded: true, Converted: true},
	}
	if _, err := Save(path, rows, testClock); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].ParticipantID != "001" || !got[0].Converted || !got[1].Organized {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
