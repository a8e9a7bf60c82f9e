package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/domain"
	"scanline/internal/engine"
	"scanline/internal/ledger"
	"scanline/internal/migrate"
	"scanline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Root   string
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	conn, err := db.Open(db.Config{Dataset: root})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-dataset")
	eng := engine.New(conn, cfg, root)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitDataset(ctx, "test-dataset", "tester"); err != nil {
		t.Fatalf("init dataset: %v", err)
	}
	writeManifest(t, root)
	return testEnv{Engine: eng, Root: root, Ctx: ctx}
}

func writeManifest(t *testing.T, root string) {
	t.Helper()
	data := "participant_id,visit,session,datatype\n" +
		"001,V01,01,\"[anat,dwi]\"\n" +
		"002,V01,01,anat\n" +
		"003,V02,,\n"
	if err := os.WriteFile(filepath.Join(root, "manifest.csv"), []byte(data), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func seedFiles(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", p, err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

func eventTypes(t *testing.T, env testEnv) []string {
	t.Helper()
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Limit: 100})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(evts))
	for i, e := range evts {
		types[i] = e.Type
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestInitDatasetRefusesSecondInit(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitDataset(env.Ctx, "test-dataset", "tester"); err == nil {
		t.Fatal("second init succeeded")
	}
	if _, err := os.Stat(config.Path(env.Root)); err != nil {
		t.Fatalf("config missing: %v", err)
	}
	if !hasEvent(eventTypes(t, env), "dataset.initialized") {
		t.Fatal("no dataset.initialized event")
	}
}

func TestCheckManifest(t *testing.T) {
	env := newTestEnv(t)
	sum, err := env.Engine.CheckManifest(env.Ctx)
	if err != nil {
		t.Fatalf("CheckManifest: %v", err)
	}
	if sum.Records != 3 || sum.Imaged != 2 || sum.Participants != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Sessions) != 1 || sum.Sessions[0] != "ses-01" {
		t.Fatalf("sessions = %v", sum.Sessions)
	}
}

func TestUpdateDoughnutLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// No prior ledger and no explicit choice is a configuration error.
	_, err := env.Engine.UpdateDoughnut(env.Ctx, engine.DoughnutOptions{Actor: "tester"})
	if !errors.Is(err, ledger.ErrNoPrior) {
		t.Fatalf("err = %v, want ErrNoPrior", err)
	}

	res, err := env.Engine.UpdateDoughnut(env.Ctx, engine.DoughnutOptions{Empty: true, Actor: "tester"})
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if res.Rows != 2 || !res.Wrote {
		t.Fatalf("result = %+v", res)
	}
	rows, err := env.Engine.Doughnut(env.Ctx)
	if err != nil {
		t.Fatalf("Doughnut: %v", err)
	}
	for _, row := range rows {
		if row.Downloaded || row.Organized || row.Converted {
			t.Fatalf("empty init probed disk: %+v", row)
		}
	}

	// Nothing changed, so saving again is a no-op.
	res, err = env.Engine.UpdateDoughnut(env.Ctx, engine.DoughnutOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("incremental update: %v", err)
	}
	if res.Wrote {
		t.Fatal("identical ledger rewrote the file")
	}

	types := eventTypes(t, env)
	if !hasEvent(types, "doughnut.updated") || !hasEvent(types, "doughnut.noop") {
		t.Fatalf("events = %v", types)
	}
}

func TestUpdateDoughnutRegenerateProbes(t *testing.T) {
	env := newTestEnv(t)
	seedFiles(t, env.Root,
		"scratch/raw_dicom/ses-01/001/scan.dcm",
		"sourcedata/ses-01/001/scan.dcm",
		"bids/sub-001/ses-01/anat/sub-001_ses-01_T1w.nii.gz",
	)
	res, err := env.Engine.UpdateDoughnut(env.Ctx, engine.DoughnutOptions{Regenerate: true, Actor: "tester"})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if res.Rows != 2 {
		t.Fatalf("rows = %d", res.Rows)
	}
	rows, err := env.Engine.Doughnut(env.Ctx)
	if err != nil {
		t.Fatalf("Doughnut: %v", err)
	}
	if !rows[0].Downloaded || !rows[0].Organized || !rows[0].Converted {
		t.Fatalf("001 flags = %+v", rows[0])
	}
	if rows[1].Downloaded || rows[1].Organized || rows[1].Converted {
		t.Fatalf("002 flags = %+v", rows[1])
	}
}

func seedFmriprepSubject(t *testing.T, env testEnv, bidsID, sessionID string) {
	t.Helper()
	base := filepath.Join("derivatives", "fmriprep", "20.2.7", "output", bidsID, sessionID)
	stem := bidsID + "_" + sessionID
	seedFiles(t, env.Root,
		filepath.Join(base, "anat", stem+"_desc-preproc_T1w.nii.gz"),
		filepath.Join(base, "anat", stem+"_desc-brain_mask.nii.gz"),
		filepath.Join(base, "anat", stem+"_dseg.nii.gz"),
		filepath.Join(base, "anat", stem+"_space-MNI152NLin2009cAsym_res-2_desc-preproc_T1w.nii.gz"),
		filepath.Join(base, "anat", stem+"_space-MNI152NLin2009cAsym_res-2_desc-brain_mask.nii.gz"),
		filepath.Join(base, "func", stem+"_task-rest_desc-preproc_bold.nii.gz"),
		filepath.Join(base, "func", stem+"_task-rest_desc-confounds_timeseries.tsv"),
		filepath.Join(base, "func", stem+"_task-rest_space-MNI152NLin2009cAsym_res-2_desc-preproc_bold.nii.gz"),
	)
}

func TestTrackWritesBagel(t *testing.T) {
	env := newTestEnv(t)
	seedFmriprepSubject(t, env, "sub-001", "ses-01")

	res, err := env.Engine.Track(env.Ctx, engine.TrackOptions{
		Pipeline: "fmriprep", Version: "20.2.7", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if res.Subjects != 2 || res.Rows != 2 || !res.Wrote {
		t.Fatalf("result = %+v", res)
	}
	if res.StatusCounts["SUCCESS"] != 1 || res.StatusCounts["UNAVAILABLE"] != 1 {
		t.Fatalf("counts = %v", res.StatusCounts)
	}

	rows, cols, err := env.Engine.Bagel(env.Ctx)
	if err != nil {
		t.Fatalf("Bagel: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if cols[0] != "pipeline_complete" {
		t.Fatalf("columns = %v", cols)
	}
	if rows[0].ParticipantID != "001" || rows[0].Statuses["pipeline_complete"] != domain.StatusSuccess {
		t.Fatalf("001 row = %+v", rows[0])
	}
	if rows[1].Statuses["pipeline_complete"] != domain.StatusUnavailable {
		t.Fatalf("002 row = %+v", rows[1])
	}

	// Unchanged outputs mean a no-op second pass.
	res, err = env.Engine.Track(env.Ctx, engine.TrackOptions{
		Pipeline: "fmriprep", Version: "20.2.7", Actor: "tester",
	})
	if err != nil {
		t.Fatalf("second Track: %v", err)
	}
	if res.Wrote {
		t.Fatal("identical bagel rewrote the file")
	}
	types := eventTypes(t, env)
	if !hasEvent(types, "bagel.updated") || !hasEvent(types, "bagel.noop") {
		t.Fatalf("events = %v", types)
	}
}

func TestTrackKeepsOtherPipelineRows(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Track(env.Ctx, engine.TrackOptions{Pipeline: "fmriprep", Version: "20.2.7", Actor: "tester"}); err != nil {
		t.Fatalf("fmriprep: %v", err)
	}
	if _, err := env.Engine.Track(env.Ctx, engine.TrackOptions{Pipeline: "freesurfer", Version: "7.3.2", Actor: "tester"}); err != nil {
		t.Fatalf("freesurfer: %v", err)
	}
	rows, _, err := env.Engine.Bagel(env.Ctx)
	if err != nil {
		t.Fatalf("Bagel: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 2 per pipeline", len(rows))
	}
	byPipeline := make(map[string]int)
	for _, row := range rows {
		byPipeline[row.PipelineName]++
	}
	if byPipeline["fmriprep"] != 2 || byPipeline["freesurfer"] != 2 {
		t.Fatalf("rows per pipeline = %v", byPipeline)
	}
}

func TestTrackUndeclaredPipeline(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Track(env.Ctx, engine.TrackOptions{Pipeline: "fmriprep", Version: "99.0.0", Actor: "tester"})
	if err == nil || !strings.Contains(err.Error(), "not declared") {
		t.Fatalf("err = %v", err)
	}
}

func TestReportRunFeedsBagelTimes(t *testing.T) {
	env := newTestEnv(t)
	finished := "2024-03-01T10:30:00Z"
	run, err := env.Engine.ReportRun(env.Ctx, domain.Run{
		PipelineName:    "fmriprep",
		PipelineVersion: "20.2.7",
		ParticipantID:   "001",
		SessionID:       "ses-01",
		Status:          domain.RunStatusSucceeded,
		StartedAt:       "2024-03-01T08:00:00Z",
		FinishedAt:      &finished,
	}, "scheduler")
	if err != nil {
		t.Fatalf("ReportRun: %v", err)
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunStatusSucceeded || got.FinishedAt == nil {
		t.Fatalf("run = %+v", got)
	}

	if _, err := env.Engine.Track(env.Ctx, engine.TrackOptions{Pipeline: "fmriprep", Version: "20.2.7", Actor: "tester"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	rows, _, err := env.Engine.Bagel(env.Ctx)
	if err != nil {
		t.Fatalf("Bagel: %v", err)
	}
	if rows[0].PipelineStarttime != "2024-03-01T08:00:00Z" || rows[0].PipelineEndtime != finished {
		t.Fatalf("times = %q, %q", rows[0].PipelineStarttime, rows[0].PipelineEndtime)
	}
	// No run on record for 002, so its times stay empty.
	if rows[1].PipelineStarttime != "" {
		t.Fatalf("002 starttime = %q", rows[1].PipelineStarttime)
	}
}

func TestRunPipelineRecordsRuns(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	env := newTestEnv(t)
	env.Engine.Config.Pipelines = append(env.Engine.Config.Pipelines, config.Pipeline{
		Name:    "mriqc",
		Version: "test",
		Command: []string{"sh", "-c", "test {participant_id} = 001"},
	})
	var out strings.Builder
	res, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{
		Pipeline: "mriqc", Version: "test", Actor: "tester", Output: &out,
	})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{Pipeline: "mriqc"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	for _, run := range runs {
		if run.Status == domain.RunStatusRunning || run.FinishedAt == nil {
			t.Fatalf("run not finished: %+v", run)
		}
	}
	types := eventTypes(t, env)
	if !hasEvent(types, "run.started") || !hasEvent(types, "run.finished") {
		t.Fatalf("events = %v", types)
	}
}

func TestRunPipelineWithoutCommand(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Pipeline: "freesurfer", Version: "7.3.2", Actor: "tester"})
	if err == nil || !strings.Contains(err.Error(), "no command") {
		t.Fatalf("err = %v", err)
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	seedFiles(t, env.Root, "scratch/raw_dicom/ses-01/001/scan.dcm")
	if _, err := env.Engine.UpdateDoughnut(env.Ctx, engine.DoughnutOptions{Regenerate: true, Actor: "tester"}); err != nil {
		t.Fatalf("doughnut: %v", err)
	}
	if _, err := env.Engine.Track(env.Ctx, engine.TrackOptions{Pipeline: "fmriprep", Version: "20.2.7", Actor: "tester"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	sum, err := env.Engine.Summary(env.Ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Name != "test-dataset" {
		t.Fatalf("name = %q", sum.Name)
	}
	if sum.Doughnut.Rows != 2 || sum.Doughnut.Downloaded != 1 || sum.Doughnut.Converted != 0 {
		t.Fatalf("doughnut counts = %+v", sum.Doughnut)
	}
	if len(sum.Pipelines) != 1 || sum.Pipelines[0].Name != "fmriprep" || sum.Pipelines[0].Subjects != 2 {
		t.Fatalf("pipelines = %+v", sum.Pipelines)
	}
	if sum.LatestEvent == 0 {
		t.Fatal("no events recorded")
	}
}
