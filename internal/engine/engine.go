package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"scanline/internal/config"
	"scanline/internal/domain"
	"scanline/internal/events"
	"scanline/internal/ids"
	"scanline/internal/ledger"
	"scanline/internal/manifest"
	"scanline/internal/pipelines"
	"scanline/internal/repo"
	"scanline/internal/runner"
	"scanline/internal/statusfile"
	"scanline/internal/tracker"
)

// Engine wires the ledgers, the tracker registry and the audit trail
// together. Mutating operations append events in the same transaction
// as their database writes.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Root   string
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, root string) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Root:   root,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func actorOr(actor string) string {
	if actor == "" {
		return "cli"
	}
	return actor
}

func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actor string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorOr(actor), payload); err != nil {
		return err
	}
	return tx.Commit()
}

// InitDataset writes the default config and creates the dataset layout.
// It refuses to touch an already initialized dataset.
func (e Engine) InitDataset(ctx context.Context, name, actor string) (*config.Config, error) {
	cfgPath := config.Path(e.Root)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, fmt.Errorf("dataset already initialized: %s exists", cfgPath)
	}
	cfg := config.Default(name)
	dirs := []string{
		cfg.RawDicomDir(e.Root),
		cfg.SourcedataDir(e.Root),
		cfg.BidsDir(e.Root),
		filepath.Join(e.Root, cfg.Paths.Derivatives),
		filepath.Dir(cfg.DoughnutPath(e.Root)),
		filepath.Dir(cfg.BagelPath(e.Root)),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(name)), 0o644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	if err := e.appendEvent(ctx, events.DatasetInitialized, "dataset", name, actor, events.EventPayload{
		"root": e.Root,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e Engine) loadManifest() (*manifest.Manifest, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	path := e.Config.ManifestPath(e.Root)
	if d := e.Config.Manifest.Delimiter; d != "" {
		return manifest.LoadDelim(path, rune(d[0]))
	}
	return manifest.Load(path)
}

// ManifestSummary describes the loaded manifest for status output.
type ManifestSummary struct {
	Path         string   `json:"path"`
	Records      int      `json:"records"`
	Imaged       int      `json:"imaged"`
	Participants int      `json:"participants"`
	Sessions     []string `json:"sessions"`
}

// CheckManifest loads and validates the manifest, reporting its shape.
func (e Engine) CheckManifest(ctx context.Context) (ManifestSummary, error) {
	m, err := e.loadManifest()
	if err != nil {
		return ManifestSummary{}, err
	}
	seenParticipant := make(map[string]bool)
	seenSession := make(map[string]bool)
	for _, rec := range m.Records {
		seenParticipant[rec.ParticipantID] = true
		if rec.SessionID != "" {
			seenSession[rec.SessionID] = true
		}
	}
	sessions := make([]string, 0, len(seenSession))
	for s := range seenSession {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	return ManifestSummary{
		Path:         e.Config.ManifestPath(e.Root),
		Records:      len(m.Records),
		Imaged:       len(m.ImagedRecords()),
		Participants: len(seenParticipant),
		Sessions:     sessions,
	}, nil
}

type DoughnutOptions struct {
	Regenerate bool
	Empty      bool
	Actor      string
}

type DoughnutResult struct {
	Path   string `json:"path"`
	Rows   int    `json:"rows"`
	Wrote  bool   `json:"wrote"`
	Backup string `json:"backup,omitempty"`
}

// UpdateDoughnut reconciles the curation ledger against the manifest
// and the dataset directories, then saves it through the backed-up,
// symlinked write path.
func (e Engine) UpdateDoughnut(ctx context.Context, opts DoughnutOptions) (DoughnutResult, error) {
	m, err := e.loadManifest()
	if err != nil {
		return DoughnutResult{}, err
	}
	path := e.Config.DoughnutPath(e.Root)
	rows, err := ledger.Update(m, path, ledger.Probes{
		RawDicomDir:   e.Config.RawDicomDir(e.Root),
		SourcedataDir: e.Config.SourcedataDir(e.Root),
		BidsDir:       e.Config.BidsDir(e.Root),
	}, ledger.UpdateOptions{Regenerate: opts.Regenerate, Empty: opts.Empty})
	if err != nil {
		return DoughnutResult{}, err
	}
	saved, err := ledger.Save(path, rows, e.now())
	if err != nil {
		return DoughnutResult{}, err
	}
	res := DoughnutResult{Path: path, Rows: len(rows), Wrote: saved.Wrote, Backup: saved.Backup}
	evtType := events.DoughnutNoop
	if saved.Wrote {
		evtType = events.DoughnutUpdated
	}
	if err := e.appendEvent(ctx, evtType, "doughnut", e.Config.Ledgers.Doughnut, opts.Actor, events.EventPayload{
		"rows":       res.Rows,
		"regenerate": opts.Regenerate,
		"empty":      opts.Empty,
	}); err != nil {
		return res, err
	}
	return res, nil
}

// Doughnut returns the current curation ledger rows.
func (e Engine) Doughnut(ctx context.Context) ([]domain.DoughnutRow, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	path := e.Config.DoughnutPath(e.Root)
	if !statusfile.Exists(path) {
		return nil, fmt.Errorf("%w: %s; run sl doughnut update", ledger.ErrNoPrior, path)
	}
	return ledger.Load(path)
}

type TrackOptions struct {
	Pipeline string
	Version  string
	RunID    string
	Workers  int
	Actor    string
}

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

// Track runs a pipeline's completion checks over every imaged
// participant-session pair and folds the result into the processing
// status ledger. Rows belonging to other pipelines pass through.
func (e Engine) Track(ctx context.Context, opts TrackOptions) (TrackResult, error) {
	if e.Config == nil {
		return TrackResult{}, errors.New("config not loaded")
	}
	p, ok := e.Config.PipelineFor(opts.Pipeline, opts.Version)
	if !ok {
		return TrackResult{}, fmt.Errorf("pipeline %s@%s not declared in config", opts.Pipeline, opts.Version)
	}
	tr, ok := pipelines.Lookup(p.Name)
	if !ok {
		return TrackResult{}, fmt.Errorf("pipeline %s has no registered tracker; known: %v", p.Name, pipelines.Names())
	}
	schema, err := e.loadSchema()
	if err != nil {
		return TrackResult{}, err
	}
	group, ok := schema.Group(e.Config.Schema.Group)
	if !ok {
		return TrackResult{}, fmt.Errorf("schema has no group %q", e.Config.Schema.Group)
	}
	tasks, missing, err := tracker.ResolveTasks(schema, tr.Checks, group.Name)
	if err != nil {
		return TrackResult{}, err
	}
	tasks, missing = tracker.WithDerivedComplete(group, tasks, missing)
	for _, col := range missing {
		log.Printf("track %s@%s: no check registered for required column %s", p.Name, p.Version, col)
	}
	m, err := e.loadManifest()
	if err != nil {
		return TrackResult{}, err
	}
	universe := m.ImagedRecords()

	runID := opts.RunID
	if runID == "" {
		runID = "1"
	}
	outputDir := e.Config.OutputDir(e.Root, p.Name, p.Version)
	builder := tracker.Builder{
		Pipeline: p.Name,
		Version:  p.Version,
		RunID:    runID,
		Workers:  opts.Workers,
		SubjectDir: func(bidsID, sessionID string) string {
			return tr.SubjectDir(outputDir, bidsID, sessionID)
		},
		Tasks: tasks,
		Times: func(participantID, sessionID string) (string, string) {
			start, end, err := e.Repo.LatestRunTimes(ctx, p.Name, p.Version, participantID, sessionID)
			if err != nil {
				log.Printf("track %s@%s: run times for %s/%s: %v", p.Name, p.Version, participantID, sessionID, err)
				return "", ""
			}
			return start, end
		},
	}
	fresh, err := builder.Rows(ctx, universe)
	if err != nil {
		return TrackResult{}, err
	}

	path := e.Config.BagelPath(e.Root)
	prior, priorCols, err := tracker.LoadBagel(path)
	if err != nil {
		return TrackResult{}, err
	}
	merged, err := tracker.Refresh(prior, fresh, p.Name, p.Version)
	if err != nil {
		return TrackResult{}, err
	}
	cols := tracker.MergeColumns(priorCols, tracker.Columns(tasks))
	saved, err := tracker.SaveBagel(path, merged, cols, e.now())
	if err != nil {
		return TrackResult{}, err
	}

	counts := make(map[string]int)
	for _, row := range fresh {
		counts[string(row.Statuses[tracker.CompleteColumn])]++
	}
	res := TrackResult{
		Pipeline:      p.Name,
		Version:       p.Version,
		Path:          path,
		Subjects:      len(fresh),
		Rows:          len(merged),
		Wrote:         saved.Wrote,
		Backup:        saved.Backup,
		MissingChecks: missing,
		StatusCounts:  counts,
	}
	evtType := events.BagelNoop
	if saved.Wrote {
		evtType = events.BagelUpdated
	}
	if err := e.appendEvent(ctx, evtType, "bagel", p.Name+"@"+p.Version, opts.Actor, events.EventPayload{
		"subjects": res.Subjects,
		"rows":     res.Rows,
		"counts":   counts,
	}); err != nil {
		return res, err
	}
	return res, nil
}

func (e Engine) loadSchema() (*tracker.Schema, error) {
	if path := e.Config.SchemaPath(e.Root); path != "" {
		return tracker.LoadSchema(path)
	}
	return tracker.DefaultSchema(), nil
}

// Bagel returns the processing status ledger rows and its check
// columns, in file order.
func (e Engine) Bagel(ctx context.Context) ([]domain.BagelRow, []string, error) {
	if e.Config == nil {
		return nil, nil, errors.New("config not loaded")
	}
	return tracker.LoadBagel(e.Config.BagelPath(e.Root))
}

type RunOptions struct {
	Pipeline    string
	Version     string
	Participant string
	Session     string
	Actor       string
	Output      io.Writer
}

type RunResult struct {
	Runs      []domain.Run `json:"runs"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// RunPipeline launches the configured command once per matching imaged
// participant-session pair. A failing subject is recorded and the batch
// moves on; only infrastructure errors abort it.
func (e Engine) RunPipeline(ctx context.Context, opts RunOptions) (RunResult, error) {
	if e.Config == nil {
		return RunResult{}, errors.New("config not loaded")
	}
	p, ok := e.Config.PipelineFor(opts.Pipeline, opts.Version)
	if !ok {
		return RunResult{}, fmt.Errorf("pipeline %s@%s not declared in config", opts.Pipeline, opts.Version)
	}
	if len(p.Command) == 0 {
		return RunResult{}, fmt.Errorf("pipeline %s@%s has no command configured", p.Name, p.Version)
	}
	m, err := e.loadManifest()
	if err != nil {
		return RunResult{}, err
	}
	var universe []domain.ManifestRecord
	for _, rec := range m.ImagedRecords() {
		if opts.Participant != "" && rec.ParticipantID != opts.Participant {
			continue
		}
		if opts.Session != "" && rec.SessionID != opts.Session {
			continue
		}
		universe = append(universe, rec)
	}
	if len(universe) == 0 {
		return RunResult{}, errors.New("no imaged participant-session pairs match")
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	r := runner.Runner{Stdout: out, Stderr: out}
	var res RunResult
	for _, rec := range universe {
		run := domain.Run{
			ID:              uuid.New().String(),
			PipelineName:    p.Name,
			PipelineVersion: p.Version,
			ParticipantID:   rec.ParticipantID,
			SessionID:       rec.SessionID,
			Status:          domain.RunStatusRunning,
			StartedAt:       e.now().UTC().Format(time.RFC3339),
		}
		if err := e.startRun(ctx, run, opts.Actor); err != nil {
			return res, err
		}
		vars := map[string]string{
			"participant_id":   rec.ParticipantID,
			"session_id":       rec.SessionID,
			"bids_id":          ids.ParticipantIDToBidsID(rec.ParticipantID),
			"dataset_root":     e.Root,
			"pipeline_name":    p.Name,
			"pipeline_version": p.Version,
			"output_dir":       e.Config.OutputDir(e.Root, p.Name, p.Version),
		}
		code, runErr := r.Run(ctx, runner.Invocation{
			Args: runner.Expand(p.Command, vars),
			Dir:  e.Root,
			Env:  runner.EnvConfig{Prefix: p.EnvPrefix, Vars: p.Env},
		})
		status := domain.RunStatusSucceeded
		if runErr != nil || code != 0 {
			status = domain.RunStatusFailed
		}
		var exitCode *int
		if code >= 0 {
			exitCode = &code
		}
		run.Status = status
		if err := e.finishRun(ctx, run.ID, status, exitCode, opts.Actor); err != nil {
			return res, err
		}
		res.Runs = append(res.Runs, run)
		if status == domain.RunStatusSucceeded {
			res.Succeeded++
		} else {
			res.Failed++
			if runErr != nil {
				log.Printf("run %s %s/%s: %v", p.Name, rec.ParticipantID, rec.SessionID, runErr)
			}
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

func (e Engine) startRun(ctx context.Context, run domain.Run, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return err
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, tx, events.RunStarted, "run", run.ID, actorOr(actor), events.EventPayload{
		"pipeline":    run.PipelineName,
		"version":     run.PipelineVersion,
		"participant": run.ParticipantID,
		"session":     run.SessionID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finishRun(ctx context.Context, id, status string, exitCode *int, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	finishedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.FinishRunTx(ctx, tx, id, status, exitCode, finishedAt); err != nil {
		return err
	}
	payload := events.EventPayload{"status": status}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, tx, events.RunFinished, "run", id, actorOr(actor), payload); err != nil {
		return err
	}
	return tx.Commit()
}

// ReportRun records a run started and finished outside scanline, for
// schedulers that launch pipelines directly.
func (e Engine) ReportRun(ctx context.Context, run domain.Run, actor string) (domain.Run, error) {
	if run.PipelineName == "" || run.PipelineVersion == "" || run.ParticipantID == "" || run.SessionID == "" {
		return run, errors.New("pipeline, version, participant and session required")
	}
	if !validRunStatus(run.Status) {
		return run, fmt.Errorf("unknown run status %q", run.Status)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt == "" {
		run.StartedAt = e.now().UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return run, err
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	payload := events.EventPayload{
		"pipeline":    run.PipelineName,
		"version":     run.PipelineVersion,
		"participant": run.ParticipantID,
		"session":     run.SessionID,
		"status":      run.Status,
	}
	evtType := events.RunStarted
	if run.Status != domain.RunStatusRunning {
		evtType = events.RunFinished
	}
	if err := w.Append(ctx, tx, evtType, "run", run.ID, actorOr(actor), payload); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

func validRunStatus(s string) bool {
	switch s {
	case domain.RunStatusRunning, domain.RunStatusSucceeded, domain.RunStatusFailed:
		return true
	}
	return false
}

// PipelineStatus summarizes one pipeline's roll-up column.
type PipelineStatus struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Subjects int            `json:"subjects"`
	Counts   map[string]int `json:"counts"`
}

// DatasetSummary is the status overview for a dataset.
type DatasetSummary struct {
	Name        string           `json:"name"`
	Root        string           `json:"root"`
	Manifest    ManifestSummary  `json:"manifest"`
	Doughnut    DoughnutCounts   `json:"doughnut"`
	Pipelines   []PipelineStatus `json:"pipelines"`
	LatestEvent int64            `json:"latest_event"`
}

type DoughnutCounts struct {
	Rows       int `json:"rows"`
	Downloaded int `json:"downloaded"`
	Organized  int `json:"organized"`
	Converted  int `json:"converted"`
}

// Summary assembles the dataset overview used by sl status and the API.
func (e Engine) Summary(ctx context.Context) (DatasetSummary, error) {
	if e.Config == nil {
		return DatasetSummary{}, errors.New("config not loaded")
	}
	ms, err := e.CheckManifest(ctx)
	if err != nil {
		return DatasetSummary{}, err
	}
	sum := DatasetSummary{
		Name:     e.Config.Dataset.Name,
		Root:     e.Root,
		Manifest: ms,
	}
	if statusfile.Exists(e.Config.DoughnutPath(e.Root)) {
		rows, err := ledger.Load(e.Config.DoughnutPath(e.Root))
		if err != nil {
			return sum, err
		}
		sum.Doughnut.Rows = len(rows)
		for _, row := range rows {
			if row.Downloaded {
				sum.Doughnut.Downloaded++
			}
			if row.Organized {
				sum.Doughnut.Organized++
			}
			if row.Converted {
				sum.Doughnut.Converted++
			}
		}
	}
	bagelRows, _, err := tracker.LoadBagel(e.Config.BagelPath(e.Root))
	if err != nil {
		return sum, err
	}
	type key struct{ name, version string }
	grouped := make(map[key]*PipelineStatus)
	var order []key
	for _, row := range bagelRows {
		k := key{row.PipelineName, row.PipelineVersion}
		ps, ok := grouped[k]
		if !ok {
			ps = &PipelineStatus{Name: k.name, Version: k.version, Counts: make(map[string]int)}
			grouped[k] = ps
			order = append(order, k)
		}
		ps.Subjects++
		ps.Counts[string(row.Statuses[tracker.CompleteColumn])]++
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].name != order[j].name {
			return order[i].name < order[j].name
		}
		return order[i].version < order[j].version
	})
	for _, k := range order {
		sum.Pipelines = append(sum.Pipelines, *grouped[k])
	}
	latest, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return sum, err
	}
	sum.LatestEvent = latest
	return sum, nil
}
