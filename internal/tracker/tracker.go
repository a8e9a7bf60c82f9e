// Package tracker resolves dashboard schema columns against a pipeline's
// check set and runs the checks to produce processing-status rows.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"scanline/internal/domain"
	"scanline/internal/ids"
)

// ErrIntegrity reports a processing-status file that contradicts the
// current target set, such as a tracked participant-session pair that
// vanished from the manifest.
var ErrIntegrity = errors.New("status integrity")

// Predicate classifies one pipeline aspect for a single subject. It must
// not return an error; anything it cannot read counts against the
// completion statuses it reports.
type Predicate func(subjectDir, sessionID, runID string) domain.CompletionStatus

// CheckSet is the checks a pipeline exposes, keyed the way the schema
// names them. Checks holds plain keys; Prefixed holds suffix sets for
// prefixed keys, so schema key "PHASE__" plus suffix "anat" becomes
// column "PHASE__anat".
type CheckSet struct {
	Checks   map[string]Predicate
	Prefixed map[string]map[string]Predicate
}

// Task is one resolved ledger column. A nil Check marks a column the
// caller derives from the others instead of probing directly.
type Task struct {
	Column string
	Check  Predicate
}

// ResolveTasks matches the named schema group against a check set. The
// result preserves schema order; prefixed keys expand to one task per
// suffix, suffixes sorted. Required keys with no matching check are
// returned as diagnostics, never a failure: a sparse check set is a
// pipeline author's problem to notice, not a reason to stop tracking.
func ResolveTasks(schema *Schema, checks CheckSet, group string) ([]Task, []string, error) {
	g, ok := schema.Group(group)
	if !ok {
		return nil, nil, fmt.Errorf("schema has no group %q", group)
	}
	var tasks []Task
	var missing []string
	for _, key := range g.Keys {
		if key.IsPrefixedColumn {
			subs := checks.Prefixed[key.Name]
			if len(subs) == 0 {
				if key.IsRequired {
					missing = append(missing, key.Name)
				}
				continue
			}
			suffixes := make([]string, 0, len(subs))
			for suffix := range subs {
				suffixes = append(suffixes, suffix)
			}
			sort.Strings(suffixes)
			for _, suffix := range suffixes {
				tasks = append(tasks, Task{Column: key.Name + suffix, Check: subs[suffix]})
			}
			continue
		}
		fn, ok := checks.Checks[key.Name]
		if !ok {
			if key.IsRequired {
				missing = append(missing, key.Name)
			}
			continue
		}
		tasks = append(tasks, Task{Column: key.Name, Check: fn})
	}
	return tasks, missing, nil
}

// Columns lists the resolved column names in order.
func Columns(tasks []Task) []string {
	cols := make([]string, len(tasks))
	for i, t := range tasks {
		cols[i] = t.Column
	}
	return cols
}

// RunChecks evaluates every task for one subject. When the subject
// directory does not exist at all, every column is UNAVAILABLE and no
// check runs. A check that panics is logged and scored FAIL; one broken
// check must not take down a whole tracking sweep.
func RunChecks(subjectDir, sessionID, runID string, tasks []Task) map[string]domain.CompletionStatus {
	statuses := make(map[string]domain.CompletionStatus, len(tasks))
	if !dirExists(subjectDir) {
		for _, t := range tasks {
			statuses[t.Column] = domain.StatusUnavailable
		}
		return statuses
	}
	for _, t := range tasks {
		if t.Check == nil {
			continue
		}
		statuses[t.Column] = invoke(t, subjectDir, sessionID, runID)
	}
	return statuses
}

func invoke(t Task, subjectDir, sessionID, runID string) (status domain.CompletionStatus) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tracker: check %s panicked on %s: %v", t.Column, subjectDir, r)
			status = domain.StatusFail
		}
	}()
	status = t.Check(subjectDir, sessionID, runID)
	if !status.Valid() {
		log.Printf("tracker: check %s returned unknown status %q, scoring FAIL", t.Column, status)
		status = domain.StatusFail
	}
	return status
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Builder runs a pipeline's resolved tasks over the imaged universe and
// assembles processing-status rows.
type Builder struct {
	Pipeline string
	Version  string
	RunID    string
	Workers  int

	// SubjectDir maps a subject to its pipeline output directory.
	SubjectDir func(bidsID, sessionID string) string

	Tasks []Task

	// Times reports start and end timestamps for a subject's latest run,
	// empty strings when unknown. Optional.
	Times func(participantID, sessionID string) (string, string)
}

// Rows builds one row per imaged participant-session pair, in input
// order. Subjects are independent, so they fan out across Workers
// goroutines (one per CPU when unset); results land by index and the
// output is deterministic.
func (b Builder) Rows(ctx context.Context, universe []domain.ManifestRecord) ([]domain.BagelRow, error) {
	workers := b.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	rows := make([]domain.BagelRow, len(universe))
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(workers)
	for i, rec := range universe {
		grp.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows[i] = b.row(rec)
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (b Builder) row(rec domain.ManifestRecord) domain.BagelRow {
	bidsID := ids.ParticipantIDToBidsID(rec.ParticipantID)
	row := domain.BagelRow{
		ParticipantID:   rec.ParticipantID,
		BidsID:          bidsID,
		SessionID:       rec.SessionID,
		PipelineName:    b.Pipeline,
		PipelineVersion: b.Version,
	}
	if b.Times != nil {
		row.PipelineStarttime, row.PipelineEndtime = b.Times(rec.ParticipantID, rec.SessionID)
	}
	row.Statuses = RunChecks(b.SubjectDir(bidsID, rec.SessionID), rec.SessionID, b.RunID, b.Tasks)
	deriveComplete(b.Tasks, row.Statuses)
	return row
}

// deriveComplete fills in any nil-check columns by folding the probed
// statuses: complete only when every stage succeeded, untouched when
// every stage is untouched, and partial otherwise.
func deriveComplete(tasks []Task, statuses map[string]domain.CompletionStatus) {
	var derived []string
	allSuccess, allUnavailable, anySuccess := true, true, false
	for _, t := range tasks {
		if t.Check == nil {
			if _, ok := statuses[t.Column]; !ok {
				derived = append(derived, t.Column)
			}
			continue
		}
		switch statuses[t.Column] {
		case domain.StatusSuccess:
			allUnavailable = false
			anySuccess = true
		case domain.StatusUnavailable:
			allSuccess = false
		default:
			allSuccess = false
			allUnavailable = false
		}
	}
	if len(derived) == 0 {
		return
	}
	var folded domain.CompletionStatus
	switch {
	case allSuccess:
		folded = domain.StatusSuccess
	case allUnavailable:
		folded = domain.StatusUnavailable
	case anySuccess:
		folded = domain.StatusIncomplete
	default:
		folded = domain.StatusFail
	}
	for _, col := range derived {
		statuses[col] = folded
	}
}
