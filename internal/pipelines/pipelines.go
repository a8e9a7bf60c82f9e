// Package pipelines holds the built-in completion trackers: one per
// supported processing pipeline, each a set of file-presence checks over
// that pipeline's output tree.
package pipelines

import (
	"os"
	"path/filepath"
	"sort"

	"scanline/internal/domain"
	"scanline/internal/tracker"
)

// Tracker binds a pipeline name to its output layout and checks.
// SessionFirst pipelines write base/<session>/<bids_id>; the rest write
// base/<bids_id> with session subdirectories inside.
type Tracker struct {
	Name         string
	SessionFirst bool
	Checks       tracker.CheckSet
}

// SubjectDir resolves a subject's output directory under base.
func (t Tracker) SubjectDir(base, bidsID, sessionID string) string {
	if t.SessionFirst {
		return filepath.Join(base, sessionID, bidsID)
	}
	return filepath.Join(base, bidsID)
}

var registry = map[string]Tracker{
	"freesurfer": freesurferTracker(),
	"fmriprep":   fmriprepTracker(),
	"tractoflow": tractoflowTracker(),
	"mriqc":      mriqcTracker(),
}

// Lookup returns the tracker registered for a pipeline name.
func Lookup(name string) (Tracker, bool) {
	t, ok := registry[name]
	return t, ok
}

// Names lists the registered pipeline names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Requirement is one expected output, expressed as glob patterns
// relative to the subject directory. Any single match satisfies it;
// alternatives cover pipelines that name the same artifact differently
// across versions or configurations.
type Requirement []string

// Classify scores a subject directory against a requirement list.
// A missing directory is UNAVAILABLE. Otherwise all requirements met is
// SUCCESS, none is FAIL, and anything between is INCOMPLETE.
func Classify(subjectDir string, requirements []Requirement) domain.CompletionStatus {
	info, err := os.Stat(subjectDir)
	if err != nil || !info.IsDir() {
		return domain.StatusUnavailable
	}
	satisfied := 0
	for _, req := range requirements {
		if matchesAny(subjectDir, req) {
			satisfied++
		}
	}
	switch {
	case satisfied == len(requirements):
		return domain.StatusSuccess
	case satisfied == 0:
		return domain.StatusFail
	default:
		return domain.StatusIncomplete
	}
}

func matchesAny(dir string, patterns []string) bool {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

func bidsIDOf(subjectDir string) string {
	return filepath.Base(subjectDir)
}
