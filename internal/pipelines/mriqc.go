package pipelines

import (
	"scanline/internal/domain"
	"scanline/internal/tracker"
)

// MRIQC writes subject-first. The HTML report lands next to the subject
// directory rather than inside it, so that requirement reaches up one
// level. pipeline_complete is derived from the stages.

func mriqcTracker() Tracker {
	return Tracker{
		Name: "mriqc",
		Checks: tracker.CheckSet{
			Prefixed: map[string]map[string]tracker.Predicate{
				"PHASE__": {
					"anat": mriqcAnat,
				},
			},
		},
	}
}

func mriqcAnat(subjectDir, sessionID, _ string) domain.CompletionStatus {
	bidsID := bidsIDOf(subjectDir)
	stem := bidsID + "_" + sessionID
	return Classify(subjectDir, []Requirement{
		{"../" + stem + "*_T1w.html"},
		{sessionID + "/anat/" + stem + "*_T1w.json"},
	})
}
