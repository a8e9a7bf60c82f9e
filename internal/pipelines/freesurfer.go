package pipelines

import (
	"scanline/internal/domain"
	"scanline/internal/tracker"
)

// FreeSurfer lays its outputs out session-first, with the usual mri/,
// surf/ and stats/ trees directly under the subject directory. File
// names carry no subject prefix.

func freesurferTracker() Tracker {
	return Tracker{
		Name:         "freesurfer",
		SessionFirst: true,
		Checks: tracker.CheckSet{
			Checks: map[string]tracker.Predicate{
				"pipeline_complete": freesurferComplete,
			},
			Prefixed: map[string]map[string]tracker.Predicate{
				"STAGE__": {
					"mri":   freesurferStage(freesurferMRI),
					"surf":  freesurferStage(freesurferSurf),
					"stats": freesurferStage(freesurferStats),
				},
			},
		},
	}
}

var (
	freesurferMRI = []Requirement{
		{"mri/orig.mgz"},
		{"mri/brainmask.mgz"},
		{"mri/aparc+aseg.mgz"},
		{"mri/wmparc.mgz"},
	}
	freesurferSurf = []Requirement{
		{"surf/lh.white"},
		{"surf/rh.white"},
		{"surf/lh.pial"},
		{"surf/rh.pial"},
	}
	freesurferStats = []Requirement{
		{"stats/aseg.stats"},
		{"stats/lh.aparc.stats"},
		{"stats/rh.aparc.stats"},
	}
)

func freesurferStage(reqs []Requirement) tracker.Predicate {
	return func(subjectDir, _, _ string) domain.CompletionStatus {
		return Classify(subjectDir, reqs)
	}
}

func freesurferComplete(subjectDir, _, _ string) domain.CompletionStatus {
	reqs := []Requirement{{"scripts/recon-all.log"}}
	reqs = append(reqs, freesurferMRI...)
	reqs = append(reqs, freesurferSurf...)
	reqs = append(reqs, freesurferStats...)
	return Classify(subjectDir, reqs)
}
