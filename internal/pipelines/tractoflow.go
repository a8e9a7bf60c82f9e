package pipelines

import (
	"scanline/internal/domain"
	"scanline/internal/tracker"
)

// TractoFlow writes session-first and names files with a double
// underscore after the subject label. It exposes no overall check, so
// pipeline_complete is derived from the stages.

func tractoflowTracker() Tracker {
	return Tracker{
		Name:         "tractoflow",
		SessionFirst: true,
		Checks: tracker.CheckSet{
			Prefixed: map[string]map[string]tracker.Predicate{
				"STAGE__": {
					"dwi":      tractoflowStage(tractoflowDWI),
					"dti":      tractoflowStage(tractoflowDTI),
					"tracking": tractoflowStage(tractoflowTracking),
				},
			},
		},
	}
}

func tractoflowDWI(bidsID string) []Requirement {
	return []Requirement{
		{"Resample_DWI/" + bidsID + "__dwi_resampled.nii.gz"},
		{"Extract_B0/" + bidsID + "__b0.nii.gz"},
	}
}

func tractoflowDTI(bidsID string) []Requirement {
	return []Requirement{
		{"DTI_Metrics/" + bidsID + "__fa.nii.gz"},
		{"DTI_Metrics/" + bidsID + "__md.nii.gz"},
		{"DTI_Metrics/" + bidsID + "__rd.nii.gz"},
	}
}

func tractoflowTracking(bidsID string) []Requirement {
	return []Requirement{
		{
			"Local_Tracking/" + bidsID + "__local_tracking.trk",
			"PFT_Tracking/" + bidsID + "__pft_tracking.trk",
		},
	}
}

func tractoflowStage(reqs func(bidsID string) []Requirement) tracker.Predicate {
	return func(subjectDir, _, _ string) domain.CompletionStatus {
		return Classify(subjectDir, reqs(bidsIDOf(subjectDir)))
	}
}
