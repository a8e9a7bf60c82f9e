package pipelines

import (
	"fmt"
	"path/filepath"

	"scanline/internal/domain"
	"scanline/internal/tracker"
)

// fMRIPrep writes subject-first, with session subdirectories inside the
// subject directory and BIDS-prefixed file names. Template-space outputs
// moved between releases (res-2 suffix added in 20.2), so those
// requirements accept either spelling.

const fmriprepTemplate = "MNI152NLin2009cAsym"

func fmriprepTracker() Tracker {
	return Tracker{
		Name: "fmriprep",
		Checks: tracker.CheckSet{
			Checks: map[string]tracker.Predicate{
				"pipeline_complete": fmriprepComplete,
			},
			Prefixed: map[string]map[string]tracker.Predicate{
				"PHASE__": {
					"anat": fmriprepAnat,
					"func": fmriprepFunc,
				},
			},
		},
	}
}

func fmriprepAnatRequirements(bidsID, sessionID string) []Requirement {
	stem := filepath.Join(sessionID, "anat", bidsID+"_"+sessionID)
	return []Requirement{
		{stem + "_desc-preproc_T1w.nii.gz"},
		{stem + "_desc-brain_mask.nii.gz"},
		{stem + "_dseg.nii.gz"},
		{
			fmt.Sprintf("%s_space-%s_res-2_desc-preproc_T1w.nii.gz", stem, fmriprepTemplate),
			fmt.Sprintf("%s_space-%s_desc-preproc_T1w.nii.gz", stem, fmriprepTemplate),
		},
		{
			fmt.Sprintf("%s_space-%s_res-2_desc-brain_mask.nii.gz", stem, fmriprepTemplate),
			fmt.Sprintf("%s_space-%s_desc-brain_mask.nii.gz", stem, fmriprepTemplate),
		},
	}
}

func fmriprepFuncRequirements(bidsID, sessionID string) []Requirement {
	stem := filepath.Join(sessionID, "func", bidsID+"_"+sessionID)
	return []Requirement{
		{stem + "_task-rest*_desc-preproc_bold.nii.gz"},
		{stem + "_task-rest*_desc-confounds_timeseries.tsv"},
		{
			fmt.Sprintf("%s_task-rest*_space-%s_res-2_desc-preproc_bold.nii.gz", stem, fmriprepTemplate),
			fmt.Sprintf("%s_task-rest*_space-%s_desc-preproc_bold.nii.gz", stem, fmriprepTemplate),
		},
	}
}

func fmriprepAnat(subjectDir, sessionID, _ string) domain.CompletionStatus {
	return Classify(subjectDir, fmriprepAnatRequirements(bidsIDOf(subjectDir), sessionID))
}

func fmriprepFunc(subjectDir, sessionID, _ string) domain.CompletionStatus {
	return Classify(subjectDir, fmriprepFuncRequirements(bidsIDOf(subjectDir), sessionID))
}

func fmriprepComplete(subjectDir, sessionID, _ string) domain.CompletionStatus {
	bidsID := bidsIDOf(subjectDir)
	reqs := fmriprepAnatRequirements(bidsID, sessionID)
	reqs = append(reqs, fmriprepFuncRequirements(bidsID, sessionID)...)
	return Classify(subjectDir, reqs)
}
