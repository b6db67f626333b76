package cttso_pieriandx_gateway

import (
	"fmt"
	"strings"
)

// Resolve picks the workflow run for subjectID/libraryID among candidates.
// Only Succeeded runs whose name contains "<subject>__<library>" qualify; the
// latest time_created wins and an exact tie is reported as ErrAmbiguousMatch.
func Resolve(subjectID, libraryID string, candidates []WorkflowRun) (WorkflowRun, error) {
	key := SampleKey{SubjectID: subjectID, LibraryID: libraryID}
	needle := fmt.Sprintf("%s__%s", subjectID, libraryID)

	var best []WorkflowRun
	for _, run := range candidates {
		if run.Status != RunSucceeded || !strings.Contains(run.Name, needle) {
			continue
		}
		switch {
		case len(best) == 0 || run.TimeCreated.After(best[0].TimeCreated):
			best = []WorkflowRun{run}
		case run.TimeCreated.Equal(best[0].TimeCreated):
			best = append(best, run)
		}
	}

	switch len(best) {
	case 0:
		return WorkflowRun{}, &ResolutionError{Key: key, Err: ErrRunNotFound}
	case 1:
		return best[0], nil
	}
	ids := make([]string, 0, len(best))
	for _, run := range best {
		ids = append(ids, run.ID)
	}
	return WorkflowRun{}, &ResolutionError{Key: key, Candidates: ids, Err: ErrAmbiguousMatch}
}
