package engine

import (
	"math/rand"

	"github.com/Shaydu/mondrian/internal/types"
)

// stepVerbs are the whimsical prefixes of the current-step label shown
// while an advisor is being invoked.
var stepVerbs = []string{
	"Conjuring",
	"Summoning",
	"Beckoning",
	"Invoking",
	"Calling forth",
	"Manifesting",
}

// StepLabel builds the user-visible current-step string for an advisor:
// a random verb plus the advisor's display name.
func StepLabel(displayName string) string {
	return stepVerbs[rand.Intn(len(stepVerbs))] + " " + displayName
}

// Progress maps a job's position in the pipeline to a percentage. Thinking
// updates never move it; the store clamps any regression, so callers can
// recompute freely. completed counts fully analyzed advisors; total is the
// job's advisor count.
func Progress(status types.Status, phase types.Phase, completed, total int) int {
	switch status {
	case types.StatusQueued:
		return 0
	case types.StatusProcessing:
		return 5
	case types.StatusAnalyzing:
		if phase == types.PhaseAdvisorPreparation {
			return 10
		}
		if total <= 0 {
			return 10
		}
		if completed > total {
			completed = total
		}
		return 10 + (80*completed)/total
	case types.StatusFinalizing:
		return 95
	case types.StatusDone:
		return 100
	default:
		// error: frozen where it was; callers skip the percentage patch.
		return 0
	}
}
