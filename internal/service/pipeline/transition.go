package pipeline

import (
	"slices"

	"pipeflow/internal/domain"
)

// NextStatus returns the status a job moves to once its prerequisites have
// folded to prereq. It reports false when the job stays as it is: it is no
// longer created, or prereq is not completed yet.
func NextStatus(job *domain.Job, prereq domain.Status) (domain.Status, bool) {
	if job.Status != domain.StatusCreated || !prereq.IsCompleted() {
		return job.Status, false
	}
	if !slices.Contains(validPrerequisiteStatuses(job), prereq) {
		return domain.StatusSkipped, true
	}

	switch job.When {
	case domain.WhenManual:
		return domain.StatusManual, true
	case domain.WhenDelayed:
		return domain.StatusScheduled, true
	default:
		return domain.StatusPending, true
	}
}

func validPrerequisiteStatuses(job *domain.Job) []domain.Status {
	switch job.When {
	case domain.WhenOnFailure:
		return []domain.Status{domain.StatusFailed}
	case domain.WhenAlways:
		return []domain.Status{domain.StatusSuccess, domain.StatusFailed, domain.StatusSkipped}
	default:
		if job.IsDAG() {
			return []domain.Status{domain.StatusSuccess}
		}
		return []domain.Status{domain.StatusSuccess, domain.StatusSkipped}
	}
}
