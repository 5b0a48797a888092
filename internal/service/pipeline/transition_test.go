package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pipeflow/internal/domain"
)

func TestNextStatus(t *testing.T) {
	t.Parallel()

	stageJob := func(when domain.WhenRule) *domain.Job {
		return &domain.Job{Status: domain.StatusCreated, When: when, SchedulingType: domain.SchedulingStage}
	}
	dagJob := func(when domain.WhenRule) *domain.Job {
		return &domain.Job{Status: domain.StatusCreated, When: when, SchedulingType: domain.SchedulingDAG, Needs: []string{"a"}}
	}

	tests := []struct {
		name      string
		job       *domain.Job
		prereq    domain.Status
		want      domain.Status
		wantMoved bool
	}{
		{name: "on_success after success", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusSuccess, want: domain.StatusPending, wantMoved: true},
		{name: "default rule after success", job: stageJob(""), prereq: domain.StatusSuccess, want: domain.StatusPending, wantMoved: true},
		{name: "on_success after skipped", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusSkipped, want: domain.StatusPending, wantMoved: true},
		{name: "on_success after failed", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusFailed, want: domain.StatusSkipped, wantMoved: true},
		{name: "on_success after canceled", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusCanceled, want: domain.StatusSkipped, wantMoved: true},
		{name: "dag on_success after skipped", job: dagJob(domain.WhenOnSuccess), prereq: domain.StatusSkipped, want: domain.StatusSkipped, wantMoved: true},
		{name: "dag on_success after success", job: dagJob(domain.WhenOnSuccess), prereq: domain.StatusSuccess, want: domain.StatusPending, wantMoved: true},
		{name: "on_failure after failed", job: stageJob(domain.WhenOnFailure), prereq: domain.StatusFailed, want: domain.StatusPending, wantMoved: true},
		{name: "on_failure after success", job: stageJob(domain.WhenOnFailure), prereq: domain.StatusSuccess, want: domain.StatusSkipped, wantMoved: true},
		{name: "always after failed", job: stageJob(domain.WhenAlways), prereq: domain.StatusFailed, want: domain.StatusPending, wantMoved: true},
		{name: "always after canceled", job: stageJob(domain.WhenAlways), prereq: domain.StatusCanceled, want: domain.StatusSkipped, wantMoved: true},
		{name: "manual after success", job: stageJob(domain.WhenManual), prereq: domain.StatusSuccess, want: domain.StatusManual, wantMoved: true},
		{name: "manual after failed", job: stageJob(domain.WhenManual), prereq: domain.StatusFailed, want: domain.StatusSkipped, wantMoved: true},
		{name: "delayed after success", job: stageJob(domain.WhenDelayed), prereq: domain.StatusSuccess, want: domain.StatusScheduled, wantMoved: true},
		{name: "prereq running", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusRunning, want: domain.StatusCreated},
		{name: "prereq manual", job: stageJob(domain.WhenAlways), prereq: domain.StatusManual, want: domain.StatusCreated},
		{name: "prereq created", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusCreated, want: domain.StatusCreated},
		{name: "prereq none", job: stageJob(domain.WhenOnSuccess), prereq: domain.StatusNone, want: domain.StatusCreated},
		{
			name:   "already pending",
			job:    &domain.Job{Status: domain.StatusPending, When: domain.WhenOnSuccess},
			prereq: domain.StatusSuccess,
			want:   domain.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, moved := NextStatus(tt.job, tt.prereq)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantMoved, moved)
		})
	}
}

// A job's next status depends only on the prerequisite fold, so every
// completed prerequisite moves a created job and nothing else does.
func TestNextStatus_Total(t *testing.T) {
	t.Parallel()

	rules := []domain.WhenRule{domain.WhenOnSuccess, domain.WhenOnFailure, domain.WhenAlways, domain.WhenManual, domain.WhenDelayed}
	for _, when := range rules {
		for _, st := range domain.AllStatuses {
			for _, prereq := range domain.AllStatuses {
				job := &domain.Job{Status: st, When: when}
				got, moved := NextStatus(job, prereq)
				if st != domain.StatusCreated || !prereq.IsCompleted() {
					assert.False(t, moved)
					assert.Equal(t, st, got)
					continue
				}
				assert.True(t, moved)
				assert.NotEqual(t, domain.StatusCreated, got)
			}
		}
	}
}
