package domain

import "time"

// SchedulingType selects how a job's prerequisites are determined.
type SchedulingType string

// Scheduling type constants.
const (
	// SchedulingStage jobs wait for every job in all earlier stages.
	SchedulingStage SchedulingType = "stage"
	// SchedulingDAG jobs wait only for the jobs named in their needs.
	SchedulingDAG SchedulingType = "dag"
)

// WhenRule controls what a job does once its prerequisites complete.
type WhenRule string

// When rule constants.
const (
	WhenOnSuccess WhenRule = "on_success"
	WhenOnFailure WhenRule = "on_failure"
	WhenAlways    WhenRule = "always"
	WhenManual    WhenRule = "manual"
	WhenDelayed   WhenRule = "delayed"
)

// Valid reports whether w is a known rule. The empty rule means on_success.
func (w WhenRule) Valid() bool {
	switch w {
	case "", WhenOnSuccess, WhenOnFailure, WhenAlways, WhenManual, WhenDelayed:
		return true
	}
	return false
}

// Pipeline is one run of a CI configuration.
type Pipeline struct {
	ID        int64
	Name      string
	Status    Status
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stage is an ordered group of jobs within a pipeline.
type Stage struct {
	ID         int64
	PipelineID int64
	Name       string
	Position   int
	Status     Status
}

// Job is a processable unit of a pipeline.
type Job struct {
	ID             int64
	PipelineID     int64
	StageID        int64
	StagePosition  int
	Name           string
	Status         Status
	Version        int64 // optimistic lock, bumped on every status write
	SchedulingType SchedulingType
	Needs          []string // job names, only meaningful for SchedulingDAG
	When           WhenRule
	AllowFailure   bool
	Actor          string // user responsible for the job
	Environment    string // deployment target, empty when the job does not deploy
	Processed      bool
	UpdatedAt      time.Time
}

// IsDAG reports whether the job is scheduled by its needs.
func (j *Job) IsDAG() bool { return j.SchedulingType == SchedulingDAG }

// JobSnapshot is the read-model projection of a job held for the duration of
// one processing pass.
type JobSnapshot struct {
	ID            int64
	Name          string
	Status        Status
	Version       int64
	StagePosition int
	AllowFailure  bool
	Processed     bool
}

// JobRef identifies a job at a specific version.
type JobRef struct {
	ID      int64
	Version int64
}

// JobFilter selects jobs of one pipeline. Zero-valued fields do not filter.
type JobFilter struct {
	PipelineID     int64
	IDs            []int64
	Names          []string
	Statuses       []Status
	SchedulingType SchedulingType
	StagePosition  *int
	BeforeStage    *int // stage position strictly less than
	AfterID        int64
	Limit          int
}

// PipelineView is a pipeline with its stages and jobs, ordered by stage
// position and job name.
type PipelineView struct {
	Pipeline Pipeline
	Stages   []Stage
	Jobs     []Job
}

// ProcessRequest asks a Processor to advance a pipeline.
type ProcessRequest struct {
	PipelineID int64
	// TriggerJobIDs are the jobs whose status change caused this request.
	// Only the legacy processor uses them.
	TriggerJobIDs []int64
	// Initial is set for the first request after the pipeline was created.
	Initial bool
}

// ProcessResult reports the outcome of one processing pass.
type ProcessResult struct {
	// Processed is false when the pass was a no-op: nothing needed
	// processing or another pass held the lease.
	Processed bool
	// Changed is true when at least one job status was written.
	Changed bool
	// Requeued is true when a follow-up pass was enqueued.
	Requeued bool
}

// CreatePipelineRequest holds the stages and jobs of a pipeline built
// upstream. Jobs are created in the given order.
type CreatePipelineRequest struct {
	Name      string               `json:"name" yaml:"name"`
	CreatedBy string               `json:"created_by" yaml:"created_by"`
	Stages    []CreateStageRequest `json:"stages" yaml:"stages"`
}

// CreateStageRequest holds one stage of a CreatePipelineRequest.
type CreateStageRequest struct {
	Name string             `json:"name" yaml:"name"`
	Jobs []CreateJobRequest `json:"jobs" yaml:"jobs"`
}

// CreateJobRequest holds one job of a CreateStageRequest. A job with a
// non-nil Needs slice is dag-scheduled, even when the slice is empty.
type CreateJobRequest struct {
	Name         string   `json:"name" yaml:"name"`
	Needs        []string `json:"needs,omitempty" yaml:"needs,omitempty"`
	When         WhenRule `json:"when,omitempty" yaml:"when,omitempty"`
	AllowFailure bool     `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	Actor        string   `json:"actor,omitempty" yaml:"actor,omitempty"`
	Environment  string   `json:"environment,omitempty" yaml:"environment,omitempty"`
	Status       Status   `json:"status,omitempty" yaml:"status,omitempty"`
}

// SchedulingType returns the scheduling type implied by the request.
func (r *CreateJobRequest) SchedulingType() SchedulingType {
	if r.Needs != nil {
		return SchedulingDAG
	}
	return SchedulingStage
}

// Validate checks that the request is well-formed: unique job names, known
// statuses and rules, and needs that reference existing jobs. Cycles are
// detected by the job orderer, not here.
func (r *CreatePipelineRequest) Validate() error {
	if r.Name == "" {
		return ErrValidation("name is required")
	}
	if len(r.Stages) == 0 {
		return ErrValidation("pipeline has no stages")
	}

	names := make(map[string]struct{})
	for _, st := range r.Stages {
		if st.Name == "" {
			return ErrValidation("stage name is required")
		}
		if len(st.Jobs) == 0 {
			return ErrValidation("stage %s has no jobs", st.Name)
		}
		for _, j := range st.Jobs {
			if j.Name == "" {
				return ErrValidation("job name is required in stage %s", st.Name)
			}
			if _, dup := names[j.Name]; dup {
				return ErrValidation("duplicate job name: %s", j.Name)
			}
			names[j.Name] = struct{}{}
			if !j.When.Valid() {
				return ErrValidation("job %s: unknown when rule %q", j.Name, j.When)
			}
			if j.Status != StatusNone && !j.Status.Valid() {
				return ErrValidation("job %s: unknown status %q", j.Name, j.Status)
			}
		}
	}

	for _, st := range r.Stages {
		for _, j := range st.Jobs {
			for _, need := range j.Needs {
				if need == j.Name {
					return ErrValidation("self dependency: %s", j.Name)
				}
				if _, ok := names[need]; !ok {
					return ErrValidation("job %s: unknown need %s", j.Name, need)
				}
			}
		}
	}
	return nil
}
