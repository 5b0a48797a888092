package api

import (
	"time"

	"pipeflow/internal/domain"
)

// Error is the body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PipelineResponse is a pipeline with its stages and jobs.
type PipelineResponse struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Status    domain.Status   `json:"status"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Stages    []StageResponse `json:"stages"`
}

// StageResponse is one stage of a PipelineResponse.
type StageResponse struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Position int           `json:"position"`
	Status   domain.Status `json:"status"`
	Jobs     []JobResponse `json:"jobs"`
}

// JobResponse is the externally visible state of a job.
type JobResponse struct {
	ID             int64                 `json:"id"`
	PipelineID     int64                 `json:"pipeline_id"`
	Name           string                `json:"name"`
	Stage          int                   `json:"stage"`
	Status         domain.Status         `json:"status"`
	Version        int64                 `json:"version"`
	SchedulingType domain.SchedulingType `json:"scheduling_type"`
	Needs          []string              `json:"needs,omitempty"`
	When           domain.WhenRule       `json:"when,omitempty"`
	AllowFailure   bool                  `json:"allow_failure,omitempty"`
	Environment    string                `json:"environment,omitempty"`
	Processed      bool                  `json:"processed"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// ProcessResponse reports the outcome of a synchronous pass.
type ProcessResponse struct {
	Processed bool `json:"processed"`
	Changed   bool `json:"changed"`
	Requeued  bool `json:"requeued"`
}

// ActorRequest is the body of the play and retry endpoints.
type ActorRequest struct {
	Actor string `json:"actor"`
}

func pipelineToAPI(v *domain.PipelineView) PipelineResponse {
	out := PipelineResponse{
		ID:        v.Pipeline.ID,
		Name:      v.Pipeline.Name,
		Status:    v.Pipeline.Status,
		CreatedBy: v.Pipeline.CreatedBy,
		CreatedAt: v.Pipeline.CreatedAt,
		UpdatedAt: v.Pipeline.UpdatedAt,
		Stages:    make([]StageResponse, 0, len(v.Stages)),
	}
	byStage := make(map[int64][]JobResponse, len(v.Stages))
	for i := range v.Jobs {
		byStage[v.Jobs[i].StageID] = append(byStage[v.Jobs[i].StageID], jobToAPI(&v.Jobs[i]))
	}
	for _, st := range v.Stages {
		jobs := byStage[st.ID]
		if jobs == nil {
			jobs = []JobResponse{}
		}
		out.Stages = append(out.Stages, StageResponse{
			ID:       st.ID,
			Name:     st.Name,
			Position: st.Position,
			Status:   st.Status,
			Jobs:     jobs,
		})
	}
	return out
}

func jobToAPI(j *domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID,
		PipelineID:     j.PipelineID,
		Name:           j.Name,
		Stage:          j.StagePosition,
		Status:         j.Status,
		Version:        j.Version,
		SchedulingType: j.SchedulingType,
		Needs:          j.Needs,
		When:           j.When,
		AllowFailure:   j.AllowFailure,
		Environment:    j.Environment,
		Processed:      j.Processed,
		UpdatedAt:      j.UpdatedAt,
	}
}
