package repository

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"pipeflow/internal/domain"
)

// Compile-time checks.
var (
	_ domain.PipelineRepository = (*PipelineRepo)(nil)
	_ domain.JobStore           = (*PipelineRepo)(nil)
	_ domain.JobStatusRecorder  = (*PipelineRepo)(nil)
)

// PipelineRepo stores pipelines, stages and jobs. Writes go through the
// single-connection write pool; snapshot loads use the read pool.
type PipelineRepo struct {
	db   *sql.DB
	read *sql.DB
}

// NewPipelineRepo creates a new PipelineRepo. readDB may be nil, in which
// case reads share writeDB.
func NewPipelineRepo(writeDB, readDB *sql.DB) *PipelineRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &PipelineRepo{db: writeDB, read: readDB}
}

// CreatePipeline inserts a pipeline with its stages, jobs and needs in one
// transaction. Every job starts unprocessed.
func (r *PipelineRepo) CreatePipeline(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO pipelines (name, status, created_by) VALUES (?, ?, ?)`,
		req.Name, domain.StatusCreated, req.CreatedBy)
	if err != nil {
		return nil, mapDBError(err)
	}
	pipelineID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("pipeline id: %w", err)
	}

	for pos, st := range req.Stages {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO stages (pipeline_id, name, position, status) VALUES (?, ?, ?, ?)`,
			pipelineID, st.Name, pos, domain.StatusCreated)
		if err != nil {
			return nil, mapDBError(err)
		}
		stageID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("stage id: %w", err)
		}

		for _, j := range st.Jobs {
			if err := insertJob(ctx, tx, pipelineID, stageID, req.CreatedBy, &j); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetPipelineView(ctx, pipelineID)
}

func insertJob(ctx context.Context, tx *sql.Tx, pipelineID, stageID int64, createdBy string, j *domain.CreateJobRequest) error {
	status := j.Status
	if status == domain.StatusNone {
		status = domain.StatusCreated
	}
	when := j.When
	if when == "" {
		when = domain.WhenOnSuccess
	}
	actor := j.Actor
	if actor == "" {
		actor = createdBy
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (pipeline_id, stage_id, name, status, scheduling_type, when_rule,
			allow_failure, actor, environment, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		pipelineID, stageID, j.Name, status, j.SchedulingType(), when,
		boolToInt(j.AllowFailure), actor, j.Environment)
	if err != nil {
		return mapDBError(err)
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}

	for _, need := range j.Needs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_needs (job_id, name) VALUES (?, ?)`, jobID, need); err != nil {
			return mapDBError(err)
		}
	}
	return nil
}

// GetPipeline returns a pipeline by ID.
func (r *PipelineRepo) GetPipeline(ctx context.Context, id int64) (*domain.Pipeline, error) {
	var (
		p                    domain.Pipeline
		status               string
		createdAt, updatedAt string
	)
	err := r.read.QueryRowContext(ctx, `
		SELECT id, name, status, created_by, created_at, updated_at
		FROM pipelines WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &status, &p.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound("pipeline %d not found", id)
		}
		return nil, mapDBError(err)
	}
	p.Status = domain.Status(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetPipelineView returns a pipeline with its stages and jobs.
func (r *PipelineRepo) GetPipelineView(ctx context.Context, id int64) (*domain.PipelineView, error) {
	p, err := r.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	stages, err := r.ListStages(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := r.ListJobs(ctx, domain.JobFilter{PipelineID: id})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(jobs, func(a, b domain.Job) int {
		if c := cmp.Compare(a.StagePosition, b.StagePosition); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return &domain.PipelineView{Pipeline: *p, Stages: stages, Jobs: jobs}, nil
}

// ListPipelinesNeedingProcessing returns the IDs of pipelines with at least
// one unprocessed job, oldest first.
func (r *PipelineRepo) ListPipelinesNeedingProcessing(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.read.QueryContext(ctx, `
		SELECT DISTINCT pipeline_id FROM jobs
		WHERE processed = 0
		ORDER BY pipeline_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStages returns the pipeline's stages ordered by position.
func (r *PipelineRepo) ListStages(ctx context.Context, pipelineID int64) ([]domain.Stage, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT id, pipeline_id, name, position, status
		FROM stages WHERE pipeline_id = ?
		ORDER BY position`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []domain.Stage
	for rows.Next() {
		var (
			s      domain.Stage
			status string
		)
		if err := rows.Scan(&s.ID, &s.PipelineID, &s.Name, &s.Position, &status); err != nil {
			return nil, err
		}
		s.Status = domain.Status(status)
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// UpdateStageStatus sets the aggregate status of a stage.
func (r *PipelineRepo) UpdateStageStatus(ctx context.Context, stageID int64, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE stages SET status = ? WHERE id = ?`, status, stageID)
	if err != nil {
		return mapDBError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("stage %d not found", stageID)
	}
	return nil
}

// UpdatePipelineStatus sets the aggregate status of a pipeline.
func (r *PipelineRepo) UpdatePipelineStatus(ctx context.Context, pipelineID int64, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipelines SET status = ?, updated_at = datetime('now')
		WHERE id = ? AND status <> ?`, status, pipelineID, status)
	if err != nil {
		return mapDBError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unchanged or missing.
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM pipelines WHERE id = ?`, pipelineID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound("pipeline %d not found", pipelineID)
		}
		return mapDBError(err)
	}
	return nil
}
