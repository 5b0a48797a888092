package repository

import (
	"context"
	"database/sql"
	"fmt"

	"pipeflow/internal/domain"
)

var _ domain.DeploymentRepository = (*DeploymentRepo)(nil)

// DeploymentRepo records deployments of jobs that target an environment.
type DeploymentRepo struct {
	db *sql.DB
}

// NewDeploymentRepo creates a new DeploymentRepo.
func NewDeploymentRepo(db *sql.DB) *DeploymentRepo {
	return &DeploymentRepo{db: db}
}

// CreateForJob inserts a deployment for job unless one exists already. It
// reports whether a row was created.
func (r *DeploymentRepo) CreateForJob(ctx context.Context, job domain.Job) (bool, error) {
	if job.Environment == "" {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO deployments (id, job_id, pipeline_id, environment, actor)
		VALUES (?, ?, ?, ?, ?)`,
		domain.NewID(), job.ID, job.PipelineID, job.Environment, job.Actor)
	if err != nil {
		return false, fmt.Errorf("create deployment for job %d: %w", job.ID, mapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountForPipeline returns how many deployments a pipeline produced.
func (r *DeploymentRepo) CountForPipeline(ctx context.Context, pipelineID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM deployments WHERE pipeline_id = ?`, pipelineID).Scan(&n)
	return n, err
}
