package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pipeflow/internal/domain"
)

const jobColumns = `j.id, j.pipeline_id, j.stage_id, s.position, j.name, j.status, j.lock_version,
	j.scheduling_type, j.when_rule, j.allow_failure, j.actor, j.environment, j.processed, j.updated_at`

// LoadJobs returns a snapshot of every job in the pipeline, ordered by ID.
func (r *PipelineRepo) LoadJobs(ctx context.Context, pipelineID int64) ([]domain.JobSnapshot, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT j.id, j.name, j.status, j.lock_version, s.position, j.allow_failure, j.processed
		FROM jobs j JOIN stages s ON s.id = j.stage_id
		WHERE j.pipeline_id = ?
		ORDER BY j.id`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobSnapshot
	for rows.Next() {
		var (
			s                       domain.JobSnapshot
			status                  string
			allowFailure, processed int64
		)
		if err := rows.Scan(&s.ID, &s.Name, &status, &s.Version, &s.StagePosition, &allowFailure, &processed); err != nil {
			return nil, err
		}
		s.Status = domain.Status(status)
		s.AllowFailure = allowFailure != 0
		s.Processed = processed != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListJobs returns the jobs matching filter, with their needs, ordered by ID.
func (r *PipelineRepo) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.PipelineID != 0 {
		where = append(where, "j.pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if len(filter.IDs) > 0 {
		where = append(where, "j.id IN ("+placeholders(len(filter.IDs))+")")
		args = appendArgs(args, filter.IDs)
	}
	if len(filter.Names) > 0 {
		where = append(where, "j.name IN ("+placeholders(len(filter.Names))+")")
		args = appendArgs(args, filter.Names)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "j.status IN ("+placeholders(len(filter.Statuses))+")")
		args = appendArgs(args, filter.Statuses)
	}
	if filter.SchedulingType != "" {
		where = append(where, "j.scheduling_type = ?")
		args = append(args, filter.SchedulingType)
	}
	if filter.StagePosition != nil {
		where = append(where, "s.position = ?")
		args = append(args, *filter.StagePosition)
	}
	if filter.BeforeStage != nil {
		where = append(where, "s.position < ?")
		args = append(args, *filter.BeforeStage)
	}
	if filter.AfterID != 0 {
		where = append(where, "j.id > ?")
		args = append(args, filter.AfterID)
	}

	query := "SELECT " + jobColumns + " FROM jobs j JOIN stages s ON s.id = j.stage_id"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY j.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachNeeds(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob returns one job with its needs.
func (r *PipelineRepo) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.read.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs j JOIN stages s ON s.id = j.stage_id WHERE j.id = ?", id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound("job %d not found", id)
		}
		return nil, mapDBError(err)
	}
	jobs := []domain.Job{*j}
	if err := r.attachNeeds(ctx, jobs); err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j                                 domain.Job
		status, schedulingType, when, upd string
		allowFailure, processed           int64
	)
	err := row.Scan(&j.ID, &j.PipelineID, &j.StageID, &j.StagePosition, &j.Name, &status, &j.Version,
		&schedulingType, &when, &allowFailure, &j.Actor, &j.Environment, &processed, &upd)
	if err != nil {
		return nil, err
	}
	j.Status = domain.Status(status)
	j.SchedulingType = domain.SchedulingType(schedulingType)
	j.When = domain.WhenRule(when)
	j.AllowFailure = allowFailure != 0
	j.Processed = processed != 0
	j.UpdatedAt = parseTime(upd)
	return &j, nil
}

// attachNeeds fills Needs for dag jobs. A dag job without needs gets an
// empty, non-nil slice.
func (r *PipelineRepo) attachNeeds(ctx context.Context, jobs []domain.Job) error {
	index := make(map[int64]int)
	var ids []int64
	for i := range jobs {
		if jobs[i].IsDAG() {
			jobs[i].Needs = []string{}
			index[jobs[i].ID] = i
			ids = append(ids, jobs[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := r.read.QueryContext(ctx,
		"SELECT job_id, name FROM job_needs WHERE job_id IN ("+placeholders(len(ids))+") ORDER BY job_id, name",
		appendArgs(nil, ids)...)
	if err != nil {
		return fmt.Errorf("list needs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			jobID int64
			name  string
		)
		if err := rows.Scan(&jobID, &name); err != nil {
			return err
		}
		i := index[jobID]
		jobs[i].Needs = append(jobs[i].Needs, name)
	}
	return rows.Err()
}

// UpdateJobStatus writes status under the optimistic lock and returns the
// new version. Any status change, the engine's own included, flags the job
// as unprocessed: jobs that depend on it must be evaluated again.
func (r *PipelineRepo) UpdateJobStatus(ctx context.Context, id int64, status domain.Status, expectedVersion int64) (int64, error) {
	return r.writeStatus(ctx, id, status, expectedVersion)
}

// RecordJobStatus writes a status reported from outside the engines.
func (r *PipelineRepo) RecordJobStatus(ctx context.Context, id int64, status domain.Status, expectedVersion int64) (int64, error) {
	return r.writeStatus(ctx, id, status, expectedVersion)
}

func (r *PipelineRepo) writeStatus(ctx context.Context, id int64, status domain.Status, expectedVersion int64) (int64, error) {
	if !status.Valid() {
		return 0, domain.ErrValidation("unknown status %q", status)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lock_version = lock_version + 1, processed = 0, updated_at = datetime('now')
		WHERE id = ? AND lock_version = ?`,
		status, id, expectedVersion)
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}

	var current int64
	err = r.db.QueryRowContext(ctx, `SELECT lock_version FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound("job %d not found", id)
	}
	if err != nil {
		return 0, err
	}
	return 0, &domain.VersionConflictError{JobID: id, ExpectedVersion: expectedVersion}
}

// MarkProcessed flags the referenced jobs as evaluated. Refs whose version
// is stale are skipped so a concurrent change is never hidden.
func (r *PipelineRepo) MarkProcessed(ctx context.Context, refs []domain.JobRef) error {
	if len(refs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE jobs SET processed = 1 WHERE id = ? AND lock_version = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ref := range refs {
		if _, err := stmt.ExecContext(ctx, ref.ID, ref.Version); err != nil {
			return fmt.Errorf("mark job %d processed: %w", ref.ID, err)
		}
	}
	return tx.Commit()
}

// NeedsProcessing reports whether any job of the pipeline is unprocessed.
func (r *PipelineRepo) NeedsProcessing(ctx context.Context, pipelineID int64) (bool, error) {
	var exists int64
	err := r.read.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE pipeline_id = ? AND processed = 0)`, pipelineID).
		Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}
