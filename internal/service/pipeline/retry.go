package pipeline

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"pipeflow/internal/domain"
)

// updateOutcome is the result of writing one job transition.
type updateOutcome struct {
	job     domain.Job // latest known state of the job
	changed bool       // false when a fresh read showed the job had moved on
}

// transitionJob writes the transition of job under prereq, retrying against
// a fresh read whenever the version is stale. A fresh job that is no longer
// created is left alone. Conflicts past the retry budget surface as
// *domain.RetryBudgetExhaustedError; other store errors are not retried.
func transitionJob(ctx context.Context, store domain.JobStore, opts EngineOptions, job domain.Job, prereq domain.Status) (updateOutcome, error) {
	cur := job
	next, ok := NextStatus(&cur, prereq)
	if !ok {
		return updateOutcome{job: cur}, nil
	}

	attempts := 0
	settled := false
	op := func() error {
		attempts++
		v, err := store.UpdateJobStatus(ctx, cur.ID, next, cur.Version)
		if err == nil {
			cur.Status, cur.Version = next, v
			return nil
		}
		if !domain.IsVersionConflict(err) {
			return backoff.Permanent(err)
		}

		fresh, gerr := store.GetJob(ctx, cur.ID)
		if gerr != nil {
			return backoff.Permanent(gerr)
		}
		cur = *fresh
		if n, ok := NextStatus(&cur, prereq); ok {
			next = n
			return err
		}
		settled = true
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryInterval), uint64(opts.MaxUpdateRetries)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		var conflict *domain.VersionConflictError
		if errors.As(err, &conflict) {
			return updateOutcome{job: cur}, &domain.RetryBudgetExhaustedError{JobID: job.ID, Attempts: attempts, Err: err}
		}
		return updateOutcome{job: cur}, err
	}
	return updateOutcome{job: cur, changed: !settled}, nil
}
