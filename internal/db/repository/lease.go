package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"pipeflow/internal/domain"
)

var _ domain.LeaseService = (*LeaseRepo)(nil)

// LeaseRepo implements domain.LeaseService on the leases table. A lease is
// free when no row exists or the row has expired; acquisition is a single
// upsert so two writers can never both win.
type LeaseRepo struct {
	db    *sql.DB
	clock quartz.Clock
}

// NewLeaseRepo creates a LeaseRepo. A nil clock means the real clock.
func NewLeaseRepo(db *sql.DB, clock quartz.Clock) *LeaseRepo {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &LeaseRepo{db: db, clock: clock}
}

// TryAcquire takes the lease for key, or returns domain.ErrLeaseUnavailable
// while another holder's lease is unexpired.
func (r *LeaseRepo) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*domain.Lease, error) {
	now := r.clock.Now()
	lease := &domain.Lease{Key: key, Token: domain.NewID(), ExpiresAt: now.Add(ttl)}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO leases (lease_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE
			SET token = excluded.token, expires_at = excluded.expires_at
			WHERE leases.expires_at <= ?`,
		key, lease.Token, lease.ExpiresAt.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrLeaseUnavailable
	}
	return lease, nil
}

// Extend pushes the expiry of a lease that is still held by its token.
// It returns domain.ErrLeaseUnavailable once the lease was lost.
func (r *LeaseRepo) Extend(ctx context.Context, lease *domain.Lease, ttl time.Duration) error {
	now := r.clock.Now()
	expires := now.Add(ttl)

	res, err := r.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE lease_key = ? AND token = ? AND expires_at > ?`,
		expires.UnixNano(), lease.Key, lease.Token, now.UnixNano())
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", lease.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", lease.Key, err)
	}
	if n == 0 {
		return domain.ErrLeaseUnavailable
	}
	lease.ExpiresAt = expires
	return nil
}

// Release drops the lease if the token still owns it. Releasing a lost
// lease is not an error.
func (r *LeaseRepo) Release(ctx context.Context, lease *domain.Lease) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM leases WHERE lease_key = ? AND token = ?`, lease.Key, lease.Token); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	return nil
}
