package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"pipeflow/internal/domain"
)

// === Lease ===

var _ domain.LeaseService = (*RecordingLease)(nil)

// RecordingLease is an exclusive lease service that never expires on its
// own and records how callers used it.
type RecordingLease struct {
	// Deny makes every acquisition fail with domain.ErrLeaseUnavailable.
	Deny bool
	// ExtendErr, when set, is returned by Extend.
	ExtendErr error
	// ExtendLimit, when positive, makes Extend fail with
	// domain.ErrLeaseUnavailable once it has succeeded that many times.
	ExtendLimit int

	mu          sync.Mutex
	held        map[string]string
	holders     int
	maxHolders  int
	acquired    int
	unavailable int
	extended    int
	released    int
}

// NewRecordingLease creates a RecordingLease.
func NewRecordingLease() *RecordingLease {
	return &RecordingLease{held: make(map[string]string)}
}

// TryAcquire implements domain.LeaseService.
func (l *RecordingLease) TryAcquire(_ context.Context, key string, ttl time.Duration) (*domain.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok || l.Deny {
		l.unavailable++
		return nil, domain.ErrLeaseUnavailable
	}
	lease := &domain.Lease{Key: key, Token: domain.NewID(), ExpiresAt: time.Now().Add(ttl)}
	l.held[key] = lease.Token
	l.acquired++
	l.holders++
	l.maxHolders = max(l.maxHolders, l.holders)
	return lease, nil
}

// Extend implements domain.LeaseService.
func (l *RecordingLease) Extend(_ context.Context, lease *domain.Lease, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ExtendErr != nil {
		return l.ExtendErr
	}
	if l.ExtendLimit > 0 && l.extended >= l.ExtendLimit {
		return domain.ErrLeaseUnavailable
	}
	if l.held[lease.Key] != lease.Token {
		return domain.ErrLeaseUnavailable
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	l.extended++
	return nil
}

// Release implements domain.LeaseService.
func (l *RecordingLease) Release(_ context.Context, lease *domain.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[lease.Key] == lease.Token {
		delete(l.held, lease.Key)
		l.holders--
		l.released++
	}
	return nil
}

// LeaseStats is a snapshot of RecordingLease counters.
type LeaseStats struct {
	Acquired    int
	Unavailable int
	Extended    int
	Released    int
	// MaxHolders is the largest number of leases held at the same time.
	MaxHolders int
	// Held is the number of leases held now.
	Held int
}

// Stats returns the current counters.
func (l *RecordingLease) Stats() LeaseStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LeaseStats{
		Acquired:    l.acquired,
		Unavailable: l.unavailable,
		Extended:    l.extended,
		Released:    l.released,
		MaxHolders:  l.maxHolders,
		Held:        l.holders,
	}
}

// IsHeld reports whether key is currently leased.
func (l *RecordingLease) IsHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// === Work scheduler ===

var _ domain.WorkScheduler = (*RecordingQueue)(nil)

// RecordingQueue collects enqueued requests without running them.
type RecordingQueue struct {
	// Err, when set, is returned by Enqueue.
	Err error

	mu       sync.Mutex
	requests []domain.ProcessRequest
}

// Enqueue implements domain.WorkScheduler.
func (q *RecordingQueue) Enqueue(_ context.Context, req domain.ProcessRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.requests = append(q.requests, req)
	return nil
}

// Requests returns the enqueued requests in order.
func (q *RecordingQueue) Requests() []domain.ProcessRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.requests)
}

// Drain returns and forgets the enqueued requests.
func (q *RecordingQueue) Drain() []domain.ProcessRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.requests
	q.requests = nil
	return out
}

// === Side-effect dispatcher ===

var _ domain.SideEffectDispatcher = (*RecordingDispatcher)(nil)

// Reset is one OnDependentsNeedReset notification.
type Reset struct {
	Actor string
	Jobs  []string
}

// RecordingDispatcher collects side-effect notifications.
type RecordingDispatcher struct {
	// Err, when set, is returned by every notification.
	Err error

	mu       sync.Mutex
	runnable []domain.Job
	resets   []Reset
}

// OnJobBecameRunnable implements domain.SideEffectDispatcher.
func (d *RecordingDispatcher) OnJobBecameRunnable(_ context.Context, job domain.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runnable = append(d.runnable, job)
	return d.Err
}

// OnDependentsNeedReset implements domain.SideEffectDispatcher.
func (d *RecordingDispatcher) OnDependentsNeedReset(_ context.Context, actor string, jobs []domain.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := Reset{Actor: actor}
	for _, j := range jobs {
		r.Jobs = append(r.Jobs, j.Name)
	}
	d.resets = append(d.resets, r)
	return d.Err
}

// Runnable returns the names of jobs reported runnable, in order.
func (d *RecordingDispatcher) Runnable() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.runnable))
	for _, j := range d.runnable {
		names = append(names, j.Name)
	}
	return names
}

// Resets returns the reset notifications in order.
func (d *RecordingDispatcher) Resets() []Reset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.resets)
}

// === Deployments ===

var _ domain.DeploymentRepository = (*RecordingDeployments)(nil)

// RecordingDeployments is an in-memory DeploymentRepository, idempotent per
// job like the SQLite one.
type RecordingDeployments struct {
	// Err, when set, is returned by CreateForJob.
	Err error

	mu   sync.Mutex
	jobs []domain.Job
}

// CreateForJob implements domain.DeploymentRepository.
func (d *RecordingDeployments) CreateForJob(_ context.Context, job domain.Job) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return false, d.Err
	}
	if job.Environment == "" {
		return false, nil
	}
	if slices.ContainsFunc(d.jobs, func(j domain.Job) bool { return j.ID == job.ID }) {
		return false, nil
	}
	d.jobs = append(d.jobs, job)
	return true, nil
}

// Deployed returns "job@environment" for every recorded deployment.
func (d *RecordingDeployments) Deployed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.Name+"@"+j.Environment)
	}
	return out
}
