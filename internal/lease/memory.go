// Package lease provides an in-process implementation of
// domain.LeaseService for single-node deployments.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"pipeflow/internal/domain"
)

var _ domain.LeaseService = (*Memory)(nil)

type holder struct {
	token     string
	expiresAt time.Time
}

// Memory grants TTL-bound leases held in a map. Expired leases are taken
// over lazily on the next acquisition.
type Memory struct {
	clock quartz.Clock

	mu     sync.Mutex
	leases map[string]holder
}

// NewMemory creates a Memory lease service. A nil clock means the real clock.
func NewMemory(clock quartz.Clock) *Memory {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Memory{clock: clock, leases: make(map[string]holder)}
}

// TryAcquire takes the lease for key or returns domain.ErrLeaseUnavailable.
func (m *Memory) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if h, ok := m.leases[key]; ok && h.expiresAt.After(now) {
		return nil, domain.ErrLeaseUnavailable
	}

	l := &domain.Lease{Key: key, Token: domain.NewID(), ExpiresAt: now.Add(ttl)}
	m.leases[key] = holder{token: l.Token, expiresAt: l.ExpiresAt}
	return l, nil
}

// Extend pushes the expiry of a lease that has not been lost.
func (m *Memory) Extend(_ context.Context, l *domain.Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	h, ok := m.leases[l.Key]
	if !ok || h.token != l.Token || !h.expiresAt.After(now) {
		return domain.ErrLeaseUnavailable
	}
	h.expiresAt = now.Add(ttl)
	m.leases[l.Key] = h
	l.ExpiresAt = h.expiresAt
	return nil
}

// Release drops the lease if its token still owns it.
func (m *Memory) Release(_ context.Context, l *domain.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.leases[l.Key]; ok && h.token == l.Token {
		delete(m.leases, l.Key)
	}
	return nil
}

// Held reports how many unexpired leases exist.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, h := range m.leases {
		if h.expiresAt.After(now) {
			n++
		}
	}
	return n
}
