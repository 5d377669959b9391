package payments

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"consultline/internal/apperr"
)

// MemoryRepo is an in-memory payment repository for tests and local runs.
// WithLocked holds a single repository-wide lock while fn runs.
type MemoryRepo struct {
	mu       sync.Mutex
	payments map[string]Payment
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{payments: map[string]Payment{}} }

func (r *MemoryRepo) Insert(ctx context.Context, p Payment) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.IntentID]; ok {
		return fmt.Errorf("payment %s already exists: %w", p.IntentID, apperr.ErrConflict)
	}
	r.payments[p.IntentID] = p
	return nil
}

func (r *MemoryRepo) GetByIntent(ctx context.Context, intentID string) (Payment, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[intentID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) FindInFlight(ctx context.Context, clientID, providerID string) (Payment, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ClientID == clientID && p.ProviderID == providerID && p.Status.InFlight() {
			return p, true, nil
		}
	}
	return Payment{}, false, nil
}

func (r *MemoryRepo) WithLocked(ctx context.Context, intentID string, fn func(ctx context.Context, p *Payment) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[intentID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(ctx, &p); err != nil {
		return err
	}
	r.payments[intentID] = p
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Payment, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payment, 0)
	for _, p := range r.payments {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryParties is an in-memory PartyDirectory. Unknown ids are not found.
type MemoryParties struct {
	mu      sync.Mutex
	parties map[string]PartyStatus
}

// NewMemoryParties registers ids as active.
func NewMemoryParties(ids ...string) *MemoryParties {
	m := &MemoryParties{parties: map[string]PartyStatus{}}
	for _, id := range ids {
		m.parties[id] = PartyActive
	}
	return m
}

func (m *MemoryParties) Set(id string, st PartyStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parties[id] = st
}

func (m *MemoryParties) Standing(ctx context.Context, partyID string) (PartyStatus, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.parties[partyID]
	if !ok {
		return "", ErrPartyNotFound
	}
	return st, nil
}
