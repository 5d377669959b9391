package finance

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory repository for tests.
type MemoryRepo struct {
	mu      sync.Mutex
	tickets []Ticket
	reviews map[string]ReviewRequest
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{reviews: map[string]ReviewRequest{}} }

func (r *MemoryRepo) InsertTicket(ctx context.Context, t Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = append(r.tickets, t)
	return nil
}

func (r *MemoryRepo) InsertReview(ctx context.Context, rv ReviewRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reviews[rv.SessionID]; ok {
		return false, nil
	}
	r.reviews[rv.SessionID] = rv
	return true, nil
}

func (r *MemoryRepo) TicketsForSession(ctx context.Context, sessionID string) ([]Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ticket, 0)
	for _, t := range r.tickets {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Tickets() []Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ticket, len(r.tickets))
	copy(out, r.tickets)
	return out
}

func (r *MemoryRepo) Reviews() []ReviewRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReviewRequest, 0, len(r.reviews))
	for _, rv := range r.reviews {
		out = append(out, rv)
	}
	return out
}
