package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Store for tests and local runs.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]CallSession
	clock    func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: map[string]CallSession{}, clock: time.Now}
}

func (r *MemoryRepo) Create(ctx context.Context, s CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) find(match func(CallSession) bool) (CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if match(s) {
			return s, nil
		}
	}
	return CallSession{}, ErrNotFound
}

func (r *MemoryRepo) FindByCallSID(ctx context.Context, callSID string) (CallSession, error) {
	if callSID == "" {
		return CallSession{}, ErrNotFound
	}
	return r.find(func(s CallSession) bool {
		_, ok := s.RoleForCallSID(callSID)
		return ok
	})
}

func (r *MemoryRepo) FindByConference(ctx context.Context, conferenceSID, name string) (CallSession, error) {
	if conferenceSID != "" {
		s, err := r.find(func(s CallSession) bool { return s.Conference.SID == conferenceSID })
		if err == nil {
			return s, nil
		}
	}
	if name == "" {
		return CallSession{}, ErrNotFound
	}
	return r.find(func(s CallSession) bool { return s.Conference.Name == name })
}

func (r *MemoryRepo) FindByPaymentIntent(ctx context.Context, intentID string) (CallSession, error) {
	if intentID == "" {
		return CallSession{}, ErrNotFound
	}
	return r.find(func(s CallSession) bool { return s.Payment.IntentID == intentID })
}

func (r *MemoryRepo) Update(ctx context.Context, id string, u *Update) error {
	_, err := r.UpdateIf(ctx, id, Guard{}, u)
	return err
}

func (r *MemoryRepo) UpdateIf(ctx context.Context, id string, g Guard, u *Update) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !g.Matches(s) {
		return false, nil
	}
	if u.Empty() {
		return true, nil
	}
	u.Apply(&s)
	s.Metadata.UpdatedAt = r.clock().UTC()
	r.sessions[id] = s
	return true, nil
}

func (r *MemoryRepo) DeleteTerminalBefore(ctx context.Context, statuses []Status, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !s.Status.Terminal() || !containsStatus(statuses, s.Status) {
			continue
		}
		if s.Metadata.UpdatedAt.Before(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored sessions.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
