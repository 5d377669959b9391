package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"consultline/internal/apperr"
)

func newSession(id string) CallSession {
	now := time.Unix(1700000000, 0).UTC()
	return CallSession{
		ID:     id,
		Status: StatusPending,
		Participants: Participants{
			Provider: Participant{Phone: "+33612345678", Status: ParticipantPending},
			Client:   Participant{Phone: "+14155552671", Status: ParticipantPending},
		},
		Conference: Conference{Name: "conf_" + id},
		Payment:    Payment{IntentID: "pi_" + id, Status: PaymentAuthorized, Amount: 4900, Currency: "eur"},
		Metadata:   Metadata{ProviderID: "p1", ClientID: "c1", CreatedAt: now, UpdatedAt: now},
	}
}

func TestCleanPhoneRoundTrip(t *testing.T) {
	ctx := context.Background()
	prov, cli, err := ValidatePair(ctx, "+33 6 12 34 56 78", "+1 (415) 555-2671")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if prov != "+33612345678" || cli != "+14155552671" {
		t.Fatalf("unexpected cleaned phones %q %q", prov, cli)
	}

	repo := NewMemoryRepo()
	s := newSession("s1")
	s.Participants.Provider.Phone, s.Participants.Client.Phone = prov, cli
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Participants.Provider.Phone != "+33612345678" || got.Participants.Client.Phone != "+14155552671" {
		t.Fatalf("phones not preserved: %+v", got.Participants)
	}
}

func TestValidatePairRejectsIdenticalPhones(t *testing.T) {
	_, _, err := ValidatePair(context.Background(), "+33612345678", "0033612345678")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCleanPhoneRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "0612345678", "+0612345678", "+1234567", "+1234567890123456", "+33abc45678"} {
		if _, err := CleanPhone(context.Background(), raw); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", raw, err)
		}
	}
}

func TestCleanPhoneAcceptsUnknownCountryCode(t *testing.T) {
	// 999 is not assigned; the number is still accepted.
	p, err := CleanPhone(context.Background(), "+99912345678")
	if err != nil {
		t.Fatalf("expected unknown prefix to pass, got %v", err)
	}
	if KnownCountryCode(p) {
		t.Fatalf("expected prefix to be unknown")
	}
}

func TestMemoryRepoCreateConflict(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, newSession("dup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(ctx, newSession("dup"))
	if !errors.Is(err, ErrAlreadyExists) || !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateIfGuardsPaymentStatus(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, newSession("s1"))

	capture := NewUpdate().PaymentStatus(PaymentCaptured).Status(StatusCompleted)
	guard := Guard{PaymentStatuses: []PaymentStatus{PaymentAuthorized}}

	ok, err := repo.UpdateIf(ctx, "s1", guard, capture)
	if err != nil || !ok {
		t.Fatalf("expected first write to win, ok=%v err=%v", ok, err)
	}
	ok, err = repo.UpdateIf(ctx, "s1", guard, NewUpdate().PaymentStatus(PaymentRefunded))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("expected guard to reject second transition")
	}
	got, _ := repo.Get(ctx, "s1")
	if got.Payment.Status != PaymentCaptured || got.Status != StatusCompleted {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestUpdateTouchesOnlyListedFields(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, newSession("s1"))

	at := time.Unix(1700000100, 0)
	_ = repo.Update(ctx, "s1", NewUpdate().ParticipantStatus(RoleClient, ParticipantConnected).ParticipantConnectedAt(RoleClient, at))
	_ = repo.Update(ctx, "s1", NewUpdate().ParticipantCallSID(RoleProvider, "CA1"))

	got, _ := repo.Get(ctx, "s1")
	if got.Participants.Client.Status != ParticipantConnected || got.Participants.Client.ConnectedAt == nil {
		t.Fatalf("client fields lost: %+v", got.Participants.Client)
	}
	if got.Participants.Provider.CallSID != "CA1" || got.Participants.Provider.Status != ParticipantPending {
		t.Fatalf("provider fields wrong: %+v", got.Participants.Provider)
	}
	role, ok := got.RoleForCallSID("CA1")
	if !ok || role != RoleProvider {
		t.Fatalf("expected CA1 to resolve to provider")
	}
}

func TestPathColumnsAreDistinct(t *testing.T) {
	seen := map[string]Path{}
	for f := FieldStatus; f <= FieldTaskID; f++ {
		for _, role := range []Role{RoleProvider, RoleClient} {
			p := Path{Field: f, Role: role}
			col := p.Column()
			if prev, ok := seen[col]; ok && prev.Field != f {
				t.Fatalf("column %q shared by fields %d and %d", col, prev.Field, f)
			}
			seen[col] = p
		}
	}
}

func TestSweeperKeepsLiveSessions(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	old := time.Unix(1600000000, 0).UTC()
	repo.clock = func() time.Time { return old }

	for id, st := range map[string]Status{"live": StatusActive, "failed": StatusFailed, "done": StatusCompleted} {
		s := newSession(id)
		s.Status = st
		s.Metadata.UpdatedAt = old
		_ = repo.Create(ctx, s)
	}

	w := NewSweeper(repo, RetentionPolicy{FailedAfter: time.Hour, CompletedAfter: 1000 * 24 * time.Hour}, nil)
	w.clock = func() time.Time { return old.Add(48 * time.Hour) }

	n, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the failed session deleted, got %d", n)
	}
	if _, err := repo.Get(ctx, "live"); err != nil {
		t.Fatalf("live session deleted: %v", err)
	}
	if _, err := repo.Get(ctx, "done"); err != nil {
		t.Fatalf("completed session deleted early: %v", err)
	}
}
