package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeStore struct {
	mu       sync.Mutex
	owner    string
	renewErr error
	renewals int
}

func (s *fakeStore) AcquireLease(_ context.Context, _, owner string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		return false, nil
	}
	s.owner = owner
	return true, nil
}

func (s *fakeStore) RenewLease(_ context.Context, _, owner string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewals++
	if s.renewErr != nil {
		return false, s.renewErr
	}
	return s.owner == owner, nil
}

func (s *fakeStore) ReleaseLease(_ context.Context, _, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
	return nil
}

func (s *fakeStore) set(f func(*fakeStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func logger() observability.Logger {
	log, _ := test.NewNullLogger()
	return observability.Wrap(log)
}

func TestSecondInstanceIsRefused(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	if _, err := Acquire(ctx, store, "ledger", "a", time.Minute, logger()); err != nil {
		t.Fatal(err)
	}
	if _, err := Acquire(ctx, store, "ledger", "b", time.Minute, logger()); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
}

func TestKeepReleasesOnShutdown(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	l, err := Acquire(ctx, store, "ledger", "a", 30*time.Millisecond, logger())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Keep(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.renewals == 0 {
		t.Error("lease was never renewed")
	}
	if store.owner != "" {
		t.Errorf("lease still owned by %q", store.owner)
	}
}

func TestKeepReportsTakeover(t *testing.T) {
	store := &fakeStore{}
	l, err := Acquire(context.Background(), store, "ledger", "a", 30*time.Millisecond, logger())
	if err != nil {
		t.Fatal(err)
	}
	store.set(func(s *fakeStore) { s.owner = "b" })

	if err := l.Keep(context.Background()); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", err)
	}
}

func TestKeepGivesUpAfterFailedRenewals(t *testing.T) {
	store := &fakeStore{renewErr: errors.New("connection refused")}
	l, err := Acquire(context.Background(), store, "ledger", "a", 30*time.Millisecond, logger())
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Keep(context.Background()); !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.renewals < 2 {
		t.Errorf("renewals = %d, want retries before giving up", store.renewals)
	}
}
