package limit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/google/uuid"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
	err    error
}

func (f *fakeCounter) CountActiveBookings(_ context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID], f.err
}

func (f *fakeCounter) add(userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[userID]++
}

func TestGuardRejectsAtLimit(t *testing.T) {
	user := uuid.New()
	counter := &fakeCounter{counts: map[uuid.UUID]int{user: 5}}
	g := NewGuard(counter, 5, nil)

	_, err := g.CheckAndReserveSlotCount(context.Background(), user)
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}

	release, err := g.CheckAndReserveSlotCount(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("other user should pass: %v", err)
	}
	release()
}

func TestGuardReleasesOnCounterError(t *testing.T) {
	user := uuid.New()
	counter := &fakeCounter{counts: map[uuid.UUID]int{}, err: errors.New("db down")}
	g := NewGuard(counter, 5, nil)

	if _, err := g.CheckAndReserveSlotCount(context.Background(), user); err == nil {
		t.Fatal("expected error")
	}

	counter.err = nil
	done := make(chan struct{})
	go func() {
		release, err := g.CheckAndReserveSlotCount(context.Background(), user)
		if err == nil {
			release()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("user lock was not released after counter error")
	}
}

func TestGuardConcurrentCreatesStopAtMax(t *testing.T) {
	user := uuid.New()
	counter := &fakeCounter{counts: map[uuid.UUID]int{user: 4}}
	g := NewGuard(counter, 5, nil)

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.CheckAndReserveSlotCount(context.Background(), user)
			if err != nil {
				if !errors.Is(err, domain.ErrLimitExceeded) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			counter.add(user)
			atomic.AddInt32(&created, 1)
			release()
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created %d bookings past the limit", created)
	}
	if counter.counts[user] != 5 {
		t.Fatalf("count = %d", counter.counts[user])
	}
}
