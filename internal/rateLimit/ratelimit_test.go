package rateLimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
)

type failingCounter struct{}

func (failingCounter) Hit(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestAllowWithinWindow(t *testing.T) {
	logger, _ := test.NewNullLogger()
	counter := NewMemoryCounter()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return now }
	rl := NewRateLimiter(counter, observability.Wrap(logger))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !rl.Allow(ctx, "user:1", 3, time.Minute) {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	if rl.Allow(ctx, "user:1", 3, time.Minute) {
		t.Fatal("fourth request allowed")
	}
	if !rl.Allow(ctx, "user:2", 3, time.Minute) {
		t.Fatal("other key rejected")
	}

	now = now.Add(time.Minute)
	if !rl.Allow(ctx, "user:1", 3, time.Minute) {
		t.Fatal("new window rejected")
	}
}

func TestAllowFailsOpen(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rl := NewRateLimiter(failingCounter{}, observability.Wrap(logger))

	if !rl.Allow(context.Background(), "user:1", 1, time.Minute) {
		t.Fatal("request rejected while counter is down")
	}
	if len(hook.Entries) != 1 {
		t.Errorf("expected one warning, got %d", len(hook.Entries))
	}
}
